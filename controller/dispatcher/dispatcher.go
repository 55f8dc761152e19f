// Package dispatcher runs the commands that turn a requested build into a
// tree of source and deb builds, one command at a time.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/metrics"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/vcs"
	log "github.com/sirupsen/logrus"
)

// errRetry marks a command that has been enqueued again.
var errRetry = errors.New("command enqueued again")

type StateMachine interface {
	SetBuilding(id int64) error
	SetFailed(id int64) error
	SetNeedsPublish(id int64) error
	SetSuccessful(id int64) error
	Rebuild(id int64) ([]model.Build, error)
}

type VCS interface {
	CloneOrFetch(ctx context.Context, repository model.SourceRepository) error
	LatestTag(repositoryId int64) (string, error)
	Checkout(repositoryId int64, ref string) (*vcs.Checkout, error)
}

type Artifacts interface {
	CreateSourceArchive(sourceBuildId int64) (*os.File, error)
}

type Publisher interface {
	Enqueue(buildId int64)
}

type Scheduler interface {
	Trigger()
}

// EnvPreparer bootstraps build environments, writing its output to out.
type EnvPreparer interface {
	Prepare(ctx context.Context, env model.BuildEnvironment, out io.Writer) error
}

type LogWriter interface {
	Append(buildId int64, line string)
	Write(buildId int64, p []byte)
	Close(buildId int64)
}

type Options struct {
	// RetryDelay is the wait before a build waiting for its repository is
	// tried again, at most RetryMax times.
	RetryDelay time.Duration
	RetryMax   int
}

type Dispatcher struct {
	store        *store.Store
	machine      StateMachine
	repositories VCS
	artifacts    Artifacts
	publisher    Publisher
	scheduler    Scheduler
	preparer     EnvPreparer
	logs         LogWriter
	options      Options
	queue        *mailbox.Mailbox[Command]
}

func New(s *store.Store, machine StateMachine, repositories VCS, artifacts Artifacts, publisher Publisher,
	scheduler Scheduler, preparer EnvPreparer, logs LogWriter, options Options) *Dispatcher {
	if options.RetryDelay <= 0 {
		options.RetryDelay = 10 * time.Second
	}
	if options.RetryMax <= 0 {
		options.RetryMax = 30
	}
	return &Dispatcher{
		store:        s,
		machine:      machine,
		repositories: repositories,
		artifacts:    artifacts,
		publisher:    publisher,
		scheduler:    scheduler,
		preparer:     preparer,
		logs:         logs,
		options:      options,
		queue:        mailbox.New[Command](),
	}
}

func (d *Dispatcher) Enqueue(cmd Command) {
	d.queue.Push(cmd)
}

// EnqueueAfter enqueues cmd once delay has passed, unless ctx is done.
func (d *Dispatcher) EnqueueAfter(ctx context.Context, cmd Command, delay time.Duration) {
	d.queue.PushAfter(ctx, cmd, delay)
}

func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		cmd, err := d.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		d.handle(ctx, cmd)
	}
}

// handle runs one command. Errors and panics of the command fail its
// build, the loop carries on.
func (d *Dispatcher) handle(ctx context.Context, cmd Command) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			log.WithField("build_id", cmd.buildId()).Errorf("Recovered from panic in %s command: %v\n%s", cmd.name(), r, debug.Stack())
			d.fail(cmd.buildId(), fmt.Errorf("internal error: %v", r))
		}
		metrics.DispatcherCommands.WithLabelValues(cmd.name(), result).Inc()
	}()

	err := d.dispatch(ctx, cmd)
	switch {
	case errors.Is(err, errRetry):
		result = "retry"
	case err != nil:
		result = "error"
		log.WithField("build_id", cmd.buildId()).Errorf("Failed to handle %s command: %s", cmd.name(), err)
		d.fail(cmd.buildId(), err)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case Clone:
		return d.clone(ctx, c)
	case Build:
		return d.build(ctx, c)
	case BuildLatest:
		return d.buildLatest(c)
	case Rebuild:
		return d.rebuild(c)
	case Schedule:
		d.scheduler.Trigger()
		return nil
	case PrepareBuildEnv:
		return d.prepareBuildEnv(ctx, c)
	default:
		log.Errorf("Unknown dispatcher command %T", cmd)
		return nil
	}
}

// fail writes the reason to the build log and fails the build. A top level
// build that already has children is failed through its source build.
func (d *Dispatcher) fail(buildId int64, reason error) {
	if buildId == 0 {
		return
	}
	logger := log.WithField("build_id", buildId)
	build, err := store.GetBuild(d.store.DB, buildId)
	if err != nil {
		logger.Errorf("Failed to get build to fail: %s", err)
		return
	}

	if build.BuildType == model.TYPE_BUILD {
		source, exists, err := store.FindChildBuild(d.store.DB, build.Id, model.TYPE_SOURCE, 0, "")
		if err != nil {
			logger.Errorf("Failed to get source build: %s", err)
			return
		}
		if exists {
			build = source
		}
	}
	if build.BuildState.IsTerminal() {
		return
	}

	d.logs.Append(build.Id, "E: "+reason.Error())
	if err := d.machine.SetFailed(build.Id); err != nil {
		logger.Errorf("Failed to set build %d to failed: %s", build.Id, err)
	}
}

// buildLog adapts the log of one build to an io.Writer.
type buildLog struct {
	logs    LogWriter
	buildId int64
}

func (w buildLog) Write(p []byte) (int, error) {
	w.logs.Write(w.buildId, p)
	return len(p), nil
}
