// Package local implements the backend by running jobs in docker
// containers on the controller host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/metrics"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/worker/container"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type Runner interface {
	Build(ctx context.Context, job model.Job, source io.Reader, out io.Writer, save container.SaveFunc) error
}

type Artifacts interface {
	OpenSourceArchive(sourceBuildId int64) (*os.File, error)
	Save(buildId int64, name string, r io.Reader) error
}

type LogWriter interface {
	Append(buildId int64, line string)
	Write(buildId int64, p []byte)
	Finish(buildId int64)
}

type Options struct {
	Architectures []string
	// Parallel is the number of jobs running at the same time.
	Parallel int64
}

type entry struct {
	job       model.Job
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

type Backend struct {
	store     *store.Store
	runner    Runner
	artifacts Artifacts
	logs      LogWriter
	reporter  backend.Reporter
	options   Options
	slots     *semaphore.Weighted
	jobs      *mailbox.Mailbox[int64]
	startedAt time.Time

	mutex   sync.Mutex
	entries map[int64]*entry
}

var _ backend.Backend = (*Backend)(nil)

func New(s *store.Store, runner Runner, artifacts Artifacts, logs LogWriter, reporter backend.Reporter, options Options) *Backend {
	if options.Parallel <= 0 {
		options.Parallel = 1
	}
	return &Backend{
		store:     s,
		runner:    runner,
		artifacts: artifacts,
		logs:      logs,
		reporter:  reporter,
		options:   options,
		slots:     semaphore.NewWeighted(options.Parallel),
		jobs:      mailbox.New[int64](),
		startedAt: time.Now(),
		entries:   make(map[int64]*entry),
	}
}

func (b *Backend) knows(arch string) bool {
	for _, a := range b.options.Architectures {
		if a == arch {
			return true
		}
	}
	return false
}

func (b *Backend) Submit(ctx context.Context, job model.Job) error {
	if !b.knows(job.Arch) {
		return fmt.Errorf("%s: %w", job.Arch, backend.ErrUnknownArchitecture)
	}
	b.mutex.Lock()
	b.entries[job.BuildId] = &entry{job: job}
	b.mutex.Unlock()
	b.jobs.Push(job.BuildId)
	b.updateMetrics()
	return nil
}

// Run starts queued jobs in submission order whenever a slot is free.
func (b *Backend) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		buildId, err := b.jobs.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := b.slots.Acquire(ctx, 1); err != nil {
			return nil
		}

		b.mutex.Lock()
		e, ok := b.entries[buildId]
		if !ok {
			// Aborted while queued.
			b.mutex.Unlock()
			b.slots.Release(1)
			continue
		}
		jobCtx, cancel := context.WithCancel(ctx)
		e.running, e.startedAt, e.cancel = true, time.Now(), cancel
		b.mutex.Unlock()
		b.updateMetrics()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.slots.Release(1)
			defer cancel()
			b.run(jobCtx, e.job)
		}()
	}
}

func (b *Backend) run(ctx context.Context, job model.Job) {
	logger := log.WithField("build_id", job.BuildId)
	b.reporter.BuildStarted(job.BuildId)
	err := b.execute(ctx, job)

	b.mutex.Lock()
	_, ok := b.entries[job.BuildId]
	delete(b.entries, job.BuildId)
	b.mutex.Unlock()
	b.updateMetrics()
	if !ok {
		logger.Debug("Dropping result of aborted build")
		return
	}

	switch {
	case err == nil:
		b.logs.Finish(job.BuildId)
		b.reporter.BuildOutcome(job.BuildId, backend.Outcome{Success: true})
	case errors.Is(err, container.ErrBuildFailed):
		b.logs.Append(job.BuildId, "E: "+err.Error())
		b.logs.Finish(job.BuildId)
		b.reporter.BuildOutcome(job.BuildId, backend.Outcome{Reason: err.Error()})
	default:
		logger.Errorf("Failed to run build: %s", err)
		b.reporter.BuildOutcome(job.BuildId, backend.Outcome{Infra: true, Reason: err.Error()})
	}
}

func (b *Backend) execute(ctx context.Context, job model.Job) error {
	build, err := store.GetBuild(b.store.DB, job.BuildId)
	if err != nil {
		return err
	}
	source, err := b.artifacts.OpenSourceArchive(build.ParentId)
	if err != nil {
		return fmt.Errorf("failed to open source archive: %w", err)
	}
	defer source.Close()

	out := &buildLog{logs: b.logs, buildId: job.BuildId}
	save := func(name string, r io.Reader) error {
		return b.artifacts.Save(job.BuildId, name, r)
	}
	return b.runner.Build(ctx, job, source, out, save)
}

// Abort cancels a queued or running job and reports it failed right away.
func (b *Backend) Abort(ctx context.Context, buildId int64) error {
	b.mutex.Lock()
	e, ok := b.entries[buildId]
	delete(b.entries, buildId)
	b.mutex.Unlock()
	if !ok {
		return fmt.Errorf("build %d: %w", buildId, backend.ErrUnknownBuild)
	}
	if e.running {
		e.cancel()
	}
	b.updateMetrics()
	b.reporter.BuildOutcome(buildId, backend.Outcome{Infra: true, Reason: "build aborted"})
	return nil
}

// ListNodes reports one node per architecture, running if any job of
// that architecture is.
func (b *Backend) ListNodes() []backend.NodeInfo {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	nodes := make([]backend.NodeInfo, 0, len(b.options.Architectures))
	for _, arch := range b.options.Architectures {
		node := backend.NodeInfo{
			Name:          "local-" + arch,
			Arch:          arch,
			State:         backend.NODE_STATE_IDLE,
			ConnectedAt:   b.startedAt,
			UptimeSeconds: int64(time.Since(b.startedAt).Seconds()),
		}
		var started time.Time
		for _, e := range b.entries {
			if e.running && e.job.Arch == arch && (started.IsZero() || e.startedAt.Before(started)) {
				node.State, node.BuildId, started = backend.NODE_STATE_RUNNING, e.job.BuildId, e.startedAt
			}
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Arch < nodes[j].Arch })
	return nodes
}

func (b *Backend) Queued() map[string]int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.queued()
}

func (b *Backend) queued() map[string]int {
	queued := make(map[string]int, len(b.options.Architectures))
	for _, arch := range b.options.Architectures {
		queued[arch] = 0
	}
	for _, e := range b.entries {
		if !e.running {
			queued[e.job.Arch]++
		}
	}
	return queued
}

func (b *Backend) updateMetrics() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for arch, n := range b.queued() {
		metrics.QueuedJobs.WithLabelValues(arch).Set(float64(n))
	}
}

type buildLog struct {
	logs    LogWriter
	buildId int64
}

func (l *buildLog) Write(p []byte) (int, error) {
	l.logs.Write(l.buildId, p)
	return len(p), nil
}
