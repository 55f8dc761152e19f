// Package rendezvous finalizes a build once both its outcome and the end
// of its log stream have arrived, in whatever order.
package rendezvous

import (
	"context"

	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

type StateMachine interface {
	SetBuilding(id int64) error
	SetNeedsPublish(id int64) error
	SetFailed(id int64) error
}

type LogWriter interface {
	Append(buildId int64, line string)
	Close(buildId int64)
	Settle(buildId int64, line string)
}

type Publisher interface {
	Enqueue(buildId int64)
}

type Notifier interface {
	BuildFailed(build model.Build)
}

type signal int

const (
	signalStarted signal = iota
	signalOutcome
	signalLogged
)

type event struct {
	signal  signal
	buildId int64
	outcome backend.Outcome
}

// Worker is the single owner of the outcome and logging sets.
type Worker struct {
	store     *store.Store
	machine   StateMachine
	logs      LogWriter
	publisher Publisher
	notifier  Notifier

	events   *mailbox.Mailbox[event]
	outcomes map[int64]backend.Outcome
	logged   map[int64]bool
	// fired is called after a build has been finalized, for tests.
	fired func(buildId int64)
}

var _ backend.Reporter = (*Worker)(nil)

func New(s *store.Store, machine StateMachine, logs LogWriter, publisher Publisher, notifier Notifier) *Worker {
	return &Worker{
		store:     s,
		machine:   machine,
		logs:      logs,
		publisher: publisher,
		notifier:  notifier,
		events:    mailbox.New[event](),
		outcomes:  make(map[int64]backend.Outcome),
		logged:    make(map[int64]bool),
		fired:     func(int64) {},
	}
}

func (w *Worker) BuildStarted(buildId int64) {
	w.events.Push(event{signal: signalStarted, buildId: buildId})
}

func (w *Worker) BuildOutcome(buildId int64, outcome backend.Outcome) {
	w.events.Push(event{signal: signalOutcome, buildId: buildId, outcome: outcome})
}

// LoggingDone reports that the log stream of a build has been flushed.
func (w *Worker) LoggingDone(buildId int64) {
	w.events.Push(event{signal: signalLogged, buildId: buildId})
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		e, err := w.events.Pop(ctx)
		if err != nil {
			return nil
		}
		w.handle(e)
	}
}

func (w *Worker) handle(e event) {
	logger := log.WithField("build_id", e.buildId)
	switch e.signal {
	case signalStarted:
		if err := w.machine.SetBuilding(e.buildId); err != nil {
			logger.Errorf("Failed to set build to building: %s", err)
		}
		return
	case signalOutcome:
		if !w.pending(e.buildId) {
			logger.Warn("Ignoring outcome of a finalized build")
			return
		}
		if _, ok := w.outcomes[e.buildId]; ok {
			logger.Warn("Ignoring second outcome of build")
			return
		}
		w.outcomes[e.buildId] = e.outcome
		if e.outcome.Infra {
			// Nobody else will end this log stream.
			w.logs.Append(e.buildId, "E: "+e.outcome.Reason)
			w.logs.Close(e.buildId)
			w.logged[e.buildId] = true
		} else if !w.logged[e.buildId] {
			// A node may report its result without ever completing the
			// log upload; the log then reports done once settled.
			w.logs.Settle(e.buildId, settleLine(e.outcome))
		}
	case signalLogged:
		if !w.pending(e.buildId) {
			logger.Debug("Ignoring end of log of a finalized build")
			return
		}
		w.logged[e.buildId] = true
	}

	outcome, ok := w.outcomes[e.buildId]
	if !ok || !w.logged[e.buildId] {
		return
	}
	delete(w.outcomes, e.buildId)
	delete(w.logged, e.buildId)
	w.finalize(e.buildId, outcome)
	w.fired(e.buildId)
}

// pending reports whether the build still waits for finalization. Its
// build task is deleted once it has been finalized.
func (w *Worker) pending(buildId int64) bool {
	if _, ok := w.outcomes[buildId]; ok || w.logged[buildId] {
		return true
	}
	exists, err := w.store.DB.Where("build_id = ?", buildId).Exist(new(model.BuildTask))
	if err != nil {
		log.WithField("build_id", buildId).Errorf("Failed to get build task: %s", err)
		return true
	}
	return exists
}

func (w *Worker) finalize(buildId int64, outcome backend.Outcome) {
	logger := log.WithField("build_id", buildId)
	if err := store.DeleteBuildTask(w.store.DB, buildId); err != nil {
		logger.Errorf("Failed to delete build task: %s", err)
	}

	if outcome.Success {
		if err := w.machine.SetNeedsPublish(buildId); err != nil {
			logger.Errorf("Failed to set build to needs publish: %s", err)
			return
		}
		w.publisher.Enqueue(buildId)
		return
	}

	if err := w.machine.SetFailed(buildId); err != nil {
		logger.Errorf("Failed to set build to failed: %s", err)
		return
	}
	build, err := store.GetBuild(w.store.DB, buildId)
	if err != nil {
		logger.Errorf("Failed to get build: %s", err)
		return
	}
	if !build.IsCi {
		w.notifier.BuildFailed(build)
	}
}

func settleLine(outcome backend.Outcome) string {
	if !outcome.Success && outcome.Reason != "" {
		return "E: build log was not completed by the node: " + outcome.Reason
	}
	return "E: build log was not completed by the node"
}
