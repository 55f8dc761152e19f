// Package buildstate implements the lifecycle of builds. Every operation
// runs as one store transaction that updates the build and propagates the
// change to its ancestors, so concurrent siblings never race on their
// parent.
package buildstate

import (
	"fmt"
	"time"

	"github.com/hashworks/deb-ci/controller/metrics"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
	"xorm.io/xorm"
)

type LogWriter interface {
	Append(buildId int64, line string)
}

type Notifier interface {
	BuildChanged(build model.Build)
}

type Machine struct {
	store      *store.Store
	logs       LogWriter
	notifier   Notifier
	reschedule func()
	now        func() time.Time
}

func New(s *store.Store, logs LogWriter, notifier Notifier) *Machine {
	return &Machine{
		store:      s,
		logs:       logs,
		notifier:   notifier,
		reschedule: func() {},
		now:        time.Now,
	}
}

// OnReschedule sets the function used to request a scheduler pass after a
// change that may unblock other builds.
func (m *Machine) OnReschedule(fn func()) {
	m.reschedule = fn
}

func (m *Machine) SetNeedsBuild(id int64) error {
	return m.transition(id, model.STATE_NEEDS_BUILD)
}

func (m *Machine) SetScheduled(id int64) error {
	return m.transition(id, model.STATE_SCHEDULED)
}

func (m *Machine) SetBuilding(id int64) error {
	return m.transition(id, model.STATE_BUILDING)
}

func (m *Machine) SetFailed(id int64) error {
	return m.transition(id, model.STATE_BUILD_FAILED)
}

func (m *Machine) SetNeedsPublish(id int64) error {
	return m.transition(id, model.STATE_NEEDS_PUBLISH)
}

func (m *Machine) SetPublishing(id int64) error {
	return m.transition(id, model.STATE_PUBLISHING)
}

func (m *Machine) SetPublishFailed(id int64) error {
	return m.transition(id, model.STATE_PUBLISH_FAILED)
}

func (m *Machine) SetSuccessful(id int64) error {
	return m.transition(id, model.STATE_SUCCESSFUL)
}

// CanRebuild reports whether a build is in a failed terminal state and
// its project version still accepts changes.
func (m *Machine) CanRebuild(id int64) (bool, error) {
	build, err := store.GetBuild(m.store.DB, id)
	if err != nil {
		return false, err
	}
	return canRebuild(m.store.DB, build)
}

func canRebuild(db xorm.Interface, build model.Build) (bool, error) {
	if !build.BuildState.IsFailed() {
		return false, nil
	}
	if build.ProjectVersionId != 0 {
		version, err := store.GetProjectVersion(db, build.ProjectVersionId)
		if err != nil {
			return false, err
		}
		if version.IsLocked {
			return false, nil
		}
	}
	return true, nil
}

// Rebuild resets a failed build: build_failed goes back to needs_build and
// publish_failed to needs_publish. A top level build resets its failed
// source or deb descendants instead. Failed ancestors return to building.
// It returns the builds that were reset.
func (m *Machine) Rebuild(id int64) ([]model.Build, error) {
	var reset []model.Build
	t := m.newTxn()
	err := m.store.InTx(func(sess *xorm.Session) error {
		t.sess = sess
		build, err := store.GetBuild(sess, id)
		if err != nil {
			return err
		}
		ok, err := canRebuild(sess, build)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("build %d (%s, %s): %w", build.Id, build.BuildType, build.BuildState, ErrNotRebuildable)
		}

		targets := []model.Build{build}
		if build.BuildType == model.TYPE_BUILD {
			if targets, err = t.failedDescendants(build); err != nil {
				return err
			}
		}
		for _, target := range targets {
			resetBuild, err := t.reset(target)
			if err != nil {
				return err
			}
			reset = append(reset, resetBuild)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.emit(t)
	return reset, nil
}

func (m *Machine) newTxn() *txn {
	return &txn{now: m.now()}
}

func (m *Machine) transition(id int64, to model.BuildState) error {
	t := m.newTxn()
	err := m.store.InTx(func(sess *xorm.Session) error {
		t.sess = sess
		return t.set(id, to)
	})
	if err != nil {
		return err
	}
	m.emit(t)
	return nil
}

// emit runs the side effects of a committed transaction.
func (m *Machine) emit(t *txn) {
	for _, c := range t.changes {
		metrics.BuildTransitions.WithLabelValues(string(c.build.BuildType), string(c.build.BuildState)).Inc()
		log.WithFields(log.Fields{
			"build_id":   c.build.Id,
			"build_type": c.build.BuildType,
		}).Debugf("Build state changed from %s to %s", c.from, c.build.BuildState)
		m.logs.Append(c.build.Id, fmt.Sprintf("[%s] build state changed from %s to %s",
			t.now.UTC().Format(time.RFC3339), c.from, c.build.BuildState))
		m.notifier.BuildChanged(c.build)
	}
	if t.reschedule {
		m.reschedule()
	}
}
