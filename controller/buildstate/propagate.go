package buildstate

import (
	"fmt"
	"time"

	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"xorm.io/xorm"
)

type change struct {
	build model.Build
	from  model.BuildState
}

// txn collects the changes of one transaction so their side effects can
// run after commit.
type txn struct {
	sess       *xorm.Session
	now        time.Time
	changes    []change
	reschedule bool
}

// set validates and applies one externally requested transition.
func (t *txn) set(id int64, to model.BuildState) error {
	build, err := store.GetBuild(t.sess, id)
	if err != nil {
		return err
	}
	if build.BuildState == to {
		return nil
	}
	if !typeAllowed(build.BuildType, to) {
		return &TransitionError{BuildId: id, BuildType: build.BuildType, From: build.BuildState, To: to,
			Reason: "not allowed for this build type"}
	}
	if !canEnter(build.BuildState, to) {
		return &TransitionError{BuildId: id, BuildType: build.BuildType, From: build.BuildState, To: to}
	}
	if build.BuildType == model.TYPE_BUILD {
		// Before expansion a top level build is driven directly, afterwards
		// only through its children.
		children, err := store.ChildBuilds(t.sess, build.Id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return &TransitionError{BuildId: id, BuildType: build.BuildType, From: build.BuildState, To: to,
				Reason: "state is derived from child builds"}
		}
	}

	if err := t.apply(&build, to); err != nil {
		return err
	}
	return t.propagate(build)
}

// apply writes the new state and the timestamps it implies.
func (t *txn) apply(build *model.Build, to model.BuildState) error {
	from := build.BuildState
	build.BuildState = to

	if from.IsFailed() {
		build.EndAt = time.Time{}
		if from == model.STATE_BUILD_FAILED {
			build.BuildEndAt = time.Time{}
		}
	}
	switch to {
	case model.STATE_BUILDING:
		if build.StartedAt.IsZero() {
			build.StartedAt = t.now
		}
	case model.STATE_NEEDS_PUBLISH:
		if build.BuildEndAt.IsZero() {
			build.BuildEndAt = t.now
		}
	case model.STATE_BUILD_FAILED:
		if build.BuildEndAt.IsZero() {
			build.BuildEndAt = t.now
		}
		if build.EndAt.IsZero() {
			build.EndAt = t.now
		}
	case model.STATE_PUBLISH_FAILED, model.STATE_SUCCESSFUL:
		if build.EndAt.IsZero() {
			build.EndAt = t.now
		}
	}

	_, err := t.sess.ID(build.Id).
		Cols("build_state", "started_at", "build_end_at", "end_at").
		Update(build)
	if err != nil {
		return fmt.Errorf("failed to update build %d: %w", build.Id, err)
	}
	t.changes = append(t.changes, change{build: *build, from: from})
	return nil
}

func (t *txn) propagate(build model.Build) error {
	switch build.BuildState {
	case model.STATE_BUILD_FAILED, model.STATE_PUBLISH_FAILED:
		top, ok, err := t.topOf(build)
		if err != nil || !ok {
			return err
		}
		if top.BuildState.IsFailed() {
			return nil
		}
		return t.apply(&top, build.BuildState)

	case model.STATE_SUCCESSFUL:
		switch build.BuildType {
		case model.TYPE_DEB:
			// Builds of dependent repositories may be waiting for this one.
			t.reschedule = true
			return t.completeIfAllSuccessful(build.ParentId)
		case model.TYPE_SOURCE:
			return t.releaseDebBuilds(build)
		}
	}
	return nil
}

// topOf returns the top level build above a source or deb build.
func (t *txn) topOf(build model.Build) (model.Build, bool, error) {
	parentId := build.ParentId
	switch build.BuildType {
	case model.TYPE_DEB:
		source, err := store.GetBuild(t.sess, build.ParentId)
		if err != nil {
			return model.Build{}, false, err
		}
		parentId = source.ParentId
	case model.TYPE_SOURCE:
	default:
		return model.Build{}, false, nil
	}
	top, err := store.GetBuild(t.sess, parentId)
	if err != nil {
		return top, false, err
	}
	return top, true, nil
}

// completeIfAllSuccessful marks the top level build successful once every
// deb build under the source build is. It runs in the same transaction as
// the sibling update, so exactly one sibling observes the full set.
func (t *txn) completeIfAllSuccessful(sourceId int64) error {
	siblings, err := store.ChildBuilds(t.sess, sourceId)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.BuildType == model.TYPE_DEB && sibling.BuildState != model.STATE_SUCCESSFUL {
			return nil
		}
	}
	source, err := store.GetBuild(t.sess, sourceId)
	if err != nil {
		return err
	}
	return t.completeTop(source.ParentId)
}

func (t *txn) completeTop(topId int64) error {
	top, err := store.GetBuild(t.sess, topId)
	if err != nil {
		return err
	}
	if top.BuildState.IsTerminal() {
		return nil
	}
	return t.apply(&top, model.STATE_SUCCESSFUL)
}

// releaseDebBuilds hands the deb builds of a published source build to the
// scheduler.
func (t *txn) releaseDebBuilds(source model.Build) error {
	children, err := store.ChildBuilds(t.sess, source.Id)
	if err != nil {
		return err
	}
	debs := 0
	for _, child := range children {
		if child.BuildType != model.TYPE_DEB {
			continue
		}
		debs++
		if child.BuildState == model.STATE_NEW {
			if err := t.apply(&child, model.STATE_NEEDS_BUILD); err != nil {
				return err
			}
			t.reschedule = true
		}
	}
	if debs == 0 {
		return t.completeTop(source.ParentId)
	}
	return nil
}

func (t *txn) failedDescendants(top model.Build) ([]model.Build, error) {
	var failed []model.Build
	children, err := store.ChildBuilds(t.sess, top.Id)
	if err != nil {
		return nil, err
	}
	// A build that failed before expansion is reset itself.
	if len(children) == 0 {
		return []model.Build{top}, nil
	}
	for _, source := range children {
		if source.BuildState.IsFailed() {
			failed = append(failed, source)
			continue
		}
		debs, err := store.ChildBuilds(t.sess, source.Id)
		if err != nil {
			return nil, err
		}
		for _, deb := range debs {
			if ok, err := canRebuild(t.sess, deb); err != nil {
				return nil, err
			} else if ok {
				failed = append(failed, deb)
			}
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("build %d has no failed child builds: %w", top.Id, ErrNotRebuildable)
	}
	return failed, nil
}

func (t *txn) reset(build model.Build) (model.Build, error) {
	to := model.STATE_NEEDS_BUILD
	if build.BuildState == model.STATE_PUBLISH_FAILED {
		to = model.STATE_NEEDS_PUBLISH
	}
	if err := t.apply(&build, to); err != nil {
		return build, err
	}
	if to == model.STATE_NEEDS_BUILD && build.BuildType == model.TYPE_DEB {
		t.reschedule = true
	}

	top, ok, err := t.topOf(build)
	if err != nil || !ok {
		return build, err
	}
	if !top.BuildState.IsFailed() {
		return build, nil
	}
	// The top level build stays failed while any other child is.
	failed, err := t.hasFailedChild(top)
	if err != nil || failed {
		return build, err
	}
	if err := t.apply(&top, model.STATE_BUILDING); err != nil {
		return build, err
	}
	return build, nil
}

func (t *txn) hasFailedChild(top model.Build) (bool, error) {
	sources, err := store.ChildBuilds(t.sess, top.Id)
	if err != nil {
		return false, err
	}
	for _, source := range sources {
		if source.BuildState.IsFailed() {
			return true, nil
		}
		debs, err := store.ChildBuilds(t.sess, source.Id)
		if err != nil {
			return false, err
		}
		for _, deb := range debs {
			if deb.BuildState.IsFailed() {
				return true, nil
			}
		}
	}
	return false, nil
}
