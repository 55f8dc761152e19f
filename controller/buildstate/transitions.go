package buildstate

import (
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
)

var (
	ErrInvalidTransition = errors.New("invalid build state transition")
	ErrNotRebuildable    = errors.New("build cannot be rebuilt")
)

type TransitionError struct {
	BuildId   int64
	BuildType model.BuildType
	From      model.BuildState
	To        model.BuildState
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("build %d (%s): cannot change state from %s to %s", e.BuildId, e.BuildType, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// allowedFrom maps a target state to the states it may be entered from.
var allowedFrom = map[model.BuildState][]model.BuildState{
	model.STATE_NEEDS_BUILD:    {model.STATE_NEW, model.STATE_SCHEDULED},
	model.STATE_SCHEDULED:      {model.STATE_NEEDS_BUILD},
	model.STATE_BUILDING:       {model.STATE_NEW, model.STATE_NEEDS_BUILD, model.STATE_SCHEDULED},
	model.STATE_BUILD_FAILED:   {model.STATE_NEW, model.STATE_NEEDS_BUILD, model.STATE_SCHEDULED, model.STATE_BUILDING},
	model.STATE_NEEDS_PUBLISH:  {model.STATE_BUILDING},
	model.STATE_PUBLISHING:     {model.STATE_NEEDS_PUBLISH},
	model.STATE_PUBLISH_FAILED: {model.STATE_NEEDS_PUBLISH, model.STATE_PUBLISHING},
	model.STATE_SUCCESSFUL:     {model.STATE_BUILDING, model.STATE_PUBLISHING},
}

// allowedTypes maps a target state to the build types that may be moved
// into it directly. Top level builds are moved by propagation only.
var allowedTypes = map[model.BuildState][]model.BuildType{
	model.STATE_NEEDS_BUILD:    {model.TYPE_DEB, model.TYPE_CHROOT, model.TYPE_MIRROR},
	model.STATE_SCHEDULED:      {model.TYPE_DEB},
	model.STATE_BUILDING:       {model.TYPE_BUILD, model.TYPE_SOURCE, model.TYPE_DEB, model.TYPE_CHROOT, model.TYPE_MIRROR},
	model.STATE_BUILD_FAILED:   {model.TYPE_BUILD, model.TYPE_SOURCE, model.TYPE_DEB, model.TYPE_CHROOT, model.TYPE_MIRROR},
	model.STATE_NEEDS_PUBLISH:  {model.TYPE_SOURCE, model.TYPE_DEB},
	model.STATE_PUBLISHING:     {model.TYPE_SOURCE, model.TYPE_DEB},
	model.STATE_PUBLISH_FAILED: {model.TYPE_SOURCE, model.TYPE_DEB},
	model.STATE_SUCCESSFUL:     {model.TYPE_SOURCE, model.TYPE_DEB, model.TYPE_CHROOT, model.TYPE_MIRROR},
}

func canEnter(from, to model.BuildState) bool {
	for _, state := range allowedFrom[to] {
		if state == from {
			return true
		}
	}
	return false
}

func typeAllowed(buildType model.BuildType, to model.BuildState) bool {
	for _, t := range allowedTypes[to] {
		if t == buildType {
			return true
		}
	}
	return false
}
