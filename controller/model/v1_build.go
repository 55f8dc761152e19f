package model

import "time"

type BuildType string
type BuildState string

const (
	TYPE_BUILD  BuildType = "build"
	TYPE_SOURCE BuildType = "source"
	TYPE_DEB    BuildType = "deb"
	TYPE_CHROOT BuildType = "chroot"
	TYPE_MIRROR BuildType = "mirror"
)

const (
	STATE_NEW            BuildState = "new"
	STATE_NEEDS_BUILD    BuildState = "needs_build"
	STATE_SCHEDULED      BuildState = "scheduled"
	STATE_BUILDING       BuildState = "building"
	STATE_BUILD_FAILED   BuildState = "build_failed"
	STATE_NEEDS_PUBLISH  BuildState = "needs_publish"
	STATE_PUBLISHING     BuildState = "publishing"
	STATE_PUBLISH_FAILED BuildState = "publish_failed"
	STATE_SUCCESSFUL     BuildState = "successful"
)

// BuildStates lists every state a build can be in.
var BuildStates = []BuildState{
	STATE_NEW,
	STATE_NEEDS_BUILD,
	STATE_SCHEDULED,
	STATE_BUILDING,
	STATE_BUILD_FAILED,
	STATE_NEEDS_PUBLISH,
	STATE_PUBLISHING,
	STATE_PUBLISH_FAILED,
	STATE_SUCCESSFUL,
}

// InFlightStates are the states in which a build may still change the
// contents of a package repository.
var InFlightStates = []BuildState{
	STATE_NEW,
	STATE_NEEDS_BUILD,
	STATE_SCHEDULED,
	STATE_BUILDING,
	STATE_NEEDS_PUBLISH,
	STATE_PUBLISHING,
}

func (s BuildState) Valid() bool {
	for _, state := range BuildStates {
		if s == state {
			return true
		}
	}
	return false
}

func (s BuildState) IsTerminal() bool {
	return s == STATE_BUILD_FAILED || s == STATE_PUBLISH_FAILED || s == STATE_SUCCESSFUL
}

func (s BuildState) IsFailed() bool {
	return s == STATE_BUILD_FAILED || s == STATE_PUBLISH_FAILED
}

func (s BuildState) IsInFlight() bool {
	for _, state := range InFlightStates {
		if s == state {
			return true
		}
	}
	return false
}

// Build is one node of a build tree: a top level build has one source
// child, which has one deb child per project version and architecture.
type Build struct {
	Id                 int64
	ParentId           int64      `xorm:"index"`
	BuildType          BuildType  `xorm:"index notnull"`
	BuildState         BuildState `xorm:"index notnull"`
	Version            string
	GitRef             string
	CiBranch           string
	SourceRepositoryId int64 `xorm:"index"`
	ProjectVersionId   int64 `xorm:"index"`
	Architecture       string
	MaintainerId       int64
	IsCi               bool
	BuildDeps          []string
	SourceName         string
	IsDeleted          bool      `xorm:"index"`
	CreatedAt          time.Time `xorm:"created"`
	StartedAt          time.Time
	BuildEndAt         time.Time
	EndAt              time.Time
}

// Channel is the publish target of the build's packages.
func (b *Build) Channel() string {
	if b.IsCi {
		return "unstable"
	}
	return "stable"
}
