package dispatcher

import (
	"github.com/hashworks/deb-ci/controller/model"
)

// Command is one unit of work for the dispatcher. The set of commands is
// closed: Clone, Build, BuildLatest, Rebuild, Schedule and PrepareBuildEnv.
type Command interface {
	// buildId is the build a failure of the command is reported to, 0 if
	// none.
	buildId() int64
	name() string
}

// Clone clones or fetches a repository and continues with the build.
type Clone struct {
	RepoId  int64
	BuildId int64
	GitRef  string
	Branch  string
}

// Build checks out GitRef, expands the build tree and packages the source.
type Build struct {
	BuildId int64
	RepoId  int64
	GitRef  string
	Branch  string
	// Attempt counts how often the command waited for its repository.
	Attempt int
}

// BuildLatest builds the newest tag of a repository.
type BuildLatest struct {
	BuildId int64
	RepoId  int64
}

type Rebuild struct {
	BuildId int64
}

// Schedule requests a scheduler pass.
type Schedule struct{}

// PrepareBuildEnv bootstraps the chroot of a base mirror and architecture.
type PrepareBuildEnv struct {
	ChrootId int64
	BuildId  int64
	model.BuildEnvironment
}

func (c Clone) buildId() int64           { return c.BuildId }
func (c Build) buildId() int64           { return c.BuildId }
func (c BuildLatest) buildId() int64     { return c.BuildId }
func (c Rebuild) buildId() int64         { return c.BuildId }
func (c Schedule) buildId() int64        { return 0 }
func (c PrepareBuildEnv) buildId() int64 { return c.BuildId }

func (Clone) name() string           { return "clone" }
func (Build) name() string           { return "build" }
func (BuildLatest) name() string     { return "build_latest" }
func (Rebuild) name() string         { return "rebuild" }
func (Schedule) name() string        { return "schedule" }
func (PrepareBuildEnv) name() string { return "prepare_build_env" }

// StartCommand returns the first command of a new top level build.
func StartCommand(repository model.SourceRepository, build model.Build) Command {
	switch {
	case repository.State == model.REPOSITORY_STATE_NEW || repository.State == model.REPOSITORY_STATE_ERROR:
		return Clone{RepoId: repository.Id, BuildId: build.Id, GitRef: build.GitRef, Branch: build.CiBranch}
	case build.GitRef == "" && build.CiBranch == "":
		return BuildLatest{BuildId: build.Id, RepoId: repository.Id}
	default:
		return Build{BuildId: build.Id, RepoId: repository.Id, GitRef: build.GitRef, Branch: build.CiBranch}
	}
}

// PrepareChroot returns the command bootstrapping a chroot.
func PrepareChroot(baseMirror model.ProjectVersion, chroot model.Chroot) PrepareBuildEnv {
	return PrepareBuildEnv{
		ChrootId:         chroot.Id,
		BuildId:          chroot.BuildId,
		BuildEnvironment: model.NewBuildEnvironment(baseMirror, chroot.Architecture),
	}
}
