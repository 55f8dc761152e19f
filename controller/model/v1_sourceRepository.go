package model

type RepositoryState string

const (
	REPOSITORY_STATE_NEW     RepositoryState = "new"
	REPOSITORY_STATE_CLONING RepositoryState = "cloning"
	REPOSITORY_STATE_ERROR   RepositoryState = "error"
	REPOSITORY_STATE_READY   RepositoryState = "ready"
	REPOSITORY_STATE_BUSY    RepositoryState = "busy"
)

type SourceRepository struct {
	Id    int64
	Name  string          `xorm:"index notnull"`
	URL   string          `xorm:"'url' notnull"`
	State RepositoryState `xorm:"notnull"`
	// BuildDeps names repositories that need a successful build in the
	// same project version closure before this repository can be built.
	BuildDeps []string
}
