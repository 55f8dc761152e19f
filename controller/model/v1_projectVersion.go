package model

type ProjectVersion struct {
	Id                  int64
	ProjectName         string `xorm:"notnull"`
	Name                string `xorm:"notnull"`
	BaseMirrorId        int64  `xorm:"index"`
	IsBaseMirror        bool
	MirrorArchitectures []string
	// MirrorURL and Components of a base mirror, f.e.
	// http://deb.debian.org/debian and main, contrib.
	MirrorURL       string `xorm:"'mirror_url'"`
	Components      []string
	IsLocked        bool
	CiBuildsEnabled bool
}

func (v *ProjectVersion) FullName() string {
	return v.ProjectName + "/" + v.Name
}

func (v *ProjectVersion) HasArchitecture(arch string) bool {
	for _, a := range v.MirrorArchitectures {
		if a == arch {
			return true
		}
	}
	return false
}

type ProjectVersionDependency struct {
	Id               int64
	ProjectVersionId int64 `xorm:"index notnull"`
	DependencyId     int64 `xorm:"index notnull"`
}

type ProjectVersionRepository struct {
	Id                 int64
	ProjectVersionId   int64 `xorm:"index notnull"`
	SourceRepositoryId int64 `xorm:"index notnull"`
	// Architectures limits the repository to a subset of the version's
	// mirror architectures. Empty means all of them.
	Architectures []string
}
