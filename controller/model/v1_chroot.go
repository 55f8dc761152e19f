package model

// Chroot is the build environment of one base mirror and architecture.
type Chroot struct {
	Id           int64
	BaseMirrorId int64  `xorm:"index notnull"`
	Architecture string `xorm:"notnull"`
	BuildId      int64
	Ready        bool
}

// BuildEnvironment describes how to bootstrap a chroot.
type BuildEnvironment struct {
	Dist            string
	PlatformName    string
	PlatformVersion string
	Arch            string
	MirrorURL       string
	Components      []string
}

func NewBuildEnvironment(baseMirror ProjectVersion, arch string) BuildEnvironment {
	return BuildEnvironment{
		Dist:            baseMirror.Name,
		PlatformName:    baseMirror.ProjectName,
		PlatformVersion: baseMirror.Name,
		Arch:            arch,
		MirrorURL:       baseMirror.MirrorURL,
		Components:      baseMirror.Components,
	}
}
