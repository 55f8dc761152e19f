package model

import "time"

// BuildView is the flat projection of a build handed to API clients and
// webhooks.
type BuildView struct {
	Id                 int64      `json:"ID"`
	ParentId           int64      `json:"ParentID"`
	BuildType          BuildType  `json:"BuildType"`
	BuildState         BuildState `json:"BuildState"`
	Version            string     `json:"Version"`
	GitRef             string     `json:"GitRef"`
	CiBranch           string     `json:"CiBranch,omitempty"`
	SourceName         string     `json:"SourceName"`
	SourceRepositoryId int64      `json:"SourceRepositoryID"`
	ProjectVersionId   int64      `json:"ProjectVersionID,omitempty"`
	Architecture       string     `json:"Architecture,omitempty"`
	MaintainerName     string     `json:"MaintainerName,omitempty"`
	MaintainerEmail    string     `json:"MaintainerEmail,omitempty"`
	IsCi               bool       `json:"IsCI"`
	CreatedAt          time.Time  `json:"CreatedAt"`
	StartedAt          *time.Time `json:"StartedAt,omitempty"`
	BuildEndAt         *time.Time `json:"BuildEndAt,omitempty"`
	EndAt              *time.Time `json:"EndAt,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func NewBuildView(build Build, maintainer Maintainer) BuildView {
	return BuildView{
		Id:                 build.Id,
		ParentId:           build.ParentId,
		BuildType:          build.BuildType,
		BuildState:         build.BuildState,
		Version:            build.Version,
		GitRef:             build.GitRef,
		CiBranch:           build.CiBranch,
		SourceName:         build.SourceName,
		SourceRepositoryId: build.SourceRepositoryId,
		ProjectVersionId:   build.ProjectVersionId,
		Architecture:       build.Architecture,
		MaintainerName:     maintainer.Name,
		MaintainerEmail:    maintainer.Email,
		IsCi:               build.IsCi,
		CreatedAt:          build.CreatedAt,
		StartedAt:          optionalTime(build.StartedAt),
		BuildEndAt:         optionalTime(build.BuildEndAt),
		EndAt:              optionalTime(build.EndAt),
	}
}
