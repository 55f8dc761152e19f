package store

import (
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

func states(list []model.BuildState) []string {
	s := make([]string, len(list))
	for i, state := range list {
		s[i] = string(state)
	}
	return s
}

func GetBuild(db xorm.Interface, id int64) (model.Build, error) {
	var build model.Build
	exists, err := db.ID(id).Get(&build)
	if err != nil {
		return build, fmt.Errorf("failed to get build %d: %w", id, err)
	}
	if !exists {
		return build, fmt.Errorf("build %d: %w", id, ErrNotFound)
	}
	return build, nil
}

func ChildBuilds(db xorm.Interface, parentId int64) ([]model.Build, error) {
	var children []model.Build
	err := db.Where("parent_id = ? AND is_deleted = ?", parentId, false).Asc("id").Find(&children)
	return children, err
}

func SearchBuildsNeedingBuild(db xorm.Interface) *xorm.Session {
	return db.Where("build_type = ? AND build_state = ? AND is_deleted = ?",
		string(model.TYPE_DEB), string(model.STATE_NEEDS_BUILD), false).
		Asc("id")
}

// SearchDebBuildsOfRepository finds the deb builds of a repository that
// target one of the given project versions.
func SearchDebBuildsOfRepository(db xorm.Interface, repositoryId int64, projectVersionIds []int64) *xorm.Session {
	return db.Where("build_type = ? AND source_repository_id = ? AND is_deleted = ?",
		string(model.TYPE_DEB), repositoryId, false).
		In("project_version_id", projectVersionIds)
}

func HasInFlightDebBuild(db xorm.Interface, repositoryId int64, projectVersionIds []int64) (bool, error) {
	return SearchDebBuildsOfRepository(db, repositoryId, projectVersionIds).
		In("build_state", states(model.InFlightStates)).
		Exist(new(model.Build))
}

func HasSuccessfulDebBuild(db xorm.Interface, repositoryId int64, projectVersionIds []int64) (bool, error) {
	return SearchDebBuildsOfRepository(db, repositoryId, projectVersionIds).
		And("build_state = ?", string(model.STATE_SUCCESSFUL)).
		Exist(new(model.Build))
}

func GetBuildTaskByToken(db xorm.Interface, token string) (model.BuildTask, error) {
	var task model.BuildTask
	exists, err := db.Where("token = ?", token).Get(&task)
	if err != nil {
		return task, fmt.Errorf("failed to get build task: %w", err)
	}
	if !exists {
		return task, fmt.Errorf("build task: %w", ErrNotFound)
	}
	return task, nil
}

func GetBuildTaskByBuildId(db xorm.Interface, buildId int64) (model.BuildTask, error) {
	var task model.BuildTask
	exists, err := db.Where("build_id = ?", buildId).Get(&task)
	if err != nil {
		return task, fmt.Errorf("failed to get build task of build %d: %w", buildId, err)
	}
	if !exists {
		return task, fmt.Errorf("build task of build %d: %w", buildId, ErrNotFound)
	}
	return task, nil
}

func DeleteBuildTask(db xorm.Interface, buildId int64) error {
	_, err := db.Where("build_id = ?", buildId).Delete(new(model.BuildTask))
	if err != nil {
		return fmt.Errorf("failed to delete build task of build %d: %w", buildId, err)
	}
	return nil
}

// GetBuildView returns the flat projection of a build including its
// maintainer.
func GetBuildView(db xorm.Interface, id int64) (model.BuildView, error) {
	build, err := GetBuild(db, id)
	if err != nil {
		return model.BuildView{}, err
	}
	var maintainer model.Maintainer
	if build.MaintainerId != 0 {
		if _, err := db.ID(build.MaintainerId).Get(&maintainer); err != nil {
			return model.BuildView{}, fmt.Errorf("failed to get maintainer %d: %w", build.MaintainerId, err)
		}
	}
	return model.NewBuildView(build, maintainer), nil
}

// FindChildBuild returns the child of a build with the given type, project
// version and architecture, if any.
func FindChildBuild(db xorm.Interface, parentId int64, buildType model.BuildType, projectVersionId int64, arch string) (model.Build, bool, error) {
	var build model.Build
	exists, err := db.Where("parent_id = ? AND build_type = ? AND project_version_id = ? AND architecture = ? AND is_deleted = ?",
		parentId, string(buildType), projectVersionId, arch, false).Get(&build)
	if err != nil {
		return build, false, fmt.Errorf("failed to get child of build %d: %w", parentId, err)
	}
	return build, exists, nil
}

// UnfinishedBuilds returns every build that is neither deleted nor in a
// terminal state, oldest first.
func UnfinishedBuilds(db xorm.Interface) ([]model.Build, error) {
	var builds []model.Build
	err := db.Where("is_deleted = ?", false).
		In("build_state", states(model.InFlightStates)).
		Asc("id").
		Find(&builds)
	if err != nil {
		return nil, fmt.Errorf("failed to get unfinished builds: %w", err)
	}
	return builds, nil
}
