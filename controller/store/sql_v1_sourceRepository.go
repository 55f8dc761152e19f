package store

import (
	"fmt"

	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

func GetRepository(db xorm.Interface, id int64) (model.SourceRepository, error) {
	var repository model.SourceRepository
	exists, err := db.ID(id).Get(&repository)
	if err != nil {
		return repository, fmt.Errorf("failed to get repository %d: %w", id, err)
	}
	if !exists {
		return repository, fmt.Errorf("repository %d: %w", id, ErrNotFound)
	}
	return repository, nil
}

// SwapRepositoryState moves a repository to state `to` if it currently is
// in one of `from`. It reports whether the swap happened.
func SwapRepositoryState(db xorm.Interface, id int64, from []model.RepositoryState, to model.RepositoryState) (bool, error) {
	fromStrings := make([]string, len(from))
	for i, state := range from {
		fromStrings[i] = string(state)
	}
	affected, err := db.Where("id = ?", id).In("state", fromStrings).
		Cols("state").
		Update(&model.SourceRepository{State: to})
	if err != nil {
		return false, fmt.Errorf("failed to update state of repository %d: %w", id, err)
	}
	return affected == 1, nil
}

func SetRepositoryState(db xorm.Interface, id int64, state model.RepositoryState) error {
	_, err := db.ID(id).Cols("state").Update(&model.SourceRepository{State: state})
	if err != nil {
		return fmt.Errorf("failed to update state of repository %d: %w", id, err)
	}
	return nil
}

// FindRepositoryInProjectVersion returns the repository with the given
// name that is attached to the project version, if any.
func FindRepositoryInProjectVersion(db xorm.Interface, projectVersionId int64, name string) (model.SourceRepository, bool, error) {
	var repository model.SourceRepository
	var attachments []model.ProjectVersionRepository
	if err := db.Where("project_version_id = ?", projectVersionId).Find(&attachments); err != nil {
		return repository, false, fmt.Errorf("failed to get repositories of project version %d: %w", projectVersionId, err)
	}
	if len(attachments) == 0 {
		return repository, false, nil
	}
	ids := make([]int64, len(attachments))
	for i, attachment := range attachments {
		ids[i] = attachment.SourceRepositoryId
	}
	exists, err := db.In("id", ids).And("name = ?", name).Asc("id").Get(&repository)
	if err != nil {
		return repository, false, fmt.Errorf("failed to find repository %s: %w", name, err)
	}
	return repository, exists, nil
}

func UpsertMaintainer(db xorm.Interface, name, email string) (model.Maintainer, error) {
	maintainer := model.Maintainer{Email: email}
	exists, err := db.Get(&maintainer)
	if err != nil {
		return maintainer, fmt.Errorf("failed to get maintainer %s: %w", email, err)
	}
	if exists {
		if maintainer.Name != name {
			maintainer.Name = name
			if _, err := db.ID(maintainer.Id).Cols("name").Update(&maintainer); err != nil {
				return maintainer, fmt.Errorf("failed to update maintainer %s: %w", email, err)
			}
		}
		return maintainer, nil
	}
	maintainer.Name = name
	if _, err := db.Insert(&maintainer); err != nil {
		return maintainer, fmt.Errorf("failed to insert maintainer %s: %w", email, err)
	}
	return maintainer, nil
}

func AllRepositories(db xorm.Interface) ([]model.SourceRepository, error) {
	var repositories []model.SourceRepository
	if err := db.Asc("id").Find(&repositories); err != nil {
		return nil, fmt.Errorf("failed to get repositories: %w", err)
	}
	return repositories, nil
}

// ResetInterruptedRepositories returns repositories a stopped controller
// left busy to ready and those left cloning to error, so they get cloned
// again.
func ResetInterruptedRepositories(db xorm.Interface) (int64, error) {
	var total int64
	for from, to := range map[model.RepositoryState]model.RepositoryState{
		model.REPOSITORY_STATE_BUSY:    model.REPOSITORY_STATE_READY,
		model.REPOSITORY_STATE_CLONING: model.REPOSITORY_STATE_ERROR,
	} {
		affected, err := db.Where("state = ?", string(from)).Cols("state").Update(&model.SourceRepository{State: to})
		if err != nil {
			return total, fmt.Errorf("failed to reset %s repositories: %w", from, err)
		}
		total += affected
	}
	return total, nil
}
