package store

import (
	"fmt"

	"github.com/hashworks/deb-ci/controller/graph"
	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

func GetProjectVersion(db xorm.Interface, id int64) (model.ProjectVersion, error) {
	var version model.ProjectVersion
	exists, err := db.ID(id).Get(&version)
	if err != nil {
		return version, fmt.Errorf("failed to get project version %d: %w", id, err)
	}
	if !exists {
		return version, fmt.Errorf("project version %d: %w", id, ErrNotFound)
	}
	return version, nil
}

func DependencyEdges(db xorm.Interface) ([]model.ProjectVersionDependency, error) {
	var edges []model.ProjectVersionDependency
	if err := db.Asc("id").Find(&edges); err != nil {
		return nil, fmt.Errorf("failed to get project version dependencies: %w", err)
	}
	return edges, nil
}

func RepositoryAttachments(db xorm.Interface, repositoryId int64) ([]model.ProjectVersionRepository, error) {
	var attachments []model.ProjectVersionRepository
	if err := db.Where("source_repository_id = ?", repositoryId).Asc("id").Find(&attachments); err != nil {
		return nil, fmt.Errorf("failed to get project versions of repository %d: %w", repositoryId, err)
	}
	return attachments, nil
}

// AddDependency lets projectVersionId consume packages of dependencyId.
// Locked versions and edges closing a cycle are rejected.
func (s *Store) AddDependency(projectVersionId, dependencyId int64) error {
	return s.InTx(func(sess *xorm.Session) error {
		version, err := GetProjectVersion(sess, projectVersionId)
		if err != nil {
			return err
		}
		if version.IsLocked {
			return fmt.Errorf("cannot add dependency to %s: %w", version.FullName(), ErrLocked)
		}
		if _, err := GetProjectVersion(sess, dependencyId); err != nil {
			return err
		}

		edges, err := DependencyEdges(sess)
		if err != nil {
			return err
		}
		edge := model.ProjectVersionDependency{ProjectVersionId: projectVersionId, DependencyId: dependencyId}
		if err := graph.New(append(edges, edge)).Validate(projectVersionId); err != nil {
			return fmt.Errorf("cannot add dependency to %s: %w", version.FullName(), err)
		}

		_, err = sess.Insert(&edge)
		return err
	})
}

// AttachRepository makes a repository buildable for a project version.
func (s *Store) AttachRepository(projectVersionId, repositoryId int64, architectures []string) error {
	return s.InTx(func(sess *xorm.Session) error {
		version, err := GetProjectVersion(sess, projectVersionId)
		if err != nil {
			return err
		}
		if version.IsLocked {
			return fmt.Errorf("cannot attach repository to %s: %w", version.FullName(), ErrLocked)
		}
		if _, err := GetRepository(sess, repositoryId); err != nil {
			return err
		}
		_, err = sess.Insert(&model.ProjectVersionRepository{
			ProjectVersionId:   projectVersionId,
			SourceRepositoryId: repositoryId,
			Architectures:      architectures,
		})
		return err
	})
}
