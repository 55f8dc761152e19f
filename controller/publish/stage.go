// Package publish hands the results of finished builds to the package
// repository.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	log "github.com/sirupsen/logrus"
)

// ErrNoResults is returned for deb builds whose node uploaded nothing.
var ErrNoResults = errors.New("build has no result files")

type Repository interface {
	Publish(ctx context.Context, target Target, uploadDir string, files []string) error
}

type StateMachine interface {
	SetPublishing(id int64) error
	SetSuccessful(id int64) error
	SetPublishFailed(id int64) error
}

type LogWriter interface {
	Append(buildId int64, line string)
}

type Artifacts interface {
	Files(buildId int64) ([]string, error)
}

type Stage struct {
	store      *store.Store
	machine    StateMachine
	logs       LogWriter
	artifacts  Artifacts
	repository Repository
	queue      *mailbox.Mailbox[int64]
}

func New(s *store.Store, machine StateMachine, logs LogWriter, artifacts Artifacts, repository Repository) *Stage {
	return &Stage{
		store:      s,
		machine:    machine,
		logs:       logs,
		artifacts:  artifacts,
		repository: repository,
		queue:      mailbox.New[int64](),
	}
}

// Enqueue hands a build in needs_publish to the stage.
func (s *Stage) Enqueue(buildId int64) {
	s.queue.Push(buildId)
}

func (s *Stage) Run(ctx context.Context) error {
	for {
		buildId, err := s.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		s.handle(ctx, buildId)
	}
}

func (s *Stage) handle(ctx context.Context, buildId int64) {
	logger := log.WithField("build_id", buildId)
	if err := s.machine.SetPublishing(buildId); err != nil {
		logger.Errorf("Failed to set build to publishing: %s", err)
		return
	}

	if err := s.publish(ctx, buildId); err != nil {
		logger.Errorf("Failed to publish build: %s", err)
		s.logs.Append(buildId, "E: publishing failed: "+err.Error())
		if err := s.machine.SetPublishFailed(buildId); err != nil {
			logger.Errorf("Failed to set build to publish failed: %s", err)
		}
		return
	}

	if err := s.machine.SetSuccessful(buildId); err != nil {
		logger.Errorf("Failed to set build to successful: %s", err)
	}
}

func (s *Stage) publish(ctx context.Context, buildId int64) error {
	build, err := store.GetBuild(s.store.DB, buildId)
	if err != nil {
		return err
	}
	files, err := s.artifacts.Files(buildId)
	if err != nil {
		return fmt.Errorf("failed to list build results: %w", err)
	}
	if len(files) == 0 {
		if build.BuildType == model.TYPE_DEB {
			return ErrNoResults
		}
		return nil
	}

	targets, err := s.targets(build)
	if err != nil {
		return err
	}
	for _, target := range targets {
		uploadDir := fmt.Sprintf("build-%d", build.Id)
		if err := s.repository.Publish(ctx, target, uploadDir, files); err != nil {
			return err
		}
		s.logs.Append(buildId, fmt.Sprintf("I: published %d files to %s %s", len(files), target.Prefix(), target.Distribution()))
	}
	return nil
}

// targets returns the publish points of a build. A source build is
// published to every project version one of its deb builds targets.
func (s *Stage) targets(build model.Build) ([]Target, error) {
	projectVersionIds := []int64{build.ProjectVersionId}
	if build.BuildType == model.TYPE_SOURCE {
		children, err := store.ChildBuilds(s.store.DB, build.Id)
		if err != nil {
			return nil, err
		}
		projectVersionIds = nil
		seen := make(map[int64]bool)
		for _, child := range children {
			if !seen[child.ProjectVersionId] {
				seen[child.ProjectVersionId] = true
				projectVersionIds = append(projectVersionIds, child.ProjectVersionId)
			}
		}
	}

	var targets []Target
	for _, id := range projectVersionIds {
		version, err := store.GetProjectVersion(s.store.DB, id)
		if err != nil {
			return nil, err
		}
		baseMirror := version
		if version.BaseMirrorId != 0 {
			if baseMirror, err = store.GetProjectVersion(s.store.DB, version.BaseMirrorId); err != nil {
				return nil, err
			}
		}
		targets = append(targets, Target{
			BaseMirrorProject: baseMirror.ProjectName,
			BaseMirrorName:    baseMirror.Name,
			Project:           version.ProjectName,
			Version:           version.Name,
			Channel:           build.Channel(),
		})
	}
	return targets, nil
}
