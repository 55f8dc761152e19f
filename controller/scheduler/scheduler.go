// Package scheduler hands deb builds whose build environment is ready and
// whose build dependencies are satisfied to the backend.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashworks/deb-ci/controller/graph"
	"github.com/hashworks/deb-ci/controller/metrics"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// ArchAll is the architecture of builds producing only architecture
// independent packages.
const ArchAll = "all"

type decision string

const (
	DECISION_SCHEDULED  decision = "scheduled"
	DECISION_DEFERRED   decision = "deferred"
	DECISION_ENV_WAIT   decision = "env_not_ready"
	DECISION_UNRESOLVED decision = "unresolved"
	DECISION_FAILED     decision = "failed"
	DECISION_ERROR      decision = "error"
)

type Submitter interface {
	Submit(ctx context.Context, job model.Job) error
}

type StateMachine interface {
	SetScheduled(id int64) error
	SetFailed(id int64) error
}

type LogWriter interface {
	Begin(buildId int64)
	Append(buildId int64, line string)
	Close(buildId int64)
}

type Options struct {
	// PackageSourceBaseURL is the base of the apt repositories builds
	// install their dependencies from.
	PackageSourceBaseURL string
	KeyURL               string
	RunLintChecks        bool
	// Interval between periodic passes.
	Interval time.Duration
}

type Scheduler struct {
	store   *store.Store
	machine StateMachine
	backend Submitter
	logs    LogWriter
	options Options
	trigger chan struct{}
}

func New(s *store.Store, machine StateMachine, backend Submitter, logs LogWriter, options Options) *Scheduler {
	if options.Interval <= 0 {
		options.Interval = time.Minute
	}
	return &Scheduler{
		store:   s,
		machine: machine,
		backend: backend,
		logs:    logs,
		options: options,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a pass. Requests made while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass on every trigger and periodically until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.options.Interval), s.Trigger); err != nil {
		return fmt.Errorf("failed to add periodic scheduler pass: %w", err)
	}
	c.Start()
	defer c.Stop()

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if _, err := s.Pass(ctx); err != nil {
				log.Errorf("Failed to run scheduler pass: %s", err)
			}
		}
	}
}

// Pass considers every deb build that needs to be built once and returns
// the number of builds it handed to the backend.
func (s *Scheduler) Pass(ctx context.Context) (int, error) {
	edges, err := store.DependencyEdges(s.store.DB)
	if err != nil {
		return 0, err
	}
	g := graph.New(edges)

	var builds []model.Build
	if err := store.SearchBuildsNeedingBuild(s.store.DB).Find(&builds); err != nil {
		return 0, fmt.Errorf("failed to get builds needing build: %w", err)
	}

	scheduled := 0
	for _, build := range builds {
		if ctx.Err() != nil {
			return scheduled, nil
		}
		d, err := s.consider(ctx, g, build)
		if err != nil {
			log.WithField("build_id", build.Id).Errorf("Failed to schedule build: %s", err)
			d = DECISION_ERROR
		}
		metrics.SchedulerDecisions.WithLabelValues(string(d)).Inc()
		if d == DECISION_SCHEDULED {
			scheduled++
		}
	}
	if scheduled > 0 {
		log.Infof("Scheduled %d of %d builds", scheduled, len(builds))
	}
	return scheduled, nil
}

func (s *Scheduler) consider(ctx context.Context, g *graph.Graph, build model.Build) (decision, error) {
	target, err := store.GetProjectVersion(s.store.DB, build.ProjectVersionId)
	if err != nil {
		return DECISION_ERROR, err
	}
	baseMirror := target
	if target.BaseMirrorId != 0 {
		if baseMirror, err = store.GetProjectVersion(s.store.DB, target.BaseMirrorId); err != nil {
			return DECISION_ERROR, err
		}
	}

	arch, archIndependentOnly := build.Architecture, false
	if arch == ArchAll {
		if len(baseMirror.MirrorArchitectures) == 0 {
			return s.fail(build, fmt.Sprintf("base mirror %s has no architectures to build %s packages on",
				baseMirror.FullName(), ArchAll))
		}
		arch, archIndependentOnly = baseMirror.MirrorArchitectures[0], true
	}

	ready, err := store.IsChrootReady(s.store.DB, baseMirror.Id, arch)
	if err != nil {
		return DECISION_ERROR, err
	}
	if !ready {
		log.WithField("build_id", build.Id).Debugf("Build environment %s/%s is not ready", baseMirror.FullName(), arch)
		return DECISION_ENV_WAIT, nil
	}

	closure, err := g.Closure(target.Id)
	if err != nil {
		return DECISION_ERROR, err
	}

	d, err := s.dependenciesReady(build, closure)
	if err != nil || d != DECISION_SCHEDULED {
		return d, err
	}

	versions, err := s.projectVersions(closure)
	if err != nil {
		return DECISION_ERROR, err
	}
	job := model.Job{
		BuildId:              build.Id,
		Token:                uuid.New().String(),
		Version:              build.Version,
		PackageSourceBaseURL: s.options.PackageSourceBaseURL,
		Arch:                 arch,
		ArchIndependentOnly:  archIndependentOnly,
		PlatformName:         baseMirror.ProjectName,
		PlatformVersion:      baseMirror.Name,
		Channel:              build.Channel(),
		SourceName:           build.SourceName,
		TargetProject:        target.ProjectName,
		TargetVersion:        target.Name,
		RunLintChecks:        s.options.RunLintChecks,
	}
	job.ExtraSourceURLs, job.ExtraSourceKeys = s.packageSources(versions, baseMirror, build.Channel())

	if err := s.schedule(ctx, build, job); err != nil {
		return DECISION_ERROR, err
	}
	return DECISION_SCHEDULED, nil
}

// dependenciesReady resolves the build dependencies of a build inside the
// closure of its project version. It returns DECISION_SCHEDULED if the
// build may be scheduled.
func (s *Scheduler) dependenciesReady(build model.Build, closure []int64) (decision, error) {
	for _, name := range build.BuildDeps {
		repository, found, err := s.resolve(closure, name)
		if err != nil {
			return DECISION_ERROR, err
		}
		if !found {
			if _, err := s.fail(build, fmt.Sprintf("build dependency %s not found in any project version this build can use", name)); err != nil {
				return DECISION_ERROR, err
			}
			return DECISION_UNRESOLVED, nil
		}

		inFlight, err := store.HasInFlightDebBuild(s.store.DB, repository.Id, closure)
		if err != nil {
			return DECISION_ERROR, err
		}
		if inFlight {
			log.WithField("build_id", build.Id).Debugf("Waiting for build dependency %s", name)
			return DECISION_DEFERRED, nil
		}
		successful, err := store.HasSuccessfulDebBuild(s.store.DB, repository.Id, closure)
		if err != nil {
			return DECISION_ERROR, err
		}
		if !successful {
			log.WithField("build_id", build.Id).Debugf("Build dependency %s has no successful build", name)
			return DECISION_DEFERRED, nil
		}
	}
	return DECISION_SCHEDULED, nil
}

// resolve returns the first repository with the given name attached to a
// project version of the closure, in closure order.
func (s *Scheduler) resolve(closure []int64, name string) (model.SourceRepository, bool, error) {
	for _, projectVersionId := range closure {
		repository, found, err := store.FindRepositoryInProjectVersion(s.store.DB, projectVersionId, name)
		if err != nil || found {
			return repository, found, err
		}
	}
	return model.SourceRepository{}, false, nil
}

func (s *Scheduler) projectVersions(ids []int64) ([]model.ProjectVersion, error) {
	versions := make([]model.ProjectVersion, 0, len(ids))
	for _, id := range ids {
		version, err := store.GetProjectVersion(s.store.DB, id)
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, nil
}

// packageSources returns one apt source line per project version of the
// closure. CI builds also see the unstable channel.
func (s *Scheduler) packageSources(versions []model.ProjectVersion, baseMirror model.ProjectVersion, channel string) ([]string, []string) {
	channels := []string{"stable"}
	if channel == "unstable" {
		channels = append(channels, "unstable")
	}
	var urls []string
	for _, version := range versions {
		for _, c := range channels {
			urls = append(urls, fmt.Sprintf("deb %s/%s/%s/%s %s-%s main", s.options.PackageSourceBaseURL,
				baseMirror.ProjectName, baseMirror.Name, version.FullName(), version.Name, c))
		}
	}
	var keys []string
	if s.options.KeyURL != "" {
		keys = append(keys, s.options.KeyURL)
	}
	return urls, keys
}

func (s *Scheduler) schedule(ctx context.Context, build model.Build, job model.Job) error {
	if _, err := s.store.DB.Insert(&model.BuildTask{BuildId: build.Id, Token: job.Token}); err != nil {
		return fmt.Errorf("failed to insert build task: %w", err)
	}
	if err := s.machine.SetScheduled(build.Id); err != nil {
		if deleteErr := store.DeleteBuildTask(s.store.DB, build.Id); deleteErr != nil {
			log.WithField("build_id", build.Id).Errorf("Failed to delete build task: %s", deleteErr)
		}
		return err
	}
	s.logs.Begin(build.Id)

	if err := s.backend.Submit(ctx, job); err != nil {
		s.logs.Append(build.Id, fmt.Sprintf("E: failed to submit build to %s nodes: %s", job.Arch, err))
		s.logs.Close(build.Id)
		if deleteErr := store.DeleteBuildTask(s.store.DB, build.Id); deleteErr != nil {
			log.WithField("build_id", build.Id).Errorf("Failed to delete build task: %s", deleteErr)
		}
		if failErr := s.machine.SetFailed(build.Id); failErr != nil && !errors.Is(failErr, store.ErrNotFound) {
			log.WithField("build_id", build.Id).Errorf("Failed to fail build: %s", failErr)
		}
		return fmt.Errorf("failed to submit build: %w", err)
	}
	log.WithFields(log.Fields{
		"build_id": build.Id,
		"arch":     job.Arch,
	}).Infof("Scheduled %s %s", job.SourceName, job.Version)
	return nil
}

func (s *Scheduler) fail(build model.Build, reason string) (decision, error) {
	log.WithField("build_id", build.Id).Warnf("Failing build: %s", reason)
	s.logs.Append(build.Id, "E: "+reason)
	if err := s.machine.SetFailed(build.Id); err != nil {
		return DECISION_ERROR, err
	}
	return DECISION_FAILED, nil
}
