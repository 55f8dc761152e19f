package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashworks/deb-ci/controller/buildstate"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mutex sync.Mutex
	jobs  []model.Job
	err   error
}

func (b *fakeBackend) Submit(ctx context.Context, job model.Job) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *fakeBackend) submitted() []model.Job {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]model.Job{}, b.jobs...)
}

type fakeLogs struct {
	mutex  sync.Mutex
	begun  map[int64]bool
	lines  map[int64][]string
	closed map[int64]bool
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{begun: map[int64]bool{}, lines: map[int64][]string{}, closed: map[int64]bool{}}
}

func (l *fakeLogs) Begin(buildId int64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.begun[buildId] = true
}

func (l *fakeLogs) Append(buildId int64, line string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lines[buildId] = append(l.lines[buildId], line)
}

func (l *fakeLogs) Close(buildId int64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed[buildId] = true
}

type nopNotifier struct{}

func (nopNotifier) BuildChanged(model.Build) {}

type fixture struct {
	store      *store.Store
	machine    *buildstate.Machine
	backend    *fakeBackend
	logs       *fakeLogs
	scheduler  *Scheduler
	baseMirror model.ProjectVersion
}

func newFixture(t *testing.T) *fixture {
	s := storetest.New(t)
	f := &fixture{store: s, backend: &fakeBackend{}, logs: newFakeLogs()}
	f.machine = buildstate.New(s, f.logs, nopNotifier{})
	f.scheduler = New(s, f.machine, f.backend, f.logs, Options{
		PackageSourceBaseURL: "http://apt.example.com",
		KeyURL:               "http://apt.example.com/key.asc",
	})

	f.baseMirror = model.ProjectVersion{ProjectName: "debian", Name: "bookworm", IsBaseMirror: true,
		MirrorArchitectures: []string{"amd64", "arm64"}}
	storetest.Insert(t, s, &f.baseMirror)
	f.chroot(t, "amd64", true)
	f.chroot(t, "arm64", true)
	return f
}

func (f *fixture) chroot(t *testing.T, arch string, ready bool) {
	storetest.Insert(t, f.store, &model.Chroot{BaseMirrorId: f.baseMirror.Id, Architecture: arch, Ready: ready})
}

func (f *fixture) projectVersion(t *testing.T, name string, repositories ...model.SourceRepository) model.ProjectVersion {
	version := model.ProjectVersion{ProjectName: "project", Name: name, BaseMirrorId: f.baseMirror.Id,
		MirrorArchitectures: []string{"amd64", "arm64"}}
	storetest.Insert(t, f.store, &version)
	for _, repository := range repositories {
		require.NoError(t, f.store.AttachRepository(version.Id, repository.Id, nil))
	}
	return version
}

func (f *fixture) repository(t *testing.T, name string, deps ...string) model.SourceRepository {
	repository := model.SourceRepository{Name: name, URL: "https://git.example.com/" + name, State: model.REPOSITORY_STATE_READY,
		BuildDeps: deps}
	storetest.Insert(t, f.store, &repository)
	return repository
}

// debBuild inserts a build tree with a single deb build in the given state.
func (f *fixture) debBuild(t *testing.T, repository model.SourceRepository, version model.ProjectVersion, arch string, state model.BuildState) model.Build {
	top := &model.Build{BuildType: model.TYPE_BUILD, BuildState: model.STATE_BUILDING, SourceRepositoryId: repository.Id}
	storetest.Insert(t, f.store, top)
	source := &model.Build{BuildType: model.TYPE_SOURCE, BuildState: model.STATE_SUCCESSFUL, ParentId: top.Id,
		SourceRepositoryId: repository.Id}
	storetest.Insert(t, f.store, source)
	deb := &model.Build{BuildType: model.TYPE_DEB, BuildState: state, ParentId: source.Id,
		SourceRepositoryId: repository.Id, ProjectVersionId: version.Id, Architecture: arch,
		SourceName: repository.Name, Version: "1.0", BuildDeps: repository.BuildDeps}
	storetest.Insert(t, f.store, deb)
	return *deb
}

func (f *fixture) state(t *testing.T, id int64) model.BuildState {
	build, err := store.GetBuild(f.store.DB, id)
	require.NoError(t, err)
	return build.BuildState
}

func (f *fixture) pass(t *testing.T) int {
	scheduled, err := f.scheduler.Pass(context.Background())
	require.NoError(t, err)
	return scheduled
}

func TestBuildWithoutDependenciesIsScheduled(t *testing.T) {
	f := newFixture(t)
	repository := f.repository(t, "hello")
	version := f.projectVersion(t, "1", repository)
	build := f.debBuild(t, repository, version, "arm64", model.STATE_NEEDS_BUILD)

	assert.Equal(t, 1, f.pass(t))
	assert.Equal(t, model.STATE_SCHEDULED, f.state(t, build.Id))

	jobs := f.backend.submitted()
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, build.Id, job.BuildId)
	assert.NotEmpty(t, job.Token)
	assert.Equal(t, "arm64", job.Arch)
	assert.False(t, job.ArchIndependentOnly)
	assert.Equal(t, "debian", job.PlatformName)
	assert.Equal(t, "bookworm", job.PlatformVersion)
	assert.Equal(t, "project", job.TargetProject)
	assert.Equal(t, "1", job.TargetVersion)
	assert.Equal(t, "stable", job.Channel)
	assert.Equal(t, "hello", job.SourceName)
	assert.Equal(t, []string{"http://apt.example.com/key.asc"}, job.ExtraSourceKeys)
	assert.Len(t, job.ExtraSourceURLs, 1)

	task, err := store.GetBuildTaskByBuildId(f.store.DB, build.Id)
	require.NoError(t, err)
	assert.Equal(t, job.Token, task.Token)
	assert.True(t, f.logs.begun[build.Id])

	assert.Zero(t, f.pass(t), "a scheduled build is not scheduled twice")
}

func TestBuildWaitsForBuildEnvironment(t *testing.T) {
	f := newFixture(t)
	f.chroot(t, "i386", false)
	repository := f.repository(t, "hello")
	version := f.projectVersion(t, "1", repository)
	waiting := f.debBuild(t, repository, version, "i386", model.STATE_NEEDS_BUILD)
	missing := f.debBuild(t, repository, version, "riscv64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t))
	assert.Equal(t, model.STATE_NEEDS_BUILD, f.state(t, waiting.Id))
	assert.Equal(t, model.STATE_NEEDS_BUILD, f.state(t, missing.Id))
	assert.Empty(t, f.backend.submitted())
}

func TestArchitectureIndependentBuild(t *testing.T) {
	f := newFixture(t)
	repository := f.repository(t, "hello-data")
	version := f.projectVersion(t, "1", repository)
	f.debBuild(t, repository, version, ArchAll, model.STATE_NEEDS_BUILD)

	assert.Equal(t, 1, f.pass(t))
	jobs := f.backend.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "amd64", jobs[0].Arch)
	assert.True(t, jobs[0].ArchIndependentOnly)
}

func TestDependentBuildWaitsForInFlightDependency(t *testing.T) {
	f := newFixture(t)
	r1 := f.repository(t, "R1")
	r2 := f.repository(t, "R2", "R1")
	version := f.projectVersion(t, "1", r1, r2)

	r1Build := f.debBuild(t, r1, version, "amd64", model.STATE_BUILDING)
	r2Build := f.debBuild(t, r2, version, "amd64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t))
	assert.Equal(t, model.STATE_NEEDS_BUILD, f.state(t, r2Build.Id))

	require.NoError(t, f.machine.SetSuccessful(r1Build.Id))
	assert.Equal(t, 1, f.pass(t))
	assert.Equal(t, model.STATE_SCHEDULED, f.state(t, r2Build.Id))
}

func TestDependencyWithoutSuccessfulBuildDefers(t *testing.T) {
	f := newFixture(t)
	r1 := f.repository(t, "R1")
	r2 := f.repository(t, "R2", "R1")
	version := f.projectVersion(t, "1", r1, r2)
	f.debBuild(t, r1, version, "amd64", model.STATE_BUILD_FAILED)
	r2Build := f.debBuild(t, r2, version, "amd64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t))
	assert.Equal(t, model.STATE_NEEDS_BUILD, f.state(t, r2Build.Id))
}

func TestDependencyResolutionIsScopedToClosure(t *testing.T) {
	f := newFixture(t)
	r1 := f.repository(t, "R1")
	r2 := f.repository(t, "R2", "R1")
	inside := f.projectVersion(t, "inside", r1, r2)
	outside := f.projectVersion(t, "outside", r1)

	f.debBuild(t, r1, outside, "amd64", model.STATE_SUCCESSFUL)
	r2Build := f.debBuild(t, r2, inside, "amd64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t), "a successful build outside the closure must not unblock")
	assert.Equal(t, model.STATE_NEEDS_BUILD, f.state(t, r2Build.Id))

	require.NoError(t, f.store.AddDependency(inside.Id, outside.Id))
	assert.Equal(t, 1, f.pass(t))
	assert.Equal(t, model.STATE_SCHEDULED, f.state(t, r2Build.Id))

	jobs := f.backend.submitted()
	require.Len(t, jobs, 1)
	assert.Len(t, jobs[0].ExtraSourceURLs, 2)
}

func TestUnresolvedDependencyFailsBuild(t *testing.T) {
	f := newFixture(t)
	repository := f.repository(t, "R2", "missing")
	version := f.projectVersion(t, "1", repository)
	build := f.debBuild(t, repository, version, "amd64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t))
	assert.Equal(t, model.STATE_BUILD_FAILED, f.state(t, build.Id))
	assert.Empty(t, f.backend.submitted())
	require.NotEmpty(t, f.logs.lines[build.Id])
	assert.Contains(t, f.logs.lines[build.Id][0], "build dependency missing not found")
}

func TestSubmitFailureFailsBuild(t *testing.T) {
	f := newFixture(t)
	f.backend.err = errors.New("no such architecture")
	repository := f.repository(t, "hello")
	version := f.projectVersion(t, "1", repository)
	build := f.debBuild(t, repository, version, "amd64", model.STATE_NEEDS_BUILD)

	assert.Zero(t, f.pass(t))
	assert.Equal(t, model.STATE_BUILD_FAILED, f.state(t, build.Id))
	_, err := store.GetBuildTaskByBuildId(f.store.DB, build.Id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.logs.closed[build.Id])
}

func TestCIBuildSeesUnstableChannel(t *testing.T) {
	f := newFixture(t)
	repository := f.repository(t, "hello")
	version := f.projectVersion(t, "1", repository)
	build := f.debBuild(t, repository, version, "amd64", model.STATE_NEEDS_BUILD)
	_, err := f.store.DB.ID(build.Id).Cols("is_ci").Update(&model.Build{IsCi: true})
	require.NoError(t, err)

	assert.Equal(t, 1, f.pass(t))
	jobs := f.backend.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "unstable", jobs[0].Channel)
	assert.Len(t, jobs[0].ExtraSourceURLs, 2)
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t)
	f.scheduler.Trigger()
	f.scheduler.Trigger()
	f.scheduler.Trigger()
	assert.Len(t, f.scheduler.trigger, 1)
}

func TestRunSchedulesOnTrigger(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- f.scheduler.Run(ctx) }()

	repository := f.repository(t, "hello")
	version := f.projectVersion(t, "1", repository)
	build := f.debBuild(t, repository, version, "amd64", model.STATE_NEEDS_BUILD)
	f.scheduler.Trigger()

	require.Eventually(t, func() bool {
		return len(f.backend.submitted()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, build.Id, f.backend.submitted()[0].BuildId)

	cancel()
	assert.NoError(t, <-done)
}
