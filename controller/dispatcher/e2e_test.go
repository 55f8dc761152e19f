package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashworks/deb-ci/controller/artifact"
	"github.com/hashworks/deb-ci/controller/backend/remote"
	"github.com/hashworks/deb-ci/controller/buildlog"
	"github.com/hashworks/deb-ci/controller/buildstate"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/publish"
	"github.com/hashworks/deb-ci/controller/rendezvous"
	"github.com/hashworks/deb-ci/controller/scheduler"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const anyControl = `Source: hello

Package: hello
Architecture: any
`

type fakeNode struct {
	tasks     chan model.Job
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeNode() *fakeNode {
	return &fakeNode{tasks: make(chan model.Job, 16), closed: make(chan struct{})}
}

func (n *fakeNode) Send(msg model.ServerMessage) error {
	if msg.Task != nil {
		n.tasks <- *msg.Task
	}
	return nil
}

func (n *fakeNode) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return nil
}

type fakeRepository struct {
	mutex     sync.Mutex
	published map[string][]string
}

func (r *fakeRepository) Publish(ctx context.Context, target publish.Target, uploadDir string, files []string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	key := target.Prefix() + " " + target.Distribution()
	r.published[key] = append(r.published[key], files...)
	return nil
}

type notifications struct {
	mutex  sync.Mutex
	failed []int64
}

func (n *notifications) BuildChanged(model.Build) {}

func (n *notifications) BuildFailed(build model.Build) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.failed = append(n.failed, build.Id)
}

type pipeline struct {
	store         *store.Store
	logs          *buildlog.Manager
	artifacts     *artifact.Store
	registry      *remote.Registry
	repository    *fakeRepository
	notifications *notifications
	vcs           *fakeVCS
	dispatcher    *Dispatcher
	baseMirror    model.ProjectVersion
	version       model.ProjectVersion
	nodes         map[string]*fakeNode
	nodeIds       map[string]uint64
}

func newPipeline(t *testing.T) *pipeline {
	s := storetest.New(t)
	p := &pipeline{
		store:         s,
		logs:          buildlog.New(t.TempDir()),
		artifacts:     artifact.New(t.TempDir()),
		repository:    &fakeRepository{published: map[string][]string{}},
		notifications: &notifications{},
		vcs:           &fakeVCS{control: anyControl},
		nodes:         map[string]*fakeNode{},
		nodeIds:       map[string]uint64{},
	}

	machine := buildstate.New(s, p.logs, p.notifications)
	stage := publish.New(s, machine, p.logs, p.artifacts, p.repository)
	completion := rendezvous.New(s, machine, p.logs, stage, p.notifications)
	p.registry = remote.New(completion, remote.Options{Architectures: []string{"amd64", "arm64"}, HeartbeatInterval: time.Hour})
	sched := scheduler.New(s, machine, p.registry, p.logs, scheduler.Options{
		PackageSourceBaseURL: "http://apt.example.com",
		Interval:             time.Hour,
	})
	machine.OnReschedule(sched.Trigger)
	p.logs.OnDone(completion.LoggingDone)
	p.dispatcher = New(s, machine, p.vcs, p.artifacts, stage, sched, newRecorder(), p.logs,
		Options{RetryDelay: 10 * time.Millisecond, RetryMax: 100})

	p.baseMirror = model.ProjectVersion{ProjectName: "debian", Name: "bookworm", IsBaseMirror: true,
		MirrorArchitectures: []string{"amd64", "arm64"}}
	storetest.Insert(t, s, &p.baseMirror)
	for _, arch := range p.baseMirror.MirrorArchitectures {
		storetest.Insert(t, s, &model.Chroot{BaseMirrorId: p.baseMirror.Id, Architecture: arch, Ready: true})
	}
	p.version = model.ProjectVersion{ProjectName: "project", Name: "1", BaseMirrorId: p.baseMirror.Id}
	storetest.Insert(t, s, &p.version)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{p.logs.Run, stage.Run, completion.Run, p.registry.Run, sched.Run, p.dispatcher.Run} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, arch := range p.baseMirror.MirrorArchitectures {
		node := newFakeNode()
		id, err := p.registry.Connect(arch, "node-"+arch, node)
		require.NoError(t, err)
		p.nodes[arch] = node
		p.nodeIds[arch] = id
	}
	return p
}

func (p *pipeline) addRepository(t *testing.T, name string, deps ...string) model.SourceRepository {
	repository := model.SourceRepository{Name: name, URL: "https://git.example.com/" + name,
		State: model.REPOSITORY_STATE_READY, BuildDeps: deps}
	storetest.Insert(t, p.store, &repository)
	require.NoError(t, p.store.AttachRepository(p.version.Id, repository.Id, nil))
	return repository
}

func (p *pipeline) startBuild(t *testing.T, repository model.SourceRepository, gitRef string) model.Build {
	top := model.Build{BuildType: model.TYPE_BUILD, BuildState: model.STATE_NEW, SourceRepositoryId: repository.Id,
		GitRef: gitRef}
	storetest.Insert(t, p.store, &top)
	p.dispatcher.Enqueue(StartCommand(repository, top))
	return top
}

func (p *pipeline) state(t *testing.T, id int64) model.BuildState {
	build, err := store.GetBuild(p.store.DB, id)
	require.NoError(t, err)
	return build.BuildState
}

func (p *pipeline) waitForState(t *testing.T, id int64, state model.BuildState) {
	require.Eventually(t, func() bool {
		build, err := store.GetBuild(p.store.DB, id)
		return err == nil && build.BuildState == state
	}, 10*time.Second, 10*time.Millisecond, "build %d did not reach %s", id, state)
}

func (p *pipeline) nextJob(t *testing.T, arch string) model.Job {
	select {
	case job := <-p.nodes[arch].tasks:
		return job
	case <-time.After(10 * time.Second):
		require.FailNow(t, "no job dispatched to "+arch)
		return model.Job{}
	}
}

func (p *pipeline) noJob(t *testing.T, arch string) {
	select {
	case job := <-p.nodes[arch].tasks:
		require.FailNow(t, fmt.Sprintf("unexpected job for build %d", job.BuildId))
	case <-time.After(200 * time.Millisecond):
	}
}

// finish plays the part of a node that built job.
func (p *pipeline) finish(t *testing.T, job model.Job, success bool) {
	id := p.nodeIds[job.Arch]
	p.registry.Receive(job.Arch, id, model.NodeMessage{Status: model.NODE_STATUS_BUILDING})
	p.logs.Write(job.BuildId, []byte("dpkg-buildpackage -us -uc\n"))
	status := model.NODE_STATUS_FAILED
	if success {
		name := fmt.Sprintf("%s_%s_%s.deb", job.SourceName, job.Version, job.Arch)
		require.NoError(t, p.artifacts.Save(job.BuildId, name, strings.NewReader("deb")))
		status = model.NODE_STATUS_SUCCESS
	}
	p.logs.Finish(job.BuildId)
	p.registry.Receive(job.Arch, id, model.NodeMessage{Status: status})
}

func TestPipelineBuildsEveryArchitecture(t *testing.T) {
	p := newPipeline(t)
	repository := p.addRepository(t, "hello")
	top := p.startBuild(t, repository, "v1.0")

	amd64 := p.nextJob(t, "amd64")
	arm64 := p.nextJob(t, "arm64")
	assert.Equal(t, "hello", amd64.SourceName)
	assert.Equal(t, "1.0-1", arm64.Version)

	source := p.sourceOf(t, top.Id)
	debs, err := store.ChildBuilds(p.store.DB, source.Id)
	require.NoError(t, err)
	assert.Len(t, debs, 2)
	assert.Equal(t, model.STATE_SUCCESSFUL, source.BuildState)

	p.finish(t, amd64, true)
	p.waitForState(t, amd64.BuildId, model.STATE_SUCCESSFUL)
	assert.Equal(t, model.STATE_BUILDING, p.state(t, top.Id))

	p.finish(t, arm64, true)
	p.waitForState(t, top.Id, model.STATE_SUCCESSFUL)

	p.repository.mutex.Lock()
	defer p.repository.mutex.Unlock()
	assert.Len(t, p.repository.published["debian/bookworm/project/1 1-stable"], 2)
}

func TestPipelineFailedArchitectureFailsBuild(t *testing.T) {
	p := newPipeline(t)
	repository := p.addRepository(t, "hello")
	top := p.startBuild(t, repository, "v1.0")

	amd64 := p.nextJob(t, "amd64")
	arm64 := p.nextJob(t, "arm64")
	p.finish(t, arm64, false)
	p.waitForState(t, arm64.BuildId, model.STATE_BUILD_FAILED)
	assert.Equal(t, model.STATE_BUILD_FAILED, p.state(t, top.Id))

	p.finish(t, amd64, true)
	p.waitForState(t, amd64.BuildId, model.STATE_SUCCESSFUL)
	assert.Equal(t, model.STATE_BUILD_FAILED, p.state(t, top.Id))

	p.notifications.mutex.Lock()
	defer p.notifications.mutex.Unlock()
	assert.Equal(t, []int64{arm64.BuildId}, p.notifications.failed)
}

func TestPipelineDefersDependentBuild(t *testing.T) {
	p := newPipeline(t)
	library := p.addRepository(t, "libgreet")
	application := p.addRepository(t, "hello", "libgreet")

	libraryTop := p.startBuild(t, library, "v1.0")
	libraryJobs := []model.Job{p.nextJob(t, "amd64"), p.nextJob(t, "arm64")}

	applicationTop := p.startBuild(t, application, "v1.0")
	source := p.sourceOf(t, applicationTop.Id)
	p.waitForState(t, source.Id, model.STATE_SUCCESSFUL)
	p.noJob(t, "amd64")

	p.finish(t, libraryJobs[0], true)
	p.waitForState(t, libraryJobs[0].BuildId, model.STATE_SUCCESSFUL)
	p.noJob(t, "amd64")

	p.finish(t, libraryJobs[1], true)
	p.waitForState(t, libraryTop.Id, model.STATE_SUCCESSFUL)

	for _, arch := range []string{"amd64", "arm64"} {
		job := p.nextJob(t, arch)
		assert.Equal(t, "hello", job.SourceName)
		p.finish(t, job, true)
	}
	p.waitForState(t, applicationTop.Id, model.STATE_SUCCESSFUL)
}

func TestPipelineNodeLostMidBuild(t *testing.T) {
	p := newPipeline(t)
	repository := p.addRepository(t, "hello")
	top := p.startBuild(t, repository, "v1.0")

	amd64 := p.nextJob(t, "amd64")
	p.nextJob(t, "arm64")
	p.registry.Receive("amd64", p.nodeIds["amd64"], model.NodeMessage{Status: model.NODE_STATUS_BUILDING})
	p.waitForState(t, amd64.BuildId, model.STATE_BUILDING)

	p.registry.Disconnect("amd64", p.nodeIds["amd64"], "connection reset")

	p.waitForState(t, amd64.BuildId, model.STATE_BUILD_FAILED)
	assert.Equal(t, model.STATE_BUILD_FAILED, p.state(t, top.Id))
	require.Eventually(t, func() bool {
		for _, node := range p.registry.ListNodes() {
			if node.Arch == "amd64" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineNodeFailsWithoutLog(t *testing.T) {
	p := newPipeline(t)
	repository := p.addRepository(t, "hello")
	top := p.startBuild(t, repository, "v1.0")

	amd64 := p.nextJob(t, "amd64")
	p.nextJob(t, "arm64")
	id := p.nodeIds["amd64"]
	p.registry.Receive("amd64", id, model.NodeMessage{Status: model.NODE_STATUS_BUILDING})
	p.registry.Receive("amd64", id, model.NodeMessage{Status: model.NODE_STATUS_FAILED})

	p.waitForState(t, amd64.BuildId, model.STATE_BUILD_FAILED)
	assert.Equal(t, model.STATE_BUILD_FAILED, p.state(t, top.Id))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.logs.Sync(ctx))
	content, err := os.ReadFile(p.logs.Path(amd64.BuildId))
	require.NoError(t, err)
	assert.Contains(t, string(content), "E: build log was not completed by the node")
}

func (p *pipeline) sourceOf(t *testing.T, topId int64) model.Build {
	var source model.Build
	require.Eventually(t, func() bool {
		var exists bool
		var err error
		source, exists, err = store.FindChildBuild(p.store.DB, topId, model.TYPE_SOURCE, 0, "")
		return err == nil && exists
	}, 10*time.Second, 10*time.Millisecond)
	return source
}
