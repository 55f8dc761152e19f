package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashworks/deb-ci/controller/artifact"
	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store/storetest"
	"github.com/hashworks/deb-ci/worker/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner blocks every build until its result is sent.
type fakeRunner struct {
	mutex   sync.Mutex
	sources map[int64]string
	results map[int64]chan error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sources: map[int64]string{}, results: map[int64]chan error{}}
}

func (r *fakeRunner) result(buildId int64) chan error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.results[buildId]; !ok {
		r.results[buildId] = make(chan error, 1)
	}
	return r.results[buildId]
}

func (r *fakeRunner) started(buildId int64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	_, ok := r.sources[buildId]
	return ok
}

func (r *fakeRunner) source(buildId int64) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.sources[buildId]
}

func (r *fakeRunner) Build(ctx context.Context, job model.Job, source io.Reader, out io.Writer, save container.SaveFunc) error {
	content, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	r.mutex.Lock()
	r.sources[job.BuildId] = string(content)
	r.mutex.Unlock()
	fmt.Fprintf(out, "building %d\n", job.BuildId)

	select {
	case err := <-r.result(job.BuildId):
		if err != nil {
			return err
		}
		return save("hello_1.0-1_amd64.deb", strings.NewReader("deb"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recorder struct {
	mutex    sync.Mutex
	started  []int64
	outcomes map[int64][]backend.Outcome
	lines    map[int64][]string
	written  map[int64]string
	finished map[int64]int
}

func newRecorder() *recorder {
	return &recorder{
		outcomes: map[int64][]backend.Outcome{},
		lines:    map[int64][]string{},
		written:  map[int64]string{},
		finished: map[int64]int{},
	}
}

func (r *recorder) BuildStarted(buildId int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.started = append(r.started, buildId)
}

func (r *recorder) BuildOutcome(buildId int64, outcome backend.Outcome) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.outcomes[buildId] = append(r.outcomes[buildId], outcome)
}

func (r *recorder) Append(buildId int64, line string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lines[buildId] = append(r.lines[buildId], line)
}

func (r *recorder) Write(buildId int64, p []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.written[buildId] += string(p)
}

func (r *recorder) Finish(buildId int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.finished[buildId]++
}

func (r *recorder) outcomesOf(buildId int64) []backend.Outcome {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]backend.Outcome{}, r.outcomes[buildId]...)
}

type fixture struct {
	backend   *Backend
	runner    *fakeRunner
	recorder  *recorder
	artifacts *artifact.Store
	source    model.Build
}

func newFixture(t *testing.T, parallel int64) *fixture {
	s := storetest.New(t)
	artifacts := artifact.New(t.TempDir())
	source := model.Build{BuildType: model.TYPE_SOURCE, BuildState: model.STATE_NEEDS_PUBLISH}
	storetest.Insert(t, s, &source)

	file, err := artifacts.CreateSourceArchive(source.Id)
	require.NoError(t, err)
	_, err = file.WriteString("source tarball")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	runner, r := newFakeRunner(), newRecorder()
	b := New(s, runner, artifacts, r, r, Options{Architectures: []string{"amd64", "arm64"}, Parallel: parallel})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{backend: b, runner: runner, recorder: r, artifacts: artifacts, source: source}
}

func (f *fixture) submit(t *testing.T, arch string) model.Job {
	build := model.Build{ParentId: f.source.Id, BuildType: model.TYPE_DEB, BuildState: model.STATE_SCHEDULED, Architecture: arch}
	storetest.Insert(t, f.backend.store, &build)
	job := model.Job{BuildId: build.Id, Arch: arch, SourceName: "hello", Version: "1.0-1"}
	require.NoError(t, f.backend.Submit(context.Background(), job))
	return job
}

func (f *fixture) waitForOutcome(t *testing.T, buildId int64) backend.Outcome {
	require.Eventually(t, func() bool {
		return len(f.recorder.outcomesOf(buildId)) > 0
	}, 5*time.Second, 10*time.Millisecond)
	return f.recorder.outcomesOf(buildId)[0]
}

func TestSuccessfulBuild(t *testing.T) {
	f := newFixture(t, 1)
	job := f.submit(t, "amd64")

	require.Eventually(t, func() bool { return f.runner.started(job.BuildId) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "source tarball", f.runner.source(job.BuildId))
	f.runner.result(job.BuildId) <- nil

	outcome := f.waitForOutcome(t, job.BuildId)
	assert.Equal(t, backend.Outcome{Success: true}, outcome)

	f.recorder.mutex.Lock()
	assert.Equal(t, []int64{job.BuildId}, f.recorder.started)
	assert.Equal(t, fmt.Sprintf("building %d\n", job.BuildId), f.recorder.written[job.BuildId])
	assert.Equal(t, 1, f.recorder.finished[job.BuildId])
	f.recorder.mutex.Unlock()

	files, err := f.artifacts.Files(job.BuildId)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFailedBuild(t *testing.T) {
	f := newFixture(t, 1)

	t.Run("package failure", func(t *testing.T) {
		job := f.submit(t, "amd64")
		f.runner.result(job.BuildId) <- fmt.Errorf("dpkg-buildpackage exited with code 2: %w", container.ErrBuildFailed)

		outcome := f.waitForOutcome(t, job.BuildId)
		assert.False(t, outcome.Success)
		assert.False(t, outcome.Infra)

		f.recorder.mutex.Lock()
		defer f.recorder.mutex.Unlock()
		assert.Equal(t, []string{"E: dpkg-buildpackage exited with code 2: build failed"}, f.recorder.lines[job.BuildId])
		assert.Equal(t, 1, f.recorder.finished[job.BuildId])
	})

	t.Run("infrastructure failure leaves the log open", func(t *testing.T) {
		job := f.submit(t, "amd64")
		f.runner.result(job.BuildId) <- errors.New("docker daemon went away")

		outcome := f.waitForOutcome(t, job.BuildId)
		assert.True(t, outcome.Infra)
		assert.Equal(t, "docker daemon went away", outcome.Reason)

		f.recorder.mutex.Lock()
		defer f.recorder.mutex.Unlock()
		assert.Zero(t, f.recorder.finished[job.BuildId])
	})
}

func TestUnknownArchitecture(t *testing.T) {
	f := newFixture(t, 1)
	err := f.backend.Submit(context.Background(), model.Job{BuildId: 1, Arch: "s390x"})
	assert.ErrorIs(t, err, backend.ErrUnknownArchitecture)
}

func TestParallelismIsBounded(t *testing.T) {
	f := newFixture(t, 1)
	first := f.submit(t, "amd64")
	second := f.submit(t, "arm64")

	require.Eventually(t, func() bool { return f.runner.started(first.BuildId) }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{"amd64": 0, "arm64": 1}, f.backend.Queued())
	assert.False(t, f.runner.started(second.BuildId))

	nodes := f.backend.ListNodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, backend.NODE_STATE_RUNNING, nodes[0].State)
	assert.Equal(t, first.BuildId, nodes[0].BuildId)
	assert.Equal(t, backend.NODE_STATE_IDLE, nodes[1].State)

	f.runner.result(first.BuildId) <- nil
	require.Eventually(t, func() bool { return f.runner.started(second.BuildId) }, 5*time.Second, 10*time.Millisecond)
	f.runner.result(second.BuildId) <- nil
	f.waitForOutcome(t, second.BuildId)
}

func TestAbort(t *testing.T) {
	t.Run("running build reports once", func(t *testing.T) {
		f := newFixture(t, 1)
		job := f.submit(t, "amd64")
		require.Eventually(t, func() bool { return f.runner.started(job.BuildId) }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, f.backend.Abort(context.Background(), job.BuildId))
		outcome := f.waitForOutcome(t, job.BuildId)
		assert.True(t, outcome.Infra)
		assert.Equal(t, "build aborted", outcome.Reason)

		// The canceled runner must not add a second outcome.
		require.Eventually(t, func() bool {
			return f.backend.ListNodes()[0].State == backend.NODE_STATE_IDLE
		}, 5*time.Second, 10*time.Millisecond)
		assert.Len(t, f.recorder.outcomesOf(job.BuildId), 1)
	})

	t.Run("queued build never starts", func(t *testing.T) {
		f := newFixture(t, 1)
		first := f.submit(t, "amd64")
		require.Eventually(t, func() bool { return f.runner.started(first.BuildId) }, 5*time.Second, 10*time.Millisecond)
		second := f.submit(t, "amd64")

		require.NoError(t, f.backend.Abort(context.Background(), second.BuildId))
		assert.Equal(t, 0, f.backend.Queued()["amd64"])
		f.runner.result(first.BuildId) <- nil
		f.waitForOutcome(t, first.BuildId)

		time.Sleep(50 * time.Millisecond)
		assert.False(t, f.runner.started(second.BuildId))
		assert.Len(t, f.recorder.outcomesOf(second.BuildId), 1)
	})

	t.Run("unknown build", func(t *testing.T) {
		f := newFixture(t, 1)
		err := f.backend.Abort(context.Background(), 42)
		assert.ErrorIs(t, err, backend.ErrUnknownBuild)
	})
}
