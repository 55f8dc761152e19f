package publish

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mutex   sync.Mutex
	calls   []string
	lines   []string
	targets []Target
	files   map[int64][]string
	err     error
}

func (r *recorder) record(call string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *recorder) SetPublishing(id int64) error    { return r.record("publishing") }
func (r *recorder) SetSuccessful(id int64) error    { return r.record("successful") }
func (r *recorder) SetPublishFailed(id int64) error { return r.record("publish_failed") }

func (r *recorder) Append(buildId int64, line string) {
	r.lines = append(r.lines, line)
}

func (r *recorder) Files(buildId int64) ([]string, error) {
	return r.files[buildId], nil
}

func (r *recorder) Publish(ctx context.Context, target Target, uploadDir string, files []string) error {
	if r.err != nil {
		return r.err
	}
	r.targets = append(r.targets, target)
	return nil
}

type fixture struct {
	store    *store.Store
	recorder *recorder
	stage    *Stage
	version  model.ProjectVersion
}

func newFixture(t *testing.T) *fixture {
	s := storetest.New(t)
	r := &recorder{files: map[int64][]string{}}
	baseMirror := &model.ProjectVersion{ProjectName: "debian", Name: "bookworm", IsBaseMirror: true}
	storetest.Insert(t, s, baseMirror)
	version := &model.ProjectVersion{ProjectName: "project", Name: "1", BaseMirrorId: baseMirror.Id}
	storetest.Insert(t, s, version)
	return &fixture{store: s, recorder: r, stage: New(s, r, r, r, r), version: *version}
}

func (f *fixture) deb(t *testing.T, parentId int64, isCi bool) model.Build {
	build := &model.Build{BuildType: model.TYPE_DEB, BuildState: model.STATE_NEEDS_PUBLISH, ParentId: parentId,
		ProjectVersionId: f.version.Id, IsCi: isCi}
	storetest.Insert(t, f.store, build)
	return *build
}

func TestPublishDebBuild(t *testing.T) {
	f := newFixture(t)
	build := f.deb(t, 0, true)
	f.recorder.files[build.Id] = []string{"/out/hello_1.0_amd64.deb"}

	f.stage.handle(context.Background(), build.Id)

	assert.Equal(t, []string{"publishing", "successful"}, f.recorder.calls)
	require.Len(t, f.recorder.targets, 1)
	target := f.recorder.targets[0]
	assert.Equal(t, "debian/bookworm/project/1", target.Prefix())
	assert.Equal(t, "1-unstable", target.Distribution())
}

func TestPublishSourceBuildToEveryVersion(t *testing.T) {
	f := newFixture(t)
	source := &model.Build{BuildType: model.TYPE_SOURCE, BuildState: model.STATE_NEEDS_PUBLISH}
	storetest.Insert(t, f.store, source)
	f.deb(t, source.Id, false)
	f.deb(t, source.Id, false)
	f.recorder.files[source.Id] = []string{"/out/hello_1.0.dsc"}

	f.stage.handle(context.Background(), source.Id)

	assert.Equal(t, []string{"publishing", "successful"}, f.recorder.calls)
	require.Len(t, f.recorder.targets, 1)
	assert.Equal(t, "stable", f.recorder.targets[0].Channel)
}

func TestPublishWithoutFiles(t *testing.T) {
	t.Run("deb build fails", func(t *testing.T) {
		f := newFixture(t)
		build := f.deb(t, 0, false)
		f.stage.handle(context.Background(), build.Id)
		assert.Equal(t, []string{"publishing", "publish_failed"}, f.recorder.calls)
		assert.Empty(t, f.recorder.targets)
		assert.Equal(t, []string{"E: publishing failed: " + ErrNoResults.Error()}, f.recorder.lines)
	})

	t.Run("source build has nothing to publish", func(t *testing.T) {
		f := newFixture(t)
		source := &model.Build{BuildType: model.TYPE_SOURCE, BuildState: model.STATE_NEEDS_PUBLISH}
		storetest.Insert(t, f.store, source)
		f.stage.handle(context.Background(), source.Id)
		assert.Equal(t, []string{"publishing", "successful"}, f.recorder.calls)
		assert.Empty(t, f.recorder.targets)
	})
}

func TestPublishFailure(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("aptly unreachable")
	build := f.deb(t, 0, false)
	f.recorder.files[build.Id] = []string{"/out/hello_1.0_amd64.deb"}

	f.stage.handle(context.Background(), build.Id)

	assert.Equal(t, []string{"publishing", "publish_failed"}, f.recorder.calls)
	require.Len(t, f.recorder.lines, 1)
	assert.Contains(t, f.recorder.lines[0], "aptly unreachable")
}
