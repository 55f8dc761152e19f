package store_test

import (
	"errors"
	"testing"

	"github.com/hashworks/deb-ci/controller/graph"
	"github.com/hashworks/deb-ci/controller/model"
	"github.com/hashworks/deb-ci/controller/store"
	"github.com/hashworks/deb-ci/controller/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xorm.io/xorm"
)

func TestInTxRollsBack(t *testing.T) {
	s := storetest.New(t)

	err := s.InTx(func(sess *xorm.Session) error {
		_, err := sess.Insert(&model.SourceRepository{Name: "a", URL: "u", State: model.REPOSITORY_STATE_NEW})
		require.NoError(t, err)
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")

	count, err := s.DB.Count(new(model.SourceRepository))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetBuildNotFound(t *testing.T) {
	s := storetest.New(t)
	_, err := store.GetBuild(s.DB, 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSwapRepositoryState(t *testing.T) {
	s := storetest.New(t)
	repository := &model.SourceRepository{Name: "a", URL: "u", State: model.REPOSITORY_STATE_READY}
	storetest.Insert(t, s, repository)

	swapped, err := store.SwapRepositoryState(s.DB, repository.Id,
		[]model.RepositoryState{model.REPOSITORY_STATE_NEW, model.REPOSITORY_STATE_ERROR}, model.REPOSITORY_STATE_CLONING)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = store.SwapRepositoryState(s.DB, repository.Id,
		[]model.RepositoryState{model.REPOSITORY_STATE_READY}, model.REPOSITORY_STATE_BUSY)
	require.NoError(t, err)
	assert.True(t, swapped)

	reloaded, err := store.GetRepository(s.DB, repository.Id)
	require.NoError(t, err)
	assert.Equal(t, model.REPOSITORY_STATE_BUSY, reloaded.State)
}

func TestAddDependency(t *testing.T) {
	s := storetest.New(t)
	a := &model.ProjectVersion{ProjectName: "p", Name: "a"}
	b := &model.ProjectVersion{ProjectName: "p", Name: "b"}
	locked := &model.ProjectVersion{ProjectName: "p", Name: "locked", IsLocked: true}
	storetest.Insert(t, s, a, b, locked)

	require.NoError(t, s.AddDependency(a.Id, b.Id))

	err := s.AddDependency(b.Id, a.Id)
	assert.ErrorIs(t, err, graph.ErrCycle)

	err = s.AddDependency(locked.Id, a.Id)
	assert.ErrorIs(t, err, store.ErrLocked)

	edges, err := store.DependencyEdges(s.DB)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, a.Id, edges[0].ProjectVersionId)
	assert.Equal(t, b.Id, edges[0].DependencyId)
}

func TestAttachRepository(t *testing.T) {
	s := storetest.New(t)
	version := &model.ProjectVersion{ProjectName: "p", Name: "1"}
	locked := &model.ProjectVersion{ProjectName: "p", Name: "2", IsLocked: true}
	repository := &model.SourceRepository{Name: "pkg", URL: "u", State: model.REPOSITORY_STATE_NEW}
	storetest.Insert(t, s, version, locked, repository)

	require.NoError(t, s.AttachRepository(version.Id, repository.Id, nil))
	assert.ErrorIs(t, s.AttachRepository(locked.Id, repository.Id, nil), store.ErrLocked)

	found, ok, err := store.FindRepositoryInProjectVersion(s.DB, version.Id, "pkg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, repository.Id, found.Id)

	_, ok, err = store.FindRepositoryInProjectVersion(s.DB, locked.Id, "pkg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDebBuildQueriesRespectProjectVersions(t *testing.T) {
	s := storetest.New(t)
	inside := &model.ProjectVersion{ProjectName: "p", Name: "inside"}
	outside := &model.ProjectVersion{ProjectName: "p", Name: "outside"}
	storetest.Insert(t, s, inside, outside)

	storetest.Insert(t, s,
		&model.Build{BuildType: model.TYPE_DEB, BuildState: model.STATE_SUCCESSFUL, SourceRepositoryId: 7, ProjectVersionId: outside.Id},
		&model.Build{BuildType: model.TYPE_DEB, BuildState: model.STATE_BUILDING, SourceRepositoryId: 7, ProjectVersionId: outside.Id},
	)

	closure := []int64{inside.Id}
	ok, err := store.HasSuccessfulDebBuild(s.DB, 7, closure)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.HasInFlightDebBuild(s.DB, 7, closure)
	require.NoError(t, err)
	assert.False(t, ok)

	storetest.Insert(t, s, &model.Build{BuildType: model.TYPE_DEB, BuildState: model.STATE_SUCCESSFUL, SourceRepositoryId: 7, ProjectVersionId: inside.Id})
	ok, err = store.HasSuccessfulDebBuild(s.DB, 7, closure)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertMaintainer(t *testing.T) {
	s := storetest.New(t)
	first, err := store.UpsertMaintainer(s.DB, "Jane", "jane@example.org")
	require.NoError(t, err)
	second, err := store.UpsertMaintainer(s.DB, "Jane Doe", "jane@example.org")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, "Jane Doe", second.Name)
}

func TestUnfinishedBuilds(t *testing.T) {
	s := storetest.New(t)
	for _, state := range model.BuildStates {
		storetest.Insert(t, s, &model.Build{BuildType: model.TYPE_DEB, BuildState: state})
	}
	storetest.Insert(t, s, &model.Build{BuildType: model.TYPE_DEB, BuildState: model.STATE_BUILDING, IsDeleted: true})

	builds, err := store.UnfinishedBuilds(s.DB)
	require.NoError(t, err)
	var got []model.BuildState
	for _, build := range builds {
		got = append(got, build.BuildState)
	}
	assert.Equal(t, model.InFlightStates, got)
}

func TestResetInterruptedRepositories(t *testing.T) {
	s := storetest.New(t)
	busy := &model.SourceRepository{Name: "busy", URL: "u", State: model.REPOSITORY_STATE_BUSY}
	cloning := &model.SourceRepository{Name: "cloning", URL: "u", State: model.REPOSITORY_STATE_CLONING}
	ready := &model.SourceRepository{Name: "ready", URL: "u", State: model.REPOSITORY_STATE_READY}
	storetest.Insert(t, s, busy, cloning, ready)

	reset, err := store.ResetInterruptedRepositories(s.DB)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reset)

	for id, state := range map[int64]model.RepositoryState{
		busy.Id:    model.REPOSITORY_STATE_READY,
		cloning.Id: model.REPOSITORY_STATE_ERROR,
		ready.Id:   model.REPOSITORY_STATE_READY,
	} {
		repository, err := store.GetRepository(s.DB, id)
		require.NoError(t, err)
		assert.Equal(t, state, repository.State, repository.Name)
	}
}
