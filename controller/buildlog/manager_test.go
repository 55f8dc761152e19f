package buildlog

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneRecorder struct {
	mutex sync.Mutex
	ids   []int64
}

func (r *doneRecorder) record(id int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.ids = append(r.ids, id)
}

func (r *doneRecorder) get() []int64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]int64(nil), r.ids...)
}

func startManager(t *testing.T) (*Manager, *doneRecorder) {
	t.Helper()
	m := New(t.TempDir())
	recorder := &doneRecorder{}
	m.OnDone(recorder.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, recorder
}

func syncManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Sync(ctx))
}

func TestAppendAndWrite(t *testing.T) {
	m, _ := startManager(t)

	m.Append(1, "first line")
	buffer := []byte("raw bytes\n")
	m.Write(1, buffer)
	buffer[0] = 'X'
	m.Appendf(1, "build %d done", 1)
	syncManager(t, m)

	m.Finish(1)
	syncManager(t, m)

	content, err := os.ReadFile(m.Path(1))
	require.NoError(t, err)
	assert.Equal(t, "first line\nraw bytes\nbuild 1 done\n", string(content))
}

func TestFinishReportsOncePerSession(t *testing.T) {
	m, recorder := startManager(t)

	m.Finish(1)
	syncManager(t, m)
	assert.Empty(t, recorder.get(), "no session, no completion")

	m.Begin(1)
	m.Append(1, "line")
	m.Finish(1)
	m.Finish(1)
	syncManager(t, m)
	assert.Equal(t, []int64{1}, recorder.get())
}

func TestCloseDoesNotReport(t *testing.T) {
	m, recorder := startManager(t)

	m.Begin(2)
	m.Append(2, "node lost")
	m.Close(2)
	m.Finish(2)
	syncManager(t, m)
	assert.Empty(t, recorder.get())

	content, err := os.ReadFile(m.Path(2))
	require.NoError(t, err)
	assert.Equal(t, "node lost\n", string(content))
}

func TestSettle(t *testing.T) {
	t.Run("without an upload", func(t *testing.T) {
		m, recorder := startManager(t)

		m.Begin(3)
		m.Settle(3, "E: no log from node")
		m.Settle(3, "E: no log from node")
		syncManager(t, m)
		assert.Equal(t, []int64{3}, recorder.get())

		content, err := os.ReadFile(m.Path(3))
		require.NoError(t, err)
		assert.Equal(t, "E: no log from node\n", string(content))
	})

	t.Run("waits for a running upload", func(t *testing.T) {
		m, recorder := startManager(t)

		m.Begin(4)
		m.StreamStarted(4)
		m.Write(4, []byte("dpkg-buildpackage\n"))
		m.Settle(4, "E: no log from node")
		syncManager(t, m)
		assert.Empty(t, recorder.get())

		m.Finish(4)
		syncManager(t, m)
		assert.Equal(t, []int64{4}, recorder.get())

		content, err := os.ReadFile(m.Path(4))
		require.NoError(t, err)
		assert.Equal(t, "dpkg-buildpackage\n", string(content))
	})

	t.Run("after a broken upload", func(t *testing.T) {
		m, recorder := startManager(t)

		m.Begin(5)
		m.StreamStarted(5)
		m.Write(5, []byte("partial\n"))
		m.Settle(5, "E: log upload broke")
		m.StreamBroken(5)
		syncManager(t, m)
		assert.Equal(t, []int64{5}, recorder.get())

		content, err := os.ReadFile(m.Path(5))
		require.NoError(t, err)
		assert.Equal(t, "partial\nE: log upload broke\n", string(content))
	})

	t.Run("no session", func(t *testing.T) {
		m, recorder := startManager(t)

		m.Settle(6, "E: late")
		syncManager(t, m)
		assert.Empty(t, recorder.get())
		_, err := os.Stat(m.Path(6))
		assert.True(t, os.IsNotExist(err))
	})
}
