// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/hashworks/deb-ci/controller/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "deb-ci.db") + "?_txlock=immediate&_busy_timeout=5000"
	s, err := store.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Insert inserts pointers to model structs, filling in their ids.
func Insert(t testing.TB, s *store.Store, beans ...interface{}) {
	t.Helper()
	for _, bean := range beans {
		_, err := s.DB.Insert(bean)
		require.NoError(t, err)
	}
}
