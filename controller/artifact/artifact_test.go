package artifact

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndList(t *testing.T) {
	s := New(t.TempDir())

	files, err := s.Files(1)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, s.Save(1, "hello_1.0_amd64.deb", strings.NewReader("deb")))
	require.NoError(t, s.Save(1, "hello_1.0_amd64.changes", strings.NewReader("changes")))
	archive, err := s.CreateSourceArchive(1)
	require.NoError(t, err)
	_, err = io.WriteString(archive, "tar")
	require.NoError(t, err)
	require.NoError(t, archive.Close())

	files, err = s.Files(1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(s.Dir(1), "hello_1.0_amd64.changes"),
		filepath.Join(s.Dir(1), "hello_1.0_amd64.deb"),
	}, files)
}

func TestSaveRejectsPaths(t *testing.T) {
	s := New(t.TempDir())
	for _, name := range []string{"", "../escape", "a/b", ".hidden", "source.tar"} {
		assert.ErrorIs(t, s.Save(1, name, strings.NewReader("x")), ErrInvalidName, name)
	}
}
