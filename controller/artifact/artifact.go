// Package artifact lays out source archives and build results on disk.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidName = errors.New("invalid file name")

const sourceArchiveName = "source.tar"

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Dir is the output directory of a build.
func (s *Store) Dir(buildId int64) string {
	return filepath.Join(s.path, strconv.FormatInt(buildId, 10))
}

// SourceArchive is the path of the source tarball of a source build.
func (s *Store) SourceArchive(sourceBuildId int64) string {
	return filepath.Join(s.Dir(sourceBuildId), sourceArchiveName)
}

// CreateSourceArchive opens the source archive of a source build for
// writing, replacing an old one.
func (s *Store) CreateSourceArchive(sourceBuildId int64) (*os.File, error) {
	if err := os.MkdirAll(s.Dir(sourceBuildId), 0755); err != nil {
		return nil, err
	}
	return os.Create(s.SourceArchive(sourceBuildId))
}

func (s *Store) OpenSourceArchive(sourceBuildId int64) (*os.File, error) {
	return os.Open(s.SourceArchive(sourceBuildId))
}

// Save stores one result file of a build.
func (s *Store) Save(buildId int64, name string, r io.Reader) error {
	if name == "" || name == sourceArchiveName || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if err := os.MkdirAll(s.Dir(buildId), 0755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(s.Dir(buildId), name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Files lists the result files of a build by name.
func (s *Store) Files(buildId int64) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(buildId))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && entry.Name() != sourceArchiveName {
			files = append(files, filepath.Join(s.Dir(buildId), entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
