// Package vcs keeps a bare clone of every source repository and checks
// out revisions into memory.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/hashworks/deb-ci/controller/model"
)

var ErrNoTag = errors.New("repository has no tags")

type Storage struct {
	path string
}

func New(path string) *Storage {
	return &Storage{path: path}
}

func (s *Storage) repositoryPath(repositoryId int64) string {
	return filepath.Join(s.path, strconv.FormatInt(repositoryId, 10)+".git")
}

// CloneOrFetch clones the repository or, if it exists, fetches all
// branches and tags.
func (s *Storage) CloneOrFetch(ctx context.Context, repository model.SourceRepository) error {
	repositoryPath := s.repositoryPath(repository.Id)

	if _, err := os.Stat(repositoryPath); os.IsNotExist(err) {
		_, err = git.PlainCloneContext(ctx, repositoryPath, true, &git.CloneOptions{
			URL:        repository.URL,
			RemoteName: "origin",
			Tags:       git.AllTags,
		})
		if err != nil {
			os.RemoveAll(repositoryPath)
			return fmt.Errorf("failed to clone %s: %w", repository.URL, err)
		}
		return s.fetch(ctx, repositoryPath)
	}
	return s.fetch(ctx, repositoryPath)
}

// fetch mirrors the branches of origin into refs/heads so revisions
// resolve by their branch name.
func (s *Storage) fetch(ctx context.Context, repositoryPath string) error {
	repository, err := git.PlainOpen(repositoryPath)
	if err != nil {
		return err
	}
	err = repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs: []config.RefSpec{
			"+refs/heads/*:refs/heads/*",
			"+refs/tags/*:refs/tags/*",
		},
		Tags:  git.AllTags,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}
	return nil
}

func (s *Storage) open(repositoryId int64) (*git.Repository, error) {
	repository, err := git.PlainOpen(s.repositoryPath(repositoryId))
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %d: %w", repositoryId, err)
	}
	return repository, nil
}

// LatestTag returns the tag pointing to the newest commit. Tags on the
// same commit are ordered by name.
func (s *Storage) LatestTag(repositoryId int64) (string, error) {
	repository, err := s.open(repositoryId)
	if err != nil {
		return "", err
	}
	tags, err := repository.Tags()
	if err != nil {
		return "", err
	}

	type tag struct {
		name   string
		commit *object.Commit
	}
	var candidates []tag
	err = tags.ForEach(func(ref *plumbing.Reference) error {
		commit, err := tagCommit(repository, ref)
		if err != nil {
			return err
		}
		candidates = append(candidates, tag{name: ref.Name().Short(), commit: commit})
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoTag
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].commit.Committer.When, candidates[j].commit.Committer.When
		if !a.Equal(b) {
			return a.After(b)
		}
		return candidates[i].name > candidates[j].name
	})
	return candidates[0].name, nil
}

func tagCommit(repository *git.Repository, ref *plumbing.Reference) (*object.Commit, error) {
	annotated, err := repository.TagObject(ref.Hash())
	switch {
	case err == nil:
		return annotated.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repository.CommitObject(ref.Hash())
	default:
		return nil, err
	}
}

// Checkout is the tree of one commit in memory.
type Checkout struct {
	Commit     string
	Filesystem billy.Filesystem
}

// Checkout resolves ref, which may be a tag, branch or commit hash, and
// copies its tree into memory.
func (s *Storage) Checkout(repositoryId int64, ref string) (*Checkout, error) {
	repository, err := s.open(repositoryId)
	if err != nil {
		return nil, err
	}
	hash, err := repository.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	commit, err := repository.CommitObject(*hash)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	fs := memfs.New()
	err = tree.Files().ForEach(func(f *object.File) error {
		if f.Mode == filemode.Submodule {
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		if err := fs.MkdirAll(filepath.Dir(f.Name), 0755); err != nil {
			return err
		}
		if f.Mode == filemode.Symlink {
			return fs.Symlink(contents, f.Name)
		}
		perm := os.FileMode(0644)
		if f.Mode == filemode.Executable {
			perm = 0755
		}
		file, err := fs.OpenFile(f.Name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(file, contents); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check out %s: %w", ref, err)
	}
	return &Checkout{Commit: hash.String(), Filesystem: fs}, nil
}
