// Package store is the transactional record store of the controller. It
// wraps a xorm engine and offers small session builders in the spirit of
// "give me the query, I'll pick the columns".
package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashworks/deb-ci/controller/model"
	"xorm.io/xorm"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrLocked   = errors.New("project version is locked")
	// ErrNotBaseMirror is returned for chroots of project versions that
	// do not mirror a distribution.
	ErrNotBaseMirror     = errors.New("not a base mirror")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// immediateTransactions sets the go-sqlite3 _txlock option of dsn to
// immediate, keeping exclusive if configured.
func immediateTransactions(dsn string) (string, error) {
	base, query, _ := strings.Cut(dsn, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("invalid database data source name: %w", err)
	}
	if values.Get("_txlock") != "exclusive" {
		values.Set("_txlock", "immediate")
	}
	return base + "?" + values.Encode(), nil
}

type Store struct {
	DB *xorm.Engine
}

// Open connects to the SQLite database and syncs all tables. It uses a
// single connection and BEGIN IMMEDIATE transactions, so every InTx call
// is a serialized read-modify-write.
func Open(driver, dsn string) (*Store, error) {
	if driver != "sqlite3" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	dsn, err := immediateTransactions(dsn)
	if err != nil {
		return nil, err
	}
	engine, err := xorm.NewEngine(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	engine.SetMaxOpenConns(1)

	err = engine.Sync2(
		new(model.Build),
		new(model.BuildTask),
		new(model.SourceRepository),
		new(model.ProjectVersion),
		new(model.ProjectVersionDependency),
		new(model.ProjectVersionRepository),
		new(model.Chroot),
		new(model.Maintainer),
		new(model.CloudNode),
	)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to sync structs to database tables: %w", err)
	}

	return &Store{DB: engine}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// InTx runs fn inside one transaction. fn must only use the session it is
// given, never s.DB.
func (s *Store) InTx(fn func(sess *xorm.Session) error) error {
	sess := s.DB.NewSession()
	defer sess.Close()

	if err := sess.Begin(); err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		if rollbackErr := sess.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w (rollback failed: %s)", err, rollbackErr)
		}
		return err
	}
	return sess.Commit()
}
