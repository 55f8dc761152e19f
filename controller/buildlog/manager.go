// Package buildlog persists the log stream of every build and reports
// when a stream has been completely flushed.
package buildlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashworks/deb-ci/controller/mailbox"
	log "github.com/sirupsen/logrus"
)

type opKind int

const (
	opBegin opKind = iota
	opWrite
	opFinish
	opClose
	opStreamStarted
	opStreamBroken
	opSettle
	opSync
)

type op struct {
	kind    opKind
	buildId int64
	data    []byte
	line    string
	synced  chan struct{}
}

// Manager is the single writer of all build logs. Every method only
// enqueues; Run does the actual file work.
type Manager struct {
	path   string
	ops    *mailbox.Mailbox[op]
	onDone func(buildId int64)

	files    map[int64]*os.File
	sessions map[int64]bool
	// streaming holds the builds whose log is being uploaded by a node,
	// settling the line to finish with once a broken upload ends.
	streaming map[int64]bool
	settling  map[int64]string
}

func New(path string) *Manager {
	return &Manager{
		path:      path,
		ops:       mailbox.New[op](),
		onDone:    func(int64) {},
		files:     make(map[int64]*os.File),
		sessions:  make(map[int64]bool),
		streaming: make(map[int64]bool),
		settling:  make(map[int64]string),
	}
}

// OnDone sets the function called from the writer loop whenever a
// session has been finished. Must be called before Run.
func (m *Manager) OnDone(fn func(buildId int64)) {
	m.onDone = fn
}

func (m *Manager) Path(buildId int64) string {
	return filepath.Join(m.path, strconv.FormatInt(buildId, 10), "build.log")
}

// Begin opens a session. Only an open session reports completion.
func (m *Manager) Begin(buildId int64) {
	m.ops.Push(op{kind: opBegin, buildId: buildId})
}

func (m *Manager) Append(buildId int64, line string) {
	m.ops.Push(op{kind: opWrite, buildId: buildId, data: []byte(line + "\n")})
}

func (m *Manager) Appendf(buildId int64, format string, args ...interface{}) {
	m.Append(buildId, fmt.Sprintf(format, args...))
}

// Write appends raw bytes, p may be reused by the caller afterwards.
func (m *Manager) Write(buildId int64, p []byte) {
	data := make([]byte, len(p))
	copy(data, p)
	m.ops.Push(op{kind: opWrite, buildId: buildId, data: data})
}

// Finish flushes and closes the stream and, if a session is open,
// reports completion exactly once.
func (m *Manager) Finish(buildId int64) {
	m.ops.Push(op{kind: opFinish, buildId: buildId})
}

// Close ends a session without reporting completion.
func (m *Manager) Close(buildId int64) {
	m.ops.Push(op{kind: opClose, buildId: buildId})
}

// StreamStarted marks the start of a log upload by a node. It ends with
// Finish, or StreamBroken if the upload broke.
func (m *Manager) StreamStarted(buildId int64) {
	m.ops.Push(op{kind: opStreamStarted, buildId: buildId})
}

func (m *Manager) StreamBroken(buildId int64) {
	m.ops.Push(op{kind: opStreamBroken, buildId: buildId})
}

// Settle finishes a session that no upload will finish: line is appended
// and completion reported. While an upload is running it waits for that
// upload, which either finishes the session itself or breaks. Without an
// open session Settle does nothing.
func (m *Manager) Settle(buildId int64, line string) {
	m.ops.Push(op{kind: opSettle, buildId: buildId, line: line})
}

// Sync blocks until every operation enqueued before it has been handled.
func (m *Manager) Sync(ctx context.Context) error {
	synced := make(chan struct{})
	m.ops.Push(op{kind: opSync, synced: synced})
	select {
	case <-synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Run(ctx context.Context) error {
	defer m.closeAll()
	for {
		o, err := m.ops.Pop(ctx)
		if err != nil {
			return nil
		}
		m.handle(o)
	}
}

func (m *Manager) handle(o op) {
	switch o.kind {
	case opBegin:
		// Writes outside a session do not keep the file open.
		m.sessions[o.buildId] = true
	case opWrite:
		file, err := m.file(o.buildId)
		if err != nil {
			log.WithField("build_id", o.buildId).Errorf("Failed to open build log: %s", err)
			return
		}
		if _, err := file.Write(o.data); err != nil {
			log.WithField("build_id", o.buildId).Errorf("Failed to write build log: %s", err)
		}
		if !m.sessions[o.buildId] {
			m.closeFile(o.buildId)
		}
	case opFinish:
		m.finish(o.buildId)
	case opClose:
		m.closeFile(o.buildId)
		delete(m.sessions, o.buildId)
		delete(m.streaming, o.buildId)
		delete(m.settling, o.buildId)
	case opStreamStarted:
		m.streaming[o.buildId] = true
	case opStreamBroken:
		delete(m.streaming, o.buildId)
		if line, ok := m.settling[o.buildId]; ok {
			m.settle(o.buildId, line)
		}
	case opSettle:
		if !m.sessions[o.buildId] {
			return
		}
		if m.streaming[o.buildId] {
			m.settling[o.buildId] = o.line
			return
		}
		m.settle(o.buildId, o.line)
	case opSync:
		close(o.synced)
	}
}

func (m *Manager) finish(buildId int64) {
	m.closeFile(buildId)
	delete(m.streaming, buildId)
	delete(m.settling, buildId)
	if m.sessions[buildId] {
		delete(m.sessions, buildId)
		m.onDone(buildId)
	}
}

func (m *Manager) settle(buildId int64, line string) {
	log.WithField("build_id", buildId).Warn("Settling build log that was not completed by its node")
	m.handle(op{kind: opWrite, buildId: buildId, data: []byte(line + "\n")})
	m.finish(buildId)
}

func (m *Manager) file(buildId int64) (*os.File, error) {
	if file, ok := m.files[buildId]; ok {
		return file, nil
	}
	path := m.Path(buildId)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	m.files[buildId] = file
	return file, nil
}

func (m *Manager) closeFile(buildId int64) {
	file, ok := m.files[buildId]
	if !ok {
		return
	}
	delete(m.files, buildId)
	if err := file.Sync(); err != nil {
		log.WithField("build_id", buildId).Warnf("Failed to sync build log: %s", err)
	}
	if err := file.Close(); err != nil {
		log.WithField("build_id", buildId).Warnf("Failed to close build log: %s", err)
	}
}

func (m *Manager) closeAll() {
	for buildId := range m.files {
		m.closeFile(buildId)
	}
}
