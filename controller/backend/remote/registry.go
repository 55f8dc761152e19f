// Package remote implements the backend on top of execution nodes that
// connect over a websocket. Every architecture has its own pool loop that
// exclusively owns its nodes and job queue; everything else talks to it
// through messages.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/mailbox"
	"github.com/hashworks/deb-ci/controller/model"
	"golang.org/x/sync/errgroup"
)

var ErrNotRunning = errors.New("node registry is not running")

// Conn is the controller side of one node connection. Send must not
// block.
type Conn interface {
	Send(msg model.ServerMessage) error
	Close() error
}

type Options struct {
	Architectures     []string
	HeartbeatInterval time.Duration
	// MaxMissed is the number of consecutive unanswered pings after which
	// a node is considered lost.
	MaxMissed int
}

type Registry struct {
	options Options
	pools   map[string]*pool
	events  map[string]*mailbox.Mailbox[event]
	nextId  uint64
	done    chan struct{}
}

var _ backend.Backend = (*Registry)(nil)

func New(reporter backend.Reporter, options Options) *Registry {
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.MaxMissed <= 0 {
		options.MaxMissed = 2
	}
	r := &Registry{
		options: options,
		pools:   make(map[string]*pool),
		events:  make(map[string]*mailbox.Mailbox[event]),
		done:    make(chan struct{}),
	}
	for _, arch := range options.Architectures {
		r.pools[arch] = newPool(arch, reporter, options.MaxMissed)
		r.events[arch] = mailbox.New[event]()
	}
	return r
}

// Run runs one loop and one heartbeat ticker per architecture until ctx is
// done.
func (r *Registry) Run(ctx context.Context) error {
	defer close(r.done)
	g, ctx := errgroup.WithContext(ctx)
	for arch := range r.pools {
		p, events := r.pools[arch], r.events[arch]
		g.Go(func() error {
			for {
				e, err := events.Pop(ctx)
				if err != nil {
					return nil
				}
				p.handle(e)
			}
		})
		g.Go(func() error {
			ticker := time.NewTicker(r.options.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					events.Push(tickEvent{})
				}
			}
		})
	}
	return g.Wait()
}

func (r *Registry) post(arch string, e event) error {
	events, ok := r.events[arch]
	if !ok {
		return fmt.Errorf("%s: %w", arch, backend.ErrUnknownArchitecture)
	}
	events.Push(e)
	return nil
}

func (r *Registry) Submit(ctx context.Context, job model.Job) error {
	return r.post(job.Arch, submitEvent{job: job})
}

func (r *Registry) Abort(ctx context.Context, buildId int64) error {
	for arch := range r.events {
		result := make(chan error, 1)
		if err := r.post(arch, abortEvent{buildId: buildId, result: result}); err != nil {
			return err
		}
		select {
		case err := <-result:
			if errors.Is(err, backend.ErrUnknownBuild) {
				continue
			}
			return err
		case <-r.done:
			return ErrNotRunning
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("build %d: %w", buildId, backend.ErrUnknownBuild)
}

func (r *Registry) snapshots() map[string]snapshot {
	snapshots := make(map[string]snapshot, len(r.events))
	for arch := range r.events {
		reply := make(chan snapshot, 1)
		r.events[arch].Push(snapshotEvent{reply: reply})
		select {
		case s := <-reply:
			snapshots[arch] = s
		case <-r.done:
			return snapshots
		}
	}
	return snapshots
}

// ListNodes merges the idle and running nodes of all architectures,
// ordered by architecture and name.
func (r *Registry) ListNodes() []backend.NodeInfo {
	nodes := []backend.NodeInfo{}
	for _, s := range r.snapshots() {
		nodes = append(nodes, s.nodes...)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Arch != nodes[j].Arch {
			return nodes[i].Arch < nodes[j].Arch
		}
		return nodes[i].Name < nodes[j].Name
	})
	return nodes
}

func (r *Registry) Queued() map[string]int {
	queued := make(map[string]int)
	for arch, s := range r.snapshots() {
		queued[arch] = s.queued
	}
	return queued
}

// Connect registers a node and returns the id its later events refer to.
func (r *Registry) Connect(arch, name string, conn Conn) (uint64, error) {
	id := atomic.AddUint64(&r.nextId, 1)
	n := &node{id: id, name: name, conn: conn, connectedAt: time.Now()}
	return id, r.post(arch, connectEvent{node: n})
}

func (r *Registry) Receive(arch string, id uint64, msg model.NodeMessage) {
	_ = r.post(arch, messageEvent{id: id, msg: msg})
}

func (r *Registry) Disconnect(arch string, id uint64, reason string) {
	_ = r.post(arch, disconnectEvent{id: id, reason: reason})
}

func (r *Registry) tick(arch string) {
	_ = r.post(arch, tickEvent{})
}
