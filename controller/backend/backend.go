// Package backend defines the capability every execution backend
// provides: accept a job, abort it and report its node inventory.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/hashworks/deb-ci/controller/model"
)

var (
	ErrUnknownArchitecture = errors.New("unknown architecture")
	ErrUnknownBuild        = errors.New("build is not known to the backend")
)

type NodeState string

const (
	NODE_STATE_IDLE    NodeState = "idle"
	NODE_STATE_RUNNING NodeState = "running"
)

// NodeInfo is a read only snapshot of one execution node.
type NodeInfo struct {
	Name          string    `json:"name"`
	Arch          string    `json:"arch"`
	State         NodeState `json:"state"`
	BuildId       int64     `json:"build_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastPongAt    time.Time `json:"last_pong_at,omitempty"`
	MissedPings   int       `json:"missed_pings"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Load          float64   `json:"load"`
}

// Outcome is the final result of a submitted job. Infra marks failures of
// the backend itself, f.e. a lost node, as opposed to a failed build.
type Outcome struct {
	Success bool
	Infra   bool
	Reason  string
}

// Reporter receives the events of submitted jobs. Implementations must not
// block.
type Reporter interface {
	BuildStarted(buildId int64)
	BuildOutcome(buildId int64, outcome Outcome)
}

type Backend interface {
	Submit(ctx context.Context, job model.Job) error
	// Abort stops a job. Its failure is reported right away, without
	// waiting for the node.
	Abort(ctx context.Context, buildId int64) error
	ListNodes() []NodeInfo
	// Queued returns the number of jobs waiting for a node per
	// architecture.
	Queued() map[string]int
}
