package remote

import (
	"time"

	"github.com/hashworks/deb-ci/controller/backend"
	"github.com/hashworks/deb-ci/controller/metrics"
	"github.com/hashworks/deb-ci/controller/model"
	log "github.com/sirupsen/logrus"
)

type event interface{ isEvent() }

type submitEvent struct{ job model.Job }

type connectEvent struct{ node *node }

type disconnectEvent struct {
	id     uint64
	reason string
}

type messageEvent struct {
	id  uint64
	msg model.NodeMessage
}

type abortEvent struct {
	buildId int64
	result  chan error
}

type tickEvent struct{}

type snapshot struct {
	nodes  []backend.NodeInfo
	queued int
}

type snapshotEvent struct{ reply chan snapshot }

func (submitEvent) isEvent()     {}
func (connectEvent) isEvent()    {}
func (disconnectEvent) isEvent() {}
func (messageEvent) isEvent()    {}
func (abortEvent) isEvent()      {}
func (tickEvent) isEvent()       {}
func (snapshotEvent) isEvent()   {}

type node struct {
	id          uint64
	name        string
	conn        Conn
	connectedAt time.Time

	// buildId is the job the node works on, zero when idle.
	buildId int64
	// aborted is set once the job of the node has been aborted and its
	// outcome already reported.
	aborted bool

	awaitingPong bool
	missed       int
	lastPongAt   time.Time
	pong         model.Pong
}

func (n *node) info(arch string) backend.NodeInfo {
	info := backend.NodeInfo{
		Name:          n.name,
		Arch:          arch,
		State:         backend.NODE_STATE_IDLE,
		BuildId:       n.buildId,
		ConnectedAt:   n.connectedAt,
		LastPongAt:    n.lastPongAt,
		MissedPings:   n.missed,
		UptimeSeconds: n.pong.UptimeSeconds,
		Load:          n.pong.Load,
	}
	if n.buildId != 0 {
		info.State = backend.NODE_STATE_RUNNING
	}
	return info
}

// pool owns the nodes and the job queue of one architecture. Only its run
// loop touches them.
type pool struct {
	arch      string
	reporter  backend.Reporter
	maxMissed int

	nodes   map[uint64]*node
	idle    []*node
	running map[int64]*node
	queue   []model.Job
}

func newPool(arch string, reporter backend.Reporter, maxMissed int) *pool {
	return &pool{
		arch:      arch,
		reporter:  reporter,
		maxMissed: maxMissed,
		nodes:     make(map[uint64]*node),
		running:   make(map[int64]*node),
	}
}

func (p *pool) logger() *log.Entry {
	return log.WithField("arch", p.arch)
}

func (p *pool) handle(e event) {
	switch e := e.(type) {
	case submitEvent:
		p.queue = append(p.queue, e.job)
	case connectEvent:
		p.nodes[e.node.id] = e.node
		p.idle = append(p.idle, e.node)
		p.logger().Infof("Node %s connected", e.node.name)
	case disconnectEvent:
		if n, ok := p.nodes[e.id]; ok {
			p.drop(n, "disconnect", e.reason)
		}
	case messageEvent:
		if n, ok := p.nodes[e.id]; ok {
			p.receive(n, e.msg)
		}
	case abortEvent:
		e.result <- p.abort(e.buildId)
	case tickEvent:
		p.heartbeat()
	case snapshotEvent:
		e.reply <- p.snapshot()
	default:
		p.logger().Errorf("Unknown pool event %T", e)
	}
	p.dispatch()
	p.updateMetrics()
}

// dispatch pairs queued jobs with idle nodes.
func (p *pool) dispatch() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		job := p.queue[0]
		n := p.idle[0]
		p.queue = p.queue[1:]
		p.idle = p.idle[1:]

		n.buildId = job.BuildId
		n.aborted = false
		p.running[job.BuildId] = n
		if err := n.conn.Send(model.ServerMessage{Task: &job}); err != nil {
			// The node never received the job, so it goes back to the
			// queue.
			delete(p.running, job.BuildId)
			n.buildId = 0
			p.queue = append([]model.Job{job}, p.queue...)
			p.drop(n, "send", err.Error())
			continue
		}
		p.logger().WithField("build_id", job.BuildId).Infof("Dispatched build to node %s", n.name)
	}
}

func (p *pool) receive(n *node, msg model.NodeMessage) {
	if msg.Pong != nil {
		n.awaitingPong = false
		n.missed = 0
		n.lastPongAt = time.Now()
		n.pong = *msg.Pong
	}
	if msg.Status == "" {
		return
	}
	if n.buildId == 0 {
		p.logger().Warnf("Node %s reported status %s without a build", n.name, msg.Status)
		return
	}

	switch msg.Status {
	case model.NODE_STATUS_BUILDING:
		if !n.aborted {
			p.reporter.BuildStarted(n.buildId)
		}
	case model.NODE_STATUS_SUCCESS, model.NODE_STATUS_FAILED:
		buildId := n.buildId
		if !n.aborted {
			p.reporter.BuildOutcome(buildId, backend.Outcome{
				Success: msg.Status == model.NODE_STATUS_SUCCESS,
				Reason:  "node " + n.name + " reported " + string(msg.Status),
			})
		}
		delete(p.running, buildId)
		n.buildId = 0
		n.aborted = false
		p.idle = append(p.idle, n)
	default:
		p.logger().Warnf("Node %s sent unknown status %s", n.name, msg.Status)
	}
}

// heartbeat drops nodes that left maxMissed pings unanswered and pings
// the rest.
func (p *pool) heartbeat() {
	for _, n := range p.nodes {
		if n.awaitingPong {
			n.missed++
			if n.missed >= p.maxMissed {
				p.drop(n, "heartbeat", "missed heartbeats")
				continue
			}
		}
		n.awaitingPong = true
		if err := n.conn.Send(model.ServerMessage{Ping: 1}); err != nil {
			p.drop(n, "send", err.Error())
		}
	}
}

// drop removes a node from the pool. A build it was working on is
// reported failed.
func (p *pool) drop(n *node, kind, reason string) {
	delete(p.nodes, n.id)
	for i, idle := range p.idle {
		if idle == n {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	if n.buildId != 0 {
		delete(p.running, n.buildId)
		if !n.aborted {
			p.reporter.BuildOutcome(n.buildId, backend.Outcome{
				Infra:  true,
				Reason: "node " + n.name + " lost: " + reason,
			})
		}
	}
	if err := n.conn.Close(); err != nil {
		p.logger().Debugf("Failed to close connection of node %s: %s", n.name, err)
	}
	metrics.NodesLost.WithLabelValues(p.arch, kind).Inc()
	p.logger().WithField("build_id", n.buildId).Warnf("Dropped node %s: %s", n.name, reason)
}

func (p *pool) abort(buildId int64) error {
	for i, job := range p.queue {
		if job.BuildId == buildId {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.reporter.BuildOutcome(buildId, backend.Outcome{Infra: true, Reason: "aborted before start"})
			return nil
		}
	}
	n, ok := p.running[buildId]
	if !ok {
		return backend.ErrUnknownBuild
	}
	delete(p.running, buildId)
	n.aborted = true
	if err := n.conn.Send(model.ServerMessage{Abort: buildId}); err != nil {
		p.drop(n, "send", err.Error())
	}
	p.reporter.BuildOutcome(buildId, backend.Outcome{Infra: true, Reason: "aborted"})
	return nil
}

func (p *pool) snapshot() snapshot {
	s := snapshot{queued: len(p.queue)}
	for _, n := range p.nodes {
		s.nodes = append(s.nodes, n.info(p.arch))
	}
	return s
}

func (p *pool) updateMetrics() {
	metrics.Nodes.WithLabelValues(p.arch, string(backend.NODE_STATE_IDLE)).Set(float64(len(p.idle)))
	metrics.Nodes.WithLabelValues(p.arch, string(backend.NODE_STATE_RUNNING)).Set(float64(len(p.nodes) - len(p.idle)))
	metrics.QueuedJobs.WithLabelValues(p.arch).Set(float64(len(p.queue)))
}
