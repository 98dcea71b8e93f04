package bpdu

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

// Defaults for the hello cadence and the silence tolerated before a node is
// declared failed.
const (
	DefaultHelloInterval = 500 * time.Millisecond
	DefaultMaxAge        = 3 * time.Second
)

// Control message results reported to Metrics.
const (
	ResultProcessed = "processed"
	ResultDropped   = "dropped"
	ResultStale     = "stale"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("bpdu: engine already running")

// Metrics receives per-message results, liveness failures and recovered
// observer panics.
type Metrics interface {
	ObserveControlMessage(result string)
	ObserveLivenessFailure()
	ObserveCallbackPanic(source string)
}

// EngineStatus is the externally visible state of the engine.
type EngineStatus struct {
	Running     bool `json:"running"`
	NodeCount   int  `json:"node_count"`
	ActiveNodes int  `json:"active_nodes"`
	FailedNodes int  `json:"failed_nodes"`
}

// Engine converges every Active node's root and cost belief by exchanging
// hello messages over Up links, and fails nodes that fall silent.
type Engine struct {
	topo *core.Topology

	hello  time.Duration
	maxAge time.Duration
	clock  timectrl.Clock
	log    logging.Logger
	metric Metrics
	wire   bool

	mu        sync.Mutex
	tracked   []model.NodeID
	isTracked map[model.NodeID]bool
	onChange  []func()
	onFailure []func(model.Node)
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises Engine construction.
type Option func(*Engine)

// WithHelloInterval sets the hello cadence used by Run.
func WithHelloInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hello = d
		}
	}
}

// WithMaxAge sets how long a node may stay silent before it is failed.
func WithMaxAge(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxAge = d
		}
	}
}

// WithClock sets the clock used for heartbeats and liveness.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.log = logging.Component(l, "bpdu")
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metric = m
	}
}

// WithWireEncoding routes every in-process message through the binary
// codec. Node IDs longer than eight bytes do not survive the round trip.
func WithWireEncoding(on bool) Option {
	return func(e *Engine) {
		e.wire = on
	}
}

// NewEngine binds an engine to topo. Until Track is called every node in
// the topology is subject to liveness checks.
func NewEngine(topo *core.Topology, opts ...Option) *Engine {
	e := &Engine{
		topo:      topo,
		hello:     DefaultHelloInterval,
		maxAge:    DefaultMaxAge,
		clock:     topo.Clock(),
		log:       logging.Noop(),
		isTracked: make(map[model.NodeID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Track restricts liveness checks to the given nodes, in addition to any
// tracked earlier. The node's heartbeat is refreshed so it gets a full max
// age before its first check.
func (e *Engine) Track(ids ...model.NodeID) error {
	now := e.clock.Now()
	err := e.topo.Update(func(g *core.Graph) error {
		for _, id := range ids {
			n := g.Node(id)
			if n == nil {
				return fmt.Errorf("%w: %q", core.ErrNodeNotFound, id)
			}
			n.Touch(now)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if !e.isTracked[id] {
			e.isTracked[id] = true
			e.tracked = append(e.tracked, id)
		}
	}
	return nil
}

// OnTopologyChange registers fn to run after every belief change. Observers
// run in registration order.
func (e *Engine) OnTopologyChange(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = append(e.onChange, fn)
}

// OnNodeFailure registers fn to run when liveness fails a node. fn receives
// a copy of the node.
func (e *Engine) OnNodeFailure(fn func(model.Node)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailure = append(e.onFailure, fn)
}

// events collects what a locked pass observed so observers can be notified
// after the topology lock is released.
type events struct {
	changes int
	failed  []model.Node
}

// Tick runs one hello round followed by a liveness sweep.
func (e *Engine) Tick(ctx context.Context) {
	var ev events
	now := e.clock.Now()
	_ = e.topo.Update(func(g *core.Graph) error {
		for _, n := range g.ActiveNodes() {
			for _, p := range n.OrderedPorts() {
				link := g.PortLink(p.Ref())
				if link == nil || !link.IsUp() {
					continue
				}
				far, ok := link.OtherPort(p.Ref())
				if !ok {
					continue
				}
				root := n.RootID
				if root == "" {
					root = n.ID
				}
				msg := Message{
					ProtocolID: ProtocolID,
					RootID:     root,
					SenderID:   n.ID,
					PortID:     p.ID,
					Cost:       n.RootPathCost,
					MaxAge:     e.maxAge,
					HelloTime:  e.hello,
				}
				if e.wire {
					frame, _ := msg.MarshalBinary()
					e.deliverFrameLocked(ctx, g, far, frame, now, &ev)
					continue
				}
				e.deliverLocked(ctx, g, far, msg, now, &ev)
			}
		}
		e.sweepLocked(ctx, g, now, &ev)
		return nil
	})
	e.notify(ctx, ev)
}

// Receive delivers an externally sourced message to the port at to.
func (e *Engine) Receive(ctx context.Context, to model.PortRef, msg Message) {
	var ev events
	now := e.clock.Now()
	_ = e.topo.Update(func(g *core.Graph) error {
		e.deliverLocked(ctx, g, to, msg, now, &ev)
		return nil
	})
	e.notify(ctx, ev)
}

// ReceiveFrame decodes and delivers a wire frame. Frames that do not decode
// are dropped without error.
func (e *Engine) ReceiveFrame(ctx context.Context, to model.PortRef, frame []byte) {
	var ev events
	now := e.clock.Now()
	_ = e.topo.Update(func(g *core.Graph) error {
		e.deliverFrameLocked(ctx, g, to, frame, now, &ev)
		return nil
	})
	e.notify(ctx, ev)
}

func (e *Engine) deliverFrameLocked(ctx context.Context, g *core.Graph, to model.PortRef, frame []byte, now time.Time, ev *events) {
	var msg Message
	if err := msg.UnmarshalBinary(frame); err != nil {
		e.observe(ResultDropped)
		e.log.Debug(ctx, "dropping control frame",
			logging.String("port", to.String()),
			logging.Err(err),
		)
		return
	}
	e.deliverLocked(ctx, g, to, msg, now, ev)
}

func (e *Engine) deliverLocked(ctx context.Context, g *core.Graph, to model.PortRef, msg Message, now time.Time, ev *events) {
	if msg.ProtocolID != ProtocolID {
		e.observe(ResultDropped)
		return
	}
	port := g.Port(to)
	if port == nil {
		e.observe(ResultDropped)
		e.log.Debug(ctx, "control message for unknown port", logging.String("port", to.String()))
		return
	}
	port.RecordBPDU(now)

	// Stale information says nothing about the sender being alive now.
	if msg.Expired() {
		e.observe(ResultStale)
	} else if sender := g.Node(msg.SenderID); sender != nil {
		sender.Touch(now)
	}

	node := g.Node(to.Node)
	if node == nil || !node.IsActive() {
		return
	}
	if e.process(node, port.ID, msg) {
		ev.changes++
		e.log.Debug(ctx, "root belief changed",
			logging.String("node_id", string(node.ID)),
			logging.String("root_id", string(node.RootID)),
			logging.Int("cost", int(node.RootPathCost)),
			logging.Int("parent_port", int(node.ParentPort)),
		)
	}
	if !msg.Expired() {
		e.observe(ResultProcessed)
	}
}

// process applies the receive rules to node and reports whether its belief
// changed.
func (e *Engine) process(node *model.Node, port model.PortID, msg Message) bool {
	// Saturate so a frame advertising the maximum cost cannot wrap to zero.
	candidate := msg.Cost
	if candidate < math.MaxUint32 {
		candidate++
	}

	// 1. No belief yet: take whatever is offered.
	// 2. Strictly better root.
	if node.RootID == "" || msg.RootID.Less(node.RootID) {
		adopt(node, port, msg.RootID, candidate)
		return true
	}

	// 3. Same root: cheaper path, or an equal one through a smaller sender.
	if msg.RootID != node.RootID {
		return false
	}
	switch {
	case candidate < node.RootPathCost:
		node.RootPathCost = candidate
		node.SetParent(port)
		return true
	case candidate == node.RootPathCost && msg.SenderID < node.ID:
		// No hysteresis: two equal-cost smaller senders take turns.
		node.SetParent(port)
		return true
	}
	return false
}

// adopt switches node to root. A node told that it is the root itself sits
// at cost zero with no parent.
func adopt(node *model.Node, port model.PortID, root model.NodeID, cost uint32) {
	if root == node.ID {
		node.RootID = root
		node.RootPathCost = 0
		node.HasParent = false
		node.ParentPort = 0
		return
	}
	node.RootID = root
	node.RootPathCost = cost
	node.SetParent(port)
}

func (e *Engine) sweepLocked(ctx context.Context, g *core.Graph, now time.Time, ev *events) {
	for _, id := range e.liveCandidates(g) {
		n := g.Node(id)
		if n == nil || !n.IsActive() {
			continue
		}
		silent := now.Sub(n.LastHeartbeat)
		if silent <= e.maxAge {
			continue
		}
		_ = g.FailNode(id)
		ev.failed = append(ev.failed, *n.Clone())
		ev.changes++
		if e.metric != nil {
			e.metric.ObserveLivenessFailure()
		}
		e.log.Warn(ctx, "node silent past max age, marking failed",
			logging.String("node_id", string(id)),
			logging.Duration("silent_for", silent),
		)
	}
}

// liveCandidates returns the nodes subject to liveness checks: the tracked
// set, or every node when nothing was tracked explicitly.
func (e *Engine) liveCandidates(g *core.Graph) []model.NodeID {
	e.mu.Lock()
	tracked := append([]model.NodeID(nil), e.tracked...)
	e.mu.Unlock()
	if len(tracked) > 0 {
		return tracked
	}
	nodes := g.Nodes()
	out := make([]model.NodeID, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func (e *Engine) observe(result string) {
	if e.metric != nil {
		e.metric.ObserveControlMessage(result)
	}
}

// notify fires node-failure observers, then one topology-change round per
// change recorded, outside the topology lock.
func (e *Engine) notify(ctx context.Context, ev events) {
	if ev.changes == 0 && len(ev.failed) == 0 {
		return
	}
	e.mu.Lock()
	onChange := append([]func(){}, e.onChange...)
	onFailure := append([]func(model.Node){}, e.onFailure...)
	e.mu.Unlock()

	for _, n := range ev.failed {
		for _, fn := range onFailure {
			e.safeCall(ctx, "node_failure", func() { fn(n) })
		}
	}
	for i := 0; i < ev.changes; i++ {
		for _, fn := range onChange {
			e.safeCall(ctx, "topology_change", fn)
		}
	}
}

func (e *Engine) safeCall(ctx context.Context, source string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if e.metric != nil {
				e.metric.ObserveCallbackPanic("bpdu_" + source)
			}
			e.log.Error(ctx, "observer panicked",
				logging.String("source", source),
				logging.Any("panic", r),
			)
		}
	}()
	fn()
}

// Run ticks every hello interval until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running, e.cancel, e.done = true, cancel, make(chan struct{})
	done := e.done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running, e.cancel = false, nil
		e.mu.Unlock()
		cancel()
		close(done)
	}()

	e.log.Info(ctx, "propagation engine started",
		logging.Duration("hello_interval", e.hello),
		logging.Duration("max_age", e.maxAge),
	)
	ticker := time.NewTicker(e.hello)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info(context.Background(), "propagation engine stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			e.Tick(ctx)
		}
	}
}

// Stop cancels a running loop and waits for it to exit. It must not be
// called from an observer.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether Run is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status reports the running flag and node counts over the liveness set.
func (e *Engine) Status() EngineStatus {
	st := EngineStatus{Running: e.Running()}
	_ = e.topo.View(func(g *core.Graph) error {
		for _, id := range e.liveCandidates(g) {
			n := g.Node(id)
			if n == nil {
				continue
			}
			st.NodeCount++
			if n.IsActive() {
				st.ActiveNodes++
			} else {
				st.FailedNodes++
			}
		}
		return nil
	})
	return st
}
