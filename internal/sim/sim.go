// Package sim wires the failure detector, the propagation engine and the
// spanning-tree calculator around one topology and exposes the
// administrative facade used by the simulator binary.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/internal/bpdu"
	"github.com/signalsfoundry/loopfree-fabric/internal/config"
	"github.com/signalsfoundry/loopfree-fabric/internal/lacp"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/internal/stp"
	"github.com/signalsfoundry/loopfree-fabric/model"
)

// ErrAlreadyRunning is returned by Start while the loops are running.
var ErrAlreadyRunning = errors.New("simulator already running")

// EventKind classifies a fabric event.
type EventKind string

const (
	EventLinkFailure    EventKind = "link_failure"
	EventLinkRecovery   EventKind = "link_recovery"
	EventNodeFailure    EventKind = "node_failure"
	EventNodeRecovery   EventKind = "node_recovery"
	EventTopologyChange EventKind = "topology_change"
	EventRecompute      EventKind = "recompute"
)

// Event is published to OnEvent observers. Subject is the link or node ID
// the event is about; it is empty for topology changes and carries the
// elected root for recomputes.
type Event struct {
	Kind    EventKind `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

// Metrics is everything the three engines record.
type Metrics interface {
	stp.Metrics
	bpdu.Metrics
	lacp.Metrics
}

// Option customises Simulator construction.
type Option func(*options)

type options struct {
	log          logging.Logger
	metrics      Metrics
	tracer       trace.TracerProvider
	prober       lacp.Prober
	wireEncoding bool
}

// WithLogger shares l with every engine.
func WithLogger(l logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics shares m with every engine.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracerProvider sets the provider recompute spans are started on.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracer = tp
	}
}

// WithProber replaces the detector's endpoint prober.
func WithProber(p lacp.Prober) Option {
	return func(o *options) {
		o.prober = p
	}
}

// WithWireEncoding makes the engine exchange encoded frames.
func WithWireEncoding(on bool) Option {
	return func(o *options) {
		o.wireEncoding = on
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

// Simulator owns the engines running against one topology.
type Simulator struct {
	topo     *core.Topology
	detector *lacp.Detector
	engine   *bpdu.Engine
	calc     *stp.Calculator
	log      logging.Logger
	metrics  Metrics

	obsMu     sync.Mutex
	observers []subscriber
	nextSubID int

	// mu guards the run state. It is never held while a loop runs a tick.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the engines for topo using the timer settings in timers. The
// engines share the topology clock, the logger and the metrics recorder.
func New(topo *core.Topology, timers config.TimersConfig, opts ...Option) *Simulator {
	o := options{log: logging.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	s := &Simulator{
		topo:    topo,
		log:     logging.Component(o.log, "sim"),
		metrics: o.metrics,
		ctx:     context.Background(),
	}

	detOpts := []lacp.Option{
		lacp.WithClock(topo.Clock()),
		lacp.WithLogger(o.log),
		lacp.WithProbeInterval(timers.ProbeInterval.Duration()),
		lacp.WithAckTimeout(timers.AckTimeout.Duration()),
	}
	engOpts := []bpdu.Option{
		bpdu.WithClock(topo.Clock()),
		bpdu.WithLogger(o.log),
		bpdu.WithHelloInterval(timers.HelloInterval.Duration()),
		bpdu.WithMaxAge(timers.MaxAge.Duration()),
		bpdu.WithWireEncoding(o.wireEncoding),
	}
	calcOpts := []stp.Option{
		stp.WithClock(topo.Clock()),
		stp.WithLogger(o.log),
		stp.WithCooldown(timers.Cooldown.Duration()),
		stp.WithTracerProvider(o.tracer),
	}
	if o.metrics != nil {
		detOpts = append(detOpts, lacp.WithMetrics(o.metrics))
		engOpts = append(engOpts, bpdu.WithMetrics(o.metrics))
		calcOpts = append(calcOpts, stp.WithMetrics(o.metrics))
	}
	if o.prober != nil {
		detOpts = append(detOpts, lacp.WithProber(o.prober))
	}

	s.detector = lacp.NewDetector(topo, detOpts...)
	s.engine = bpdu.NewEngine(topo, engOpts...)
	s.calc = stp.NewCalculator(topo, calcOpts...)
	s.detector.TrackAll()

	s.detector.OnFailure(func(l model.Link) {
		s.trigger(EventLinkFailure, string(l.ID))
	})
	s.detector.OnRecovery(func(l model.Link) {
		s.trigger(EventLinkRecovery, string(l.ID))
	})
	s.engine.OnNodeFailure(func(n model.Node) {
		s.trigger(EventNodeFailure, string(n.ID))
	})
	s.engine.OnTopologyChange(func() {
		s.trigger(EventTopologyChange, "")
	})
	return s
}

// Topology returns the topology the simulator drives.
func (s *Simulator) Topology() *core.Topology {
	return s.topo
}

// OnEvent registers fn for every published event and returns a function
// that removes it. Observers run in registration order on the goroutine that
// produced the event and must not call Stop.
func (s *Simulator) OnEvent(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.observers = append(s.observers, subscriber{id: id, fn: fn})

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, sub := range s.observers {
			if sub.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// trigger publishes the event and asks for a recompute.
func (s *Simulator) trigger(kind EventKind, subject string) {
	s.publish(kind, subject)
	s.request(s.runContext(), string(kind))
}

func (s *Simulator) request(ctx context.Context, reason string) {
	if s.calc.Request(ctx, reason) {
		s.publish(EventRecompute, string(s.rootID()))
	}
}

func (s *Simulator) publish(kind EventKind, subject string) {
	ev := Event{Kind: kind, Subject: subject, At: s.topo.Clock().Now()}
	s.obsMu.Lock()
	observers := append([]subscriber(nil), s.observers...)
	s.obsMu.Unlock()
	for _, sub := range observers {
		s.deliver(sub.fn, ev)
	}
}

func (s *Simulator) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			if s.metrics != nil {
				s.metrics.ObserveCallbackPanic("sim_event")
			}
			s.log.Error(context.Background(), "event observer panicked",
				logging.String("kind", string(ev.Kind)),
				logging.Any("panic", r),
			)
		}
	}()
	fn(ev)
}

func (s *Simulator) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Simulator) rootID() model.NodeID {
	var id model.NodeID
	_ = s.topo.View(func(g *core.Graph) error {
		id = g.RootID()
		return nil
	})
	return id
}

//
// ---------- Lifecycle ----------
//

// Start runs an unconditional recompute and then both periodic loops until
// ctx is cancelled or Stop is called.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.group != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = gctx, cancel, g
	s.mu.Unlock()

	res := s.calc.Recompute(gctx)
	s.publish(EventRecompute, string(res.Root))
	s.log.Info(gctx, "fabric started",
		logging.String("root", string(res.Root)),
		logging.Int("tree_links", len(res.Tree)),
	)

	g.Go(func() error { return s.detector.Run(gctx) })
	g.Go(func() error { return s.engine.Run(gctx) })
	return nil
}

// Wait blocks until both loops have exited and returns the first error.
func (s *Simulator) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels both loops and waits for them. Once it returns no loop
// touches the topology.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()

	s.mu.Lock()
	s.ctx, s.cancel, s.group = context.Background(), nil, nil
	s.mu.Unlock()
	s.log.Info(context.Background(), "fabric stopped")
	return err
}

// Running reports whether the loops were started and not yet stopped.
func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group != nil
}

// Step runs one detector tick followed by one engine tick on the calling
// goroutine. It is meant for callers that drive time themselves and must not
// be mixed with Start.
func (s *Simulator) Step(ctx context.Context) {
	s.detector.Tick(ctx)
	s.engine.Tick(ctx)
}

// Recompute forces a recompute outside the cooldown.
func (s *Simulator) Recompute(ctx context.Context) stp.Result {
	res := s.calc.Recompute(ctx)
	s.publish(EventRecompute, string(res.Root))
	return res
}

//
// ---------- Administrative facade ----------
//
// Each command mutates the topology, publishes the matching event and then
// requests a recompute. Not-found errors are returned unchanged. Recovering a
// node also acknowledges its Down links towards Active neighbours.

// FailNode marks a node Failed.
func (s *Simulator) FailNode(ctx context.Context, id model.NodeID) error {
	if err := s.topo.FailNode(id); err != nil {
		return err
	}
	s.publish(EventNodeFailure, string(id))
	s.request(ctx, "admin_fail_node")
	return nil
}

// RecoverNode marks a node Active again.
func (s *Simulator) RecoverNode(ctx context.Context, id model.NodeID) error {
	if err := s.topo.RecoverNode(id); err != nil {
		return err
	}
	s.publish(EventNodeRecovery, string(id))
	s.reviveLinks(ctx, id)
	s.request(ctx, "admin_recover_node")
	return nil
}

// reviveLinks acknowledges every Down link of a recovered node whose far end
// is Active.
func (s *Simulator) reviveLinks(ctx context.Context, id model.NodeID) {
	var down []model.LinkID
	_ = s.topo.View(func(g *core.Graph) error {
		for _, l := range g.NodeLinks(id) {
			if l.State != model.LinkDown {
				continue
			}
			far, ok := l.Other(id)
			if !ok {
				continue
			}
			if n := g.Node(far.Node); n != nil && n.IsActive() {
				down = append(down, l.ID)
			}
		}
		return nil
	})
	for _, lid := range down {
		if err := s.detector.Acknowledge(ctx, lid); err != nil {
			s.log.Warn(ctx, "revive link failed", logging.String("link_id", string(lid)), logging.Err(err))
		}
	}
}

// SetLinkState applies an administrative link state. Up and Down go through
// the detector so its counters and edge events stay consistent.
func (s *Simulator) SetLinkState(ctx context.Context, id model.LinkID, state model.LinkState) error {
	var err error
	switch state {
	case model.LinkDown:
		err = s.detector.SetLinkDown(ctx, id)
	case model.LinkUp:
		err = s.detector.SetLinkUp(ctx, id)
	default:
		err = s.topo.SetLinkState(id, state)
	}
	if err != nil {
		return err
	}
	s.request(ctx, "admin_set_link_state")
	return nil
}

// ToggleLink flips a link and returns its new state.
func (s *Simulator) ToggleLink(ctx context.Context, id model.LinkID) (model.LinkState, error) {
	next, err := s.topo.ToggleLink(id)
	if err != nil {
		return "", err
	}
	kind := EventLinkRecovery
	if next == model.LinkDown {
		kind = EventLinkFailure
	}
	s.publish(kind, string(id))
	s.request(ctx, "admin_toggle_link")
	return next, nil
}

// InjectLinkFailure forces the link between two named nodes Down.
func (s *Simulator) InjectLinkFailure(ctx context.Context, nameA, nameB string) (model.LinkID, error) {
	id, err := s.topo.InjectLinkFailure(nameA, nameB)
	if err != nil {
		return "", err
	}
	s.publish(EventLinkFailure, string(id))
	s.request(ctx, "inject_link_failure")
	return id, nil
}

// InjectLinkRecovery brings the link between two named nodes back Up.
func (s *Simulator) InjectLinkRecovery(ctx context.Context, nameA, nameB string) (model.LinkID, error) {
	id, err := s.topo.InjectLinkRecovery(nameA, nameB)
	if err != nil {
		return "", err
	}
	s.publish(EventLinkRecovery, string(id))
	s.request(ctx, "inject_link_recovery")
	return id, nil
}

// InjectNodeFailure fails the node with the given display name.
func (s *Simulator) InjectNodeFailure(ctx context.Context, name string) (model.NodeID, error) {
	id, err := s.topo.InjectNodeFailure(name)
	if err != nil {
		return "", err
	}
	s.publish(EventNodeFailure, string(id))
	s.request(ctx, "inject_node_failure")
	return id, nil
}

// InjectNodeRecovery re-activates the node with the given display name.
func (s *Simulator) InjectNodeRecovery(ctx context.Context, name string) (model.NodeID, error) {
	id, err := s.topo.InjectNodeRecovery(name)
	if err != nil {
		return "", err
	}
	s.publish(EventNodeRecovery, string(id))
	s.reviveLinks(ctx, id)
	s.request(ctx, "inject_node_recovery")
	return id, nil
}

//
// ---------- Queries ----------
//

// Snapshot returns a coherent copy of the topology.
func (s *Simulator) Snapshot() *core.Snapshot {
	return s.topo.Snapshot()
}

// Summary reports the current root and tree edges.
func (s *Simulator) Summary() stp.Summary {
	return s.calc.Summary()
}

// DetectorStatus reports the detector state.
func (s *Simulator) DetectorStatus() lacp.DetectorStatus {
	return s.detector.Status()
}

// EngineStatus reports the propagation engine state.
func (s *Simulator) EngineStatus() bpdu.EngineStatus {
	return s.engine.Status()
}

// Recomputes returns how many recomputes ran and how many requests were
// dropped inside the cooldown.
func (s *Simulator) Recomputes() (executed, dropped int) {
	return s.calc.Executed(), s.calc.Dropped()
}
