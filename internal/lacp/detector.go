package lacp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

// Defaults for the probe cadence and the acknowledgement timeout.
const (
	DefaultProbeInterval = 10 * time.Millisecond
	DefaultAckTimeout    = 30 * time.Millisecond
)

var ErrAlreadyRunning = errors.New("lacp: detector already running")

// Prober asks the far end of a link for an acknowledgement. Implementations
// must return promptly; they run on the detector loop.
type Prober interface {
	Probe(ctx context.Context, link model.Link, a, b model.Node) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, link model.Link, a, b model.Node) bool

func (f ProberFunc) Probe(ctx context.Context, link model.Link, a, b model.Node) bool {
	return f(ctx, link, a, b)
}

// EndpointProber acknowledges while both endpoint nodes are Active. A failed
// node stops answering.
type EndpointProber struct{}

func (EndpointProber) Probe(_ context.Context, _ model.Link, a, b model.Node) bool {
	return a.IsActive() && b.IsActive()
}

// Metrics receives link transitions and recovered observer panics.
type Metrics interface {
	ObserveLinkTransition(to model.LinkState)
	ObserveCallbackPanic(source string)
}

// DetectorStatus is the externally visible state of the detector.
type DetectorStatus struct {
	Running   bool `json:"running"`
	LinkCount int  `json:"link_count"`
	UpCount   int  `json:"up_count"`
	DownCount int  `json:"down_count"`
}

// Detector polls tracked links and moves them Down after consecutive missed
// acknowledgements. Callbacks fire only on transitions.
type Detector struct {
	topo *core.Topology

	interval time.Duration
	timeout  time.Duration
	clock    timectrl.Clock
	log      logging.Logger
	metrics  Metrics
	prober   Prober

	mu         sync.Mutex
	links      []model.LinkID
	tracked    map[model.LinkID]bool
	onFailure  []func(model.Link)
	onRecovery []func(model.Link)
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

type Option func(*Detector)

// WithProbeInterval sets the polling cadence used by Run.
func WithProbeInterval(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.interval = d
		}
	}
}

// WithAckTimeout sets how stale the last acknowledgement may get before a
// poll counts as a failure.
func WithAckTimeout(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.timeout = d
		}
	}
}

func WithClock(c timectrl.Clock) Option {
	return func(det *Detector) {
		if c != nil {
			det.clock = c
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(det *Detector) {
		det.log = logging.Component(l, "lacp")
	}
}

func WithMetrics(m Metrics) Option {
	return func(det *Detector) {
		det.metrics = m
	}
}

// WithProber replaces EndpointProber.
func WithProber(p Prober) Option {
	return func(det *Detector) {
		if p != nil {
			det.prober = p
		}
	}
}

// NewDetector binds a detector to topo. No link is tracked until Track or
// TrackAll is called.
func NewDetector(topo *core.Topology, opts ...Option) *Detector {
	det := &Detector{
		topo:     topo,
		interval: DefaultProbeInterval,
		timeout:  DefaultAckTimeout,
		clock:    topo.Clock(),
		log:      logging.Noop(),
		prober:   EndpointProber{},
		tracked:  make(map[model.LinkID]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(det)
		}
	}
	return det
}

// Track adds a link to the polling set. Tracking twice is a no-op.
func (det *Detector) Track(id model.LinkID) error {
	if _, err := det.topo.Link(id); err != nil {
		return err
	}
	det.mu.Lock()
	defer det.mu.Unlock()
	if !det.tracked[id] {
		det.tracked[id] = true
		det.links = append(det.links, id)
	}
	return nil
}

// TrackAll tracks every link currently in the topology.
func (det *Detector) TrackAll() {
	for _, id := range det.topo.LinkIDs() {
		_ = det.Track(id)
	}
}

// Untrack removes a link from the polling set.
func (det *Detector) Untrack(id model.LinkID) {
	det.mu.Lock()
	defer det.mu.Unlock()
	if !det.tracked[id] {
		return
	}
	delete(det.tracked, id)
	for i, l := range det.links {
		if l == id {
			det.links = append(det.links[:i], det.links[i+1:]...)
			break
		}
	}
}

func (det *Detector) trackedLinks() []model.LinkID {
	det.mu.Lock()
	defer det.mu.Unlock()
	return append([]model.LinkID(nil), det.links...)
}

// OnFailure registers fn to run on every Up to Down transition.
func (det *Detector) OnFailure(fn func(model.Link)) {
	if fn == nil {
		return
	}
	det.mu.Lock()
	defer det.mu.Unlock()
	det.onFailure = append(det.onFailure, fn)
}

// OnRecovery registers fn to run whenever a link returns to Up.
func (det *Detector) OnRecovery(fn func(model.Link)) {
	if fn == nil {
		return
	}
	det.mu.Lock()
	defer det.mu.Unlock()
	det.onRecovery = append(det.onRecovery, fn)
}

type transition struct {
	link model.Link
	down bool
}

type probe struct {
	link model.Link
	a, b model.Node
}

// polled reports whether Tick probes l. Down and Degraded links hold an
// explicit state that only Acknowledge or SetLinkUp moves.
func polled(l *model.Link) bool {
	return l.State != model.LinkDown && l.State != model.LinkDegraded
}

// Tick polls every tracked link once. Down and Degraded links are skipped.
func (det *Detector) Tick(ctx context.Context) {
	var probes []probe
	_ = det.topo.View(func(g *core.Graph) error {
		for _, id := range det.trackedLinks() {
			l := g.Link(id)
			if l == nil || !polled(l) {
				continue
			}
			a, b := g.Node(l.A.Node), g.Node(l.B.Node)
			if a == nil || b == nil {
				continue
			}
			probes = append(probes, probe{link: *l, a: *a.Clone(), b: *b.Clone()})
		}
		return nil
	})
	if len(probes) == 0 {
		return
	}

	// Probers run outside the topology lock.
	acked := make([]bool, len(probes))
	for i, p := range probes {
		acked[i] = det.safeProbe(ctx, p)
	}

	var changes []transition
	now := det.clock.Now()
	_ = det.topo.Update(func(g *core.Graph) error {
		for i, p := range probes {
			l := g.Link(p.link.ID)
			if l == nil || !polled(l) {
				continue
			}
			if acked[i] {
				l.LastAck = now
			}
			was := l.State
			if now.Sub(l.LastAck) > det.timeout {
				l.AckFailure()
				if was != model.LinkDown && l.State == model.LinkDown {
					g.PruneLink(l.ID)
					changes = append(changes, transition{link: *l, down: true})
				}
				continue
			}
			l.ProbeSuccess()
			if was != model.LinkUp {
				changes = append(changes, transition{link: *l})
			}
		}
		return nil
	})
	det.fire(ctx, changes)
}

func (det *Detector) safeProbe(ctx context.Context, p probe) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			det.panicked(ctx, "prober", r)
			ok = false
		}
	}()
	return det.prober.Probe(ctx, p.link, p.a, p.b)
}

// Acknowledge records an acknowledgement that arrived from outside the
// polling loop. It revives Down links.
func (det *Detector) Acknowledge(ctx context.Context, id model.LinkID) error {
	return det.mutate(ctx, id, func(l *model.Link, now time.Time) {
		l.AckSuccess(now)
	})
}

// SetLinkDown forces the link Down with the failure counter at threshold.
func (det *Detector) SetLinkDown(ctx context.Context, id model.LinkID) error {
	return det.mutate(ctx, id, func(l *model.Link, _ time.Time) {
		l.SetState(model.LinkDown)
	})
}

// SetLinkUp forces the link Up, clearing the failure counter.
func (det *Detector) SetLinkUp(ctx context.Context, id model.LinkID) error {
	return det.mutate(ctx, id, func(l *model.Link, now time.Time) {
		l.SetState(model.LinkUp)
		l.LastAck = now
	})
}

func (det *Detector) mutate(ctx context.Context, id model.LinkID, fn func(*model.Link, time.Time)) error {
	var changes []transition
	now := det.clock.Now()
	err := det.topo.Update(func(g *core.Graph) error {
		l := g.Link(id)
		if l == nil {
			return fmt.Errorf("%w: %q", core.ErrLinkNotFound, id)
		}
		was := l.State
		fn(l, now)
		switch {
		case was != model.LinkDown && l.State == model.LinkDown:
			g.PruneLink(l.ID)
			changes = append(changes, transition{link: *l, down: true})
		case was != model.LinkUp && l.State == model.LinkUp:
			changes = append(changes, transition{link: *l})
		}
		return nil
	})
	if err != nil {
		return err
	}
	det.fire(ctx, changes)
	return nil
}

// fire runs the observers for each transition in order. It never holds the
// topology lock.
func (det *Detector) fire(ctx context.Context, changes []transition) {
	if len(changes) == 0 {
		return
	}
	det.mu.Lock()
	onFailure := append([]func(model.Link){}, det.onFailure...)
	onRecovery := append([]func(model.Link){}, det.onRecovery...)
	det.mu.Unlock()

	for _, c := range changes {
		if det.metrics != nil {
			det.metrics.ObserveLinkTransition(c.link.State)
		}
		if c.down {
			det.log.Warn(ctx, "link down", logging.String("link_id", string(c.link.ID)), logging.Int("fail_count", c.link.FailCount))
			for _, fn := range onFailure {
				det.call(ctx, "failure", fn, c.link)
			}
			continue
		}
		det.log.Info(ctx, "link recovered", logging.String("link_id", string(c.link.ID)))
		for _, fn := range onRecovery {
			det.call(ctx, "recovery", fn, c.link)
		}
	}
}

func (det *Detector) call(ctx context.Context, source string, fn func(model.Link), l model.Link) {
	defer func() {
		if r := recover(); r != nil {
			det.panicked(ctx, source, r)
		}
	}()
	fn(l)
}

func (det *Detector) panicked(ctx context.Context, source string, r any) {
	if det.metrics != nil {
		det.metrics.ObserveCallbackPanic("lacp_" + source)
	}
	det.log.Error(ctx, "callback panicked", logging.String("source", source), logging.Any("panic", r))
}

// Run polls every probe interval until ctx is cancelled or Stop is called.
func (det *Detector) Run(ctx context.Context) error {
	det.mu.Lock()
	if det.running {
		det.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	det.running, det.cancel, det.done = true, cancel, make(chan struct{})
	done := det.done
	det.mu.Unlock()

	defer func() {
		det.mu.Lock()
		det.running, det.cancel = false, nil
		det.mu.Unlock()
		cancel()
		close(done)
	}()

	det.log.Info(ctx, "failure detector started",
		logging.Duration("probe_interval", det.interval),
		logging.Duration("ack_timeout", det.timeout),
		logging.Int("links", len(det.trackedLinks())),
	)
	ticker := time.NewTicker(det.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			det.log.Info(context.Background(), "failure detector stopped")
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			det.Tick(ctx)
		}
	}
}

// Stop cancels a running loop and waits for it to exit. It must not be
// called from a callback.
func (det *Detector) Stop() {
	det.mu.Lock()
	cancel, done := det.cancel, det.done
	det.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (det *Detector) Running() bool {
	det.mu.Lock()
	defer det.mu.Unlock()
	return det.running
}

// Status counts tracked links by state. Anything not Up counts as down.
func (det *Detector) Status() DetectorStatus {
	st := DetectorStatus{Running: det.Running()}
	_ = det.topo.View(func(g *core.Graph) error {
		for _, id := range det.trackedLinks() {
			l := g.Link(id)
			if l == nil {
				continue
			}
			st.LinkCount++
			if l.IsUp() {
				st.UpCount++
			} else {
				st.DownCount++
			}
		}
		return nil
	})
	return st
}
