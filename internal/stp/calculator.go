package stp

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/model"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCooldown is the minimum spacing between executed recomputes.
const DefaultCooldown = time.Second

const tracerName = "github.com/signalsfoundry/loopfree-fabric/internal/stp"

// Recompute outcomes reported to Metrics.
const (
	OutcomeExecuted = "executed"
	OutcomeDropped  = "dropped"
)

// Metrics receives recompute outcomes and the fabric counts observed at the
// end of every executed pass.
type Metrics interface {
	ObserveRecompute(outcome string, d time.Duration)
	SetFabricCounts(activeNodes, failedNodes, upLinks, downLinks, treeLinks int)
}

// Result describes one executed recompute.
type Result struct {
	Root model.NodeID
	Tree []model.LinkID
	At   time.Time
}

// Summary is the spanning-tree overview exposed to callers.
type Summary struct {
	RootName  string         `json:"root_node"`
	NodeCount int            `json:"node_count"`
	LinkCount int            `json:"link_count"`
	Links     []model.LinkID `json:"links"`
}

// Calculator re-elects the root, computes the spanning tree and applies the
// resulting port states. Triggers arriving inside the cooldown window are
// dropped, not queued.
type Calculator struct {
	topo *core.Topology

	// mu serialises Request/Recompute so the cooldown check and the pass it
	// guards are atomic. Lock order: Calculator.mu -> Topology.
	mu            sync.Mutex
	lastCompleted time.Time
	executed      int
	dropped       int

	cooldown time.Duration
	clock    timectrl.Clock
	log      logging.Logger
	metrics  Metrics
	tracer   trace.Tracer
}

// Option customises Calculator construction.
type Option func(*Calculator)

// WithCooldown overrides DefaultCooldown. Zero disables coalescing.
func WithCooldown(d time.Duration) Option {
	return func(c *Calculator) {
		if d >= 0 {
			c.cooldown = d
		}
	}
}

// WithClock sets the clock used for cooldown accounting.
func WithClock(clock timectrl.Clock) Option {
	return func(c *Calculator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Calculator) {
		c.log = logging.Component(l, "stp")
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Calculator) {
		c.metrics = m
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Calculator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewCalculator binds a calculator to topo.
func NewCalculator(topo *core.Topology, opts ...Option) *Calculator {
	c := &Calculator{
		topo:     topo,
		cooldown: DefaultCooldown,
		clock:    topo.Clock(),
		log:      logging.Noop(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Request asks for a recompute on behalf of reason. It runs one only when
// the cooldown has elapsed since the last completed recompute and reports
// whether it did.
func (c *Calculator) Request(ctx context.Context, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !c.lastCompleted.IsZero() && now.Sub(c.lastCompleted) < c.cooldown {
		c.dropped++
		if c.metrics != nil {
			c.metrics.ObserveRecompute(OutcomeDropped, 0)
		}
		c.log.Debug(ctx, "recompute request dropped inside cooldown",
			logging.String("reason", reason),
			logging.Duration("since_last", now.Sub(c.lastCompleted)),
		)
		return false
	}
	c.recomputeLocked(ctx, reason)
	return true
}

// Recompute runs a pass unconditionally, bypassing the cooldown.
func (c *Calculator) Recompute(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recomputeLocked(ctx, "forced")
}

func (c *Calculator) recomputeLocked(ctx context.Context, reason string) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := c.tracer.Start(ctx, "stp.Recompute", trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	start := time.Now()
	var res Result
	var counts fabricCounts
	_ = c.topo.Update(func(g *core.Graph) error {
		// Election, tree computation and port application are one pass.
		g.ElectRoot()
		tree := PrimMST(g)
		now := c.clock.Now()
		g.ApplySpanningTree(tree, now)

		res = Result{Root: g.RootID(), Tree: g.SpanningTree(), At: now}
		counts = countFabric(g)
		return nil
	})
	elapsed := time.Since(start)

	c.lastCompleted = c.clock.Now()
	c.executed++

	span.SetAttributes(
		attribute.String("root", string(res.Root)),
		attribute.Int("tree_links", len(res.Tree)),
	)
	if c.metrics != nil {
		c.metrics.ObserveRecompute(OutcomeExecuted, elapsed)
		c.metrics.SetFabricCounts(counts.activeNodes, counts.failedNodes, counts.upLinks, counts.downLinks, len(res.Tree))
	}
	c.log.Info(ctx, "spanning tree recomputed",
		logging.String("reason", reason),
		logging.String("root", string(res.Root)),
		logging.Int("tree_links", len(res.Tree)),
		logging.Duration("took", elapsed),
	)
	return res
}

// Executed returns how many recomputes actually ran.
func (c *Calculator) Executed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Dropped returns how many requests were dropped inside the cooldown.
func (c *Calculator) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Summary reports the current root, active node count and tree edges.
func (c *Calculator) Summary() Summary {
	var s Summary
	_ = c.topo.View(func(g *core.Graph) error {
		if root := g.Root(); root != nil {
			s.RootName = root.Name
		}
		s.NodeCount = len(g.ActiveNodes())
		s.Links = g.SpanningTree()
		s.LinkCount = len(s.Links)
		return nil
	})
	return s
}

type fabricCounts struct {
	activeNodes, failedNodes, upLinks, downLinks int
}

func countFabric(g *core.Graph) fabricCounts {
	var fc fabricCounts
	for _, n := range g.Nodes() {
		if n.IsActive() {
			fc.activeNodes++
		} else {
			fc.failedNodes++
		}
	}
	for _, l := range g.Links() {
		if l.IsUp() {
			fc.upLinks++
		} else {
			fc.downLinks++
		}
	}
	return fc
}
