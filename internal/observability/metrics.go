package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/loopfree-fabric/model"
)

// FabricCollector bundles the Prometheus metrics of the fabric engines. It
// satisfies the Metrics interfaces of the stp, bpdu and lacp packages.
type FabricCollector struct {
	gatherer prometheus.Gatherer

	Nodes     *prometheus.GaugeVec
	Links     *prometheus.GaugeVec
	TreeLinks prometheus.Gauge

	Recomputes        *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram
	LinkTransitions   *prometheus.CounterVec
	ControlMessages   *prometheus.CounterVec
	LivenessFailures  prometheus.Counter
	CallbackPanics    *prometheus.CounterVec
}

// NewFabricCollector registers fabric metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewFabricCollector(reg prometheus.Registerer) (*FabricCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	nodes, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_nodes",
		Help: "Current number of nodes, labeled by state (active or failed).",
	}, []string{"state"}), "fabric_nodes")
	if err != nil {
		return nil, err
	}
	links, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fabric_links",
		Help: "Current number of links, labeled by state (up or down).",
	}, []string{"state"}), "fabric_links")
	if err != nil {
		return nil, err
	}
	tree, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_spanning_tree_links",
		Help: "Number of links in the current spanning tree.",
	}), "fabric_spanning_tree_links")
	if err != nil {
		return nil, err
	}

	recomputes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_recomputes_total",
		Help: "Spanning-tree recompute requests, labeled by outcome (executed or dropped).",
	}, []string{"outcome"}), "fabric_recomputes_total")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_recompute_duration_seconds",
		Help:    "Duration of executed spanning-tree recomputes.",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
	}), "fabric_recompute_duration_seconds")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_link_transitions_total",
		Help: "Link state transitions seen by the failure detector, labeled by target state.",
	}, []string{"to"}), "fabric_link_transitions_total")
	if err != nil {
		return nil, err
	}
	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_control_messages_total",
		Help: "Control messages received, labeled by result (processed, dropped or stale).",
	}, []string{"result"}), "fabric_control_messages_total")
	if err != nil {
		return nil, err
	}
	liveness, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fabric_node_liveness_failures_total",
		Help: "Nodes failed because they stayed silent past max age.",
	}), "fabric_node_liveness_failures_total")
	if err != nil {
		return nil, err
	}
	panics, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_callback_panics_total",
		Help: "Recovered panics from observer callbacks, labeled by source.",
	}, []string{"source"}), "fabric_callback_panics_total")
	if err != nil {
		return nil, err
	}

	return &FabricCollector{
		gatherer:          gatherer,
		Nodes:             nodes,
		Links:             links,
		TreeLinks:         tree,
		Recomputes:        recomputes,
		RecomputeDuration: duration,
		LinkTransitions:   transitions,
		ControlMessages:   messages,
		LivenessFailures:  liveness,
		CallbackPanics:    panics,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *FabricCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *FabricCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRecompute counts a recompute request and, when it ran, its duration.
func (c *FabricCollector) ObserveRecompute(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Recomputes.WithLabelValues(outcome).Inc()
	if outcome == outcomeExecuted {
		c.RecomputeDuration.Observe(d.Seconds())
	}
}

// outcomeExecuted mirrors stp.OutcomeExecuted; observability sits below stp
// in the import graph.
const outcomeExecuted = "executed"

// SetFabricCounts drives the node, link and tree gauges.
func (c *FabricCollector) SetFabricCounts(activeNodes, failedNodes, upLinks, downLinks, treeLinks int) {
	if c == nil {
		return
	}
	c.Nodes.WithLabelValues("active").Set(float64(activeNodes))
	c.Nodes.WithLabelValues("failed").Set(float64(failedNodes))
	c.Links.WithLabelValues("up").Set(float64(upLinks))
	c.Links.WithLabelValues("down").Set(float64(downLinks))
	c.TreeLinks.Set(float64(treeLinks))
}

func (c *FabricCollector) ObserveLinkTransition(to model.LinkState) {
	if c == nil {
		return
	}
	c.LinkTransitions.WithLabelValues(string(to)).Inc()
}

func (c *FabricCollector) ObserveControlMessage(result string) {
	if c == nil {
		return
	}
	c.ControlMessages.WithLabelValues(result).Inc()
}

func (c *FabricCollector) ObserveLivenessFailure() {
	if c == nil {
		return
	}
	c.LivenessFailures.Inc()
}

func (c *FabricCollector) ObserveCallbackPanic(source string) {
	if c == nil {
		return
	}
	c.CallbackPanics.WithLabelValues(source).Inc()
}
