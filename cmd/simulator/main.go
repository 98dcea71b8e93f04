package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/core"
	"github.com/signalsfoundry/loopfree-fabric/internal/config"
	"github.com/signalsfoundry/loopfree-fabric/internal/logging"
	"github.com/signalsfoundry/loopfree-fabric/internal/observability"
	"github.com/signalsfoundry/loopfree-fabric/internal/sim"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $FABRIC_CONFIG)")
	topologyPath := flag.String("topology", "", "path to a YAML topology; a 4-node full mesh when empty")
	scenario := flag.Bool("scenario", false, "run the scripted failure scenario and exit")
	accelerated := flag.Bool("accelerated", false, "run the scenario on simulated time instead of the wall clock")
	metricsAddr := flag.String("metrics-addr", "", "HTTP address for Prometheus /metrics (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *topologyPath != "" {
		cfg.TopologyPath = *topologyPath
	}
	if *scenario {
		cfg.Scenario.Enabled = true
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	log := logging.New(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *accelerated, log, os.Stdout); err != nil {
		log.Error(context.Background(), "simulator exited", logging.Err(err))
		os.Exit(1)
	}
}

// run builds the fabric described by cfg and drives it until ctx is done
// or, with the scenario enabled, until the scenario completes.
func run(ctx context.Context, cfg *config.Config, accelerated bool, log logging.Logger, out io.Writer) error {
	tp, shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewFabricCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.Metrics.Addr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	var clock timectrl.Clock = timectrl.WallClock{}
	var tc *timectrl.TimeController
	if cfg.Scenario.Enabled {
		mode := timectrl.RealTime
		if accelerated {
			mode = timectrl.Accelerated
		}
		tc = timectrl.NewTimeController(time.Now().UTC(), cfg.Scenario.Tick.Duration(), mode)
		if accelerated {
			clock = tc
		}
	}

	topo, err := loadTopology(cfg.TopologyPath, clock, log)
	if err != nil {
		return err
	}

	s := sim.New(topo, cfg.Timers,
		sim.WithLogger(log),
		sim.WithMetrics(collector),
		sim.WithTracerProvider(tp),
	)
	s.OnEvent(func(ev sim.Event) {
		if ev.Kind == sim.EventTopologyChange {
			return
		}
		log.Debug(context.Background(), "fabric event",
			logging.String("kind", string(ev.Kind)),
			logging.String("subject", ev.Subject),
		)
	})

	if !cfg.Scenario.Enabled {
		if err := s.Start(ctx); err != nil {
			return err
		}
		writeSummary(out, "started", s.Summary())
		<-ctx.Done()
		log.Info(context.Background(), "shutting down fabric")
		return s.Stop()
	}
	return runScenario(ctx, s, tc, cfg.Scenario.Duration.Duration(), accelerated, defaultPhases(), out)
}

func loadTopology(path string, clock timectrl.Clock, log logging.Logger) (*core.Topology, error) {
	opts := []core.TopologyOption{core.WithClock(clock), core.WithLogger(log)}
	if path == "" {
		topo, err := core.FullMesh(4, core.DefaultBandwidth, core.DefaultLatency, opts...)
		if err != nil {
			return nil, fmt.Errorf("build default mesh: %w", err)
		}
		log.Info(context.Background(), "using default topology", logging.String("kind", "full_mesh"), logging.Int("nodes", 4))
		return topo, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology %q: %w", path, err)
	}
	defer f.Close()

	topo, summary, err := core.LoadTopology(f, opts...)
	if err != nil {
		return nil, err
	}
	log.Info(context.Background(), "loaded topology",
		logging.String("path", path),
		logging.Int("nodes", len(summary.NodeIDs)),
		logging.Int("links", len(summary.LinkIDs)),
	)
	return topo, nil
}

func serveMetrics(addr string, collector *observability.FabricCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
