package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/signalsfoundry/loopfree-fabric/internal/sim"
	"github.com/signalsfoundry/loopfree-fabric/internal/stp"
	"github.com/signalsfoundry/loopfree-fabric/timectrl"
)

// phase is one scripted step of the demo scenario.
type phase struct {
	At    time.Duration
	Label string
	Apply func(ctx context.Context, s *sim.Simulator) error
}

// defaultPhases fails and restores the Node1-Node2 link, then fails Node3.
func defaultPhases() []phase {
	return []phase{
		{
			At:    5 * time.Second,
			Label: "link failure Node1-Node2",
			Apply: func(ctx context.Context, s *sim.Simulator) error {
				_, err := s.InjectLinkFailure(ctx, "Node1", "Node2")
				return err
			},
		},
		{
			At:    12 * time.Second,
			Label: "link recovery Node1-Node2",
			Apply: func(ctx context.Context, s *sim.Simulator) error {
				_, err := s.InjectLinkRecovery(ctx, "Node1", "Node2")
				return err
			},
		},
		{
			At:    20 * time.Second,
			Label: "node failure Node3",
			Apply: func(ctx context.Context, s *sim.Simulator) error {
				_, err := s.InjectNodeFailure(ctx, "Node3")
				return err
			},
		},
	}
}

// runScenario plays phases against s on the timeline of tc. In accelerated
// mode the controller's ticks step the engines; otherwise the engines run on
// their own loops and the controller only schedules the phases.
func runScenario(ctx context.Context, s *sim.Simulator, tc *timectrl.TimeController, duration time.Duration, accelerated bool, phases []phase, out io.Writer) error {
	if accelerated {
		s.Recompute(ctx)
	} else if err := s.Start(ctx); err != nil {
		return err
	}
	writeSummary(out, "0s initial", s.Summary())

	next := 0
	tc.AddListener(func(_ time.Time, elapsed time.Duration) {
		if accelerated {
			s.Step(ctx)
		}
		for next < len(phases) && elapsed >= phases[next].At {
			p := phases[next]
			next++
			label := fmt.Sprintf("%s %s", p.At, p.Label)
			if err := p.Apply(ctx, s); err != nil {
				fmt.Fprintf(out, "%-32s error: %v\n", label, err)
				continue
			}
			// Report the injected change even when the request fell inside
			// the cooldown.
			s.Recompute(ctx)
			writeSummary(out, label, s.Summary())
		}
	})

	fmt.Fprintf(out, "running scenario: duration=%s tick=%s mode=%s\n", duration, tc.Tick, tc.Mode)
	<-tc.Start(duration, ctx.Done())
	writeSummary(out, "final", s.Summary())

	if accelerated {
		return nil
	}
	return s.Stop()
}

func writeSummary(out io.Writer, label string, sum stp.Summary) {
	links := make([]string, 0, len(sum.Links))
	for _, id := range sum.Links {
		links = append(links, string(id))
	}
	root := sum.RootName
	if root == "" {
		root = "none"
	}
	fmt.Fprintf(out, "%-32s root=%s nodes=%d links=%d [%s]\n",
		label, root, sum.NodeCount, sum.LinkCount, strings.Join(links, " "))
}
