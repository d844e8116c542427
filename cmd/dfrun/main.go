// Command dfrun assembles a small task graph from flags, runs it through
// the scheduler to completion, and prints profiler output — the one
// concrete driver program the core's §6 exit-code contract (0 on success,
// nonzero with the first-fault message otherwise) applies to.
//
// Grounded on cmd/sublrun/main.go's flag-driven, log.Fatalf-on-error
// shape, adapted from "load a compiled model and execute it" to "build a
// graph from a named pipeline and run it."
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbl8/ufoflow/graph"
	"github.com/sbl8/ufoflow/logging"
	"github.com/sbl8/ufoflow/profiler"
	"github.com/sbl8/ufoflow/resource"
	"github.com/sbl8/ufoflow/scheduler"
	"github.com/sbl8/ufoflow/tasks"
)

func main() {
	var (
		pipeline  = flag.String("pipeline", "identity", "Named pipeline to run: identity, flip-roundtrip, average")
		count     = flag.Int("count", 4, "Number of frames the source generates")
		width     = flag.Int("width", 8, "Frame width")
		height    = flag.Int("height", 8, "Frame height")
		verbose   = flag.Bool("verbose", false, "Enable debug logging")
		timeout   = flag.Duration("timeout", 10*time.Second, "Cancel the run after this long")
		replicas  = flag.Int("replicas", 1, "Replicate eligible GPU chains this many times (§4.3 Expansion)")
	)
	flag.Parse()

	logging.SetLevel(*verbose)

	g, err := buildPipeline(*pipeline, *count, *width, *height)
	if err != nil {
		log.Fatalf("dfrun: %v", err)
	}

	res, err := resource.New(resource.ConfigFromEnv())
	if err != nil {
		log.Fatalf("dfrun: resource manager: %v", err)
	}
	defer res.Close()

	rec := profiler.NewRecorder(prometheus.DefaultRegisterer)

	sched := scheduler.New(scheduler.Options{
		Resources: res,
		GPUQueue:  res.GPUQueueSelector(),
		Replicas:  *replicas,
		Profiler:  rec,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := sched.Run(ctx, g); err != nil {
		fmt.Fprintf(os.Stderr, "dfrun: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("dfrun: completed in %s\n", rec.WallTime())
	for name, stats := range rec.Snapshot() {
		fmt.Printf("  %-20s invocations=%-4d bytes_in=%-8d bytes_out=%-8d cpu=%s idle=%s\n",
			name, stats.Invocations, stats.BytesIn, stats.BytesOut, stats.CPUTime, stats.IdleTime)
	}
}

// buildPipeline assembles one of a small set of named demonstration
// graphs. A persistent, textual graph description format is an explicit
// non-goal; this is the minimal builder surface the core needs to be
// exercised end-to-end.
func buildPipeline(name string, count, width, height int) (*graph.Graph, error) {
	g := graph.New()
	source := tasks.NewSource("source", count, width, height)

	switch name {
	case "identity":
		sink := tasks.NewNull("null")
		if err := g.Connect(source, sink, 0); err != nil {
			return nil, err
		}
	case "flip-roundtrip":
		flip1 := tasks.NewFlip("flip1", tasks.Horizontal)
		flip2 := tasks.NewFlip("flip2", tasks.Horizontal)
		sink := tasks.NewNull("null")
		if err := g.Connect(source, flip1, 0); err != nil {
			return nil, err
		}
		if err := g.Connect(flip1, flip2, 0); err != nil {
			return nil, err
		}
		if err := g.Connect(flip2, sink, 0); err != nil {
			return nil, err
		}
	case "average":
		avg := tasks.NewAverager("averager")
		sink := tasks.NewNull("null")
		if err := g.Connect(source, avg, 0); err != nil {
			return nil, err
		}
		if err := g.Connect(avg, sink, 0); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
