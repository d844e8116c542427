// Package profiler implements the per-node counters the scheduler
// maintains while driving a graph (§4.6): invocation count, bytes in/out,
// CPU time, GPU kernel time, and idle time, plus a Prometheus exporter.
//
// The counters themselves are grounded on the teacher's
// runtime.ExecutionStats/Engine.Stats bookkeeping (invocation/byte/time
// tallies updated from the driver loop); the Prometheus surface is new,
// wired in because the retrieval pack's aistore-family repos export
// counters and histograms through client_golang rather than hand-rolling a
// stats struct dump.
package profiler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeStats is one node's read-only counters, snapshotted after scheduler
// exit.
type NodeStats struct {
	Invocations  int64
	BytesIn      int64
	BytesOut     int64
	CPUTime      time.Duration
	GPUKernelTime time.Duration
	IdleTime     time.Duration
}

type nodeCounters struct {
	mu           sync.Mutex
	invocations  int64
	bytesIn      int64
	bytesOut     int64
	cpuTime      time.Duration
	gpuKernelTime time.Duration
	idleTime     time.Duration
}

// Recorder collects NodeStats for every node in a scheduler run and exposes
// them as Prometheus metrics. It is safe for concurrent use by the
// scheduler's per-node driver goroutines.
type Recorder struct {
	mu    sync.Mutex
	nodes map[string]*nodeCounters
	start time.Time
	end   time.Time

	invocationsVec *prometheus.CounterVec
	bytesInVec     *prometheus.CounterVec
	bytesOutVec    *prometheus.CounterVec
	cpuSecondsVec  *prometheus.HistogramVec
	gpuSecondsVec  *prometheus.HistogramVec
	idleSecondsVec *prometheus.HistogramVec
}

// NewRecorder creates a Recorder and registers its Prometheus collectors
// against reg. A nil reg skips registration (useful in tests that only
// want the in-memory snapshot).
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		nodes: make(map[string]*nodeCounters),
		invocationsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_invocations_total",
			Help: "Number of process/reduce/generate invocations per node.",
		}, []string{"node"}),
		bytesInVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_bytes_in_total",
			Help: "Bytes consumed per node.",
		}, []string{"node"}),
		bytesOutVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_bytes_out_total",
			Help: "Bytes produced per node.",
		}, []string{"node"}),
		cpuSecondsVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_cpu_seconds",
			Help: "CPU time spent inside process/reduce/generate per node.",
		}, []string{"node"}),
		gpuSecondsVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_gpu_kernel_seconds",
			Help: "Accumulated OpenCL kernel event time per node.",
		}, []string{"node"}),
		idleSecondsVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ufoflow", Subsystem: "scheduler", Name: "node_idle_seconds",
			Help: "Time spent blocked on input/output queues per node.",
		}, []string{"node"}),
	}
	if reg != nil {
		reg.MustRegister(r.invocationsVec, r.bytesInVec, r.bytesOutVec, r.cpuSecondsVec, r.gpuSecondsVec, r.idleSecondsVec)
	}
	return r
}

func (r *Recorder) counters(node string) *nodeCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.nodes[node]
	if !ok {
		c = &nodeCounters{}
		r.nodes[node] = c
	}
	return c
}

// Start marks the beginning of the scheduler run (§4.5 "wall time from
// first push").
func (r *Recorder) Start() {
	r.mu.Lock()
	r.start = time.Now()
	r.mu.Unlock()
}

// Stop marks scheduler exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.end = time.Now()
	r.mu.Unlock()
}

// WallTime returns the elapsed time between Start and Stop.
func (r *Recorder) WallTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.end.IsZero() {
		return time.Since(r.start)
	}
	return r.end.Sub(r.start)
}

// RecordInvocation tallies one process/reduce/generate call for node,
// along with the bytes it consumed/produced and the CPU time it took.
func (r *Recorder) RecordInvocation(node string, bytesIn, bytesOut int, cpu time.Duration) {
	c := r.counters(node)
	c.mu.Lock()
	c.invocations++
	c.bytesIn += int64(bytesIn)
	c.bytesOut += int64(bytesOut)
	c.cpuTime += cpu
	c.mu.Unlock()

	r.invocationsVec.WithLabelValues(node).Inc()
	r.bytesInVec.WithLabelValues(node).Add(float64(bytesIn))
	r.bytesOutVec.WithLabelValues(node).Add(float64(bytesOut))
	r.cpuSecondsVec.WithLabelValues(node).Observe(cpu.Seconds())
}

// RecordGPUKernel adds dur to node's accumulated OpenCL kernel time.
func (r *Recorder) RecordGPUKernel(node string, dur time.Duration) {
	c := r.counters(node)
	c.mu.Lock()
	c.gpuKernelTime += dur
	c.mu.Unlock()
	r.gpuSecondsVec.WithLabelValues(node).Observe(dur.Seconds())
}

// RecordIdle adds dur to node's time spent blocked on queue pop/push.
func (r *Recorder) RecordIdle(node string, dur time.Duration) {
	c := r.counters(node)
	c.mu.Lock()
	c.idleTime += dur
	c.mu.Unlock()
	r.idleSecondsVec.WithLabelValues(node).Observe(dur.Seconds())
}

// Snapshot returns a read-only copy of every node's counters. Intended to
// be called after the scheduler has exited (§4.6).
func (r *Recorder) Snapshot() map[string]NodeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]NodeStats, len(r.nodes))
	for name, c := range r.nodes {
		c.mu.Lock()
		out[name] = NodeStats{
			Invocations:   c.invocations,
			BytesIn:       c.bytesIn,
			BytesOut:      c.bytesOut,
			CPUTime:       c.cpuTime,
			GPUKernelTime: c.gpuKernelTime,
			IdleTime:      c.idleTime,
		}
		c.mu.Unlock()
	}
	return out
}
