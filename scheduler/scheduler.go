// Package scheduler drives a frozen task graph: one goroutine per node,
// bounded per-edge queues, EOF/ABORT sentinel propagation, and first-fault
// semantics (§4.5).
//
// The driver loop is grounded on the teacher's runtime.Engine.worker /
// runtime.Engine.runStreaming pattern (one goroutine per unit of work,
// result funneled back through a channel, a sync.WaitGroup closing the
// run), generalized from the teacher's fixed "TaskGroup" levels to an
// arbitrary per-node loop, and from its raw sync.WaitGroup bookkeeping to
// golang.org/x/sync/errgroup so the first node error cancels every other
// driver's context instead of requiring hand-written cancellation
// plumbing — errgroup is part of the ecosystem stack the retrieval pack's
// aistore-family repos already pull in for the same reason.
package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/errs"
	"github.com/sbl8/ufoflow/graph"
	"github.com/sbl8/ufoflow/logging"
	"github.com/sbl8/ufoflow/profiler"
)

// signal distinguishes a normal data envelope from the two sentinels that
// flow down an edge once a node has nothing left to produce.
type signal int

const (
	sigData signal = iota
	sigEOF
	sigAbort
)

type envelope struct {
	sig signal
	buf *buffer.Buffer
}

// Options configures a Scheduler run.
type Options struct {
	// QueueDepth is the bounded capacity of every edge's FIFO (§4.5 default 2).
	QueueDepth int
	// Resources is the ResourceManager every node's Setup receives and the
	// scheduler uses to acquire/release output buffers.
	Resources graph.Resources
	// GPUQueue, if non-nil, is consulted to decide whether a node bound to
	// CapableGPU should use a device command queue. With a nil GPUQueue (or
	// one that answers nil) every dual-mode node runs on its CPU path, and a
	// graph.GPUBound node that sets CapableGPU without CapableCPU fails Run
	// with errs.SetupFailed.
	GPUQueue func(node graph.TaskNode) buffer.DeviceQueue
	// Replicas, when > 1, is passed to graph.Expand before the graph is
	// frozen, replicating every eligible GPU chain (§4.3). 0 or 1 disables
	// expansion and runs g exactly as given.
	Replicas int
	// Profiler records per-node counters; a nil Profiler disables recording.
	Profiler *profiler.Recorder
}

func (o Options) queueDepth() int {
	if o.QueueDepth > 0 {
		return o.QueueDepth
	}
	return 2
}

// Scheduler runs a frozen graph to completion or first fault.
type Scheduler struct {
	opts Options

	faultOnce sync.Once
	fault     atomic.Value // *errs.Fault
}

// New constructs a Scheduler with the given options.
func New(opts Options) *Scheduler {
	return &Scheduler{opts: opts}
}

// Run binds g's nodes to driver goroutines and runs them to completion.
// ctx cancellation is propagated as an ABORT injected at every source node,
// matching external cancel semantics (§5 Cancellation). Run returns the
// first fault recorded by any driver, or nil on clean termination.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) error {
	if s.opts.Replicas > 1 {
		expanded, err := graph.Expand(g, s.opts.Replicas)
		if err != nil {
			return err
		}
		g = expanded
	}

	if err := g.Freeze(); err != nil {
		return err
	}

	if s.opts.Profiler != nil {
		s.opts.Profiler.Start()
		defer s.opts.Profiler.Stop()
	}

	for _, n := range g.Nodes() {
		if err := n.Setup(s.opts.Resources); err != nil {
			return errs.New(errs.SetupFailed, n.Name(), err)
		}
		if gb, ok := n.(graph.GPUBound); ok {
			var q buffer.DeviceQueue
			if s.opts.GPUQueue != nil {
				q = s.opts.GPUQueue(n)
			}
			if q == nil && n.Mode().Is(graph.CapableGPU) && !n.Mode().Is(graph.CapableCPU) {
				return errs.New(errs.SetupFailed, n.Name(), fmt.Errorf("GPU-only node has no device queue bound"))
			}
			gb.BindQueue(q)
		}
	}

	queues := make(map[graph.Edge]chan envelope)
	for _, n := range g.Nodes() {
		for _, e := range g.OutEdges(n) {
			queues[e] = make(chan envelope, s.opts.queueDepth())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)

	for _, n := range g.Nodes() {
		n := n
		d := &driver{
			sched: s,
			node:  n,
			in:    inputChannels(g, n, queues),
			out:   outputChannels(g, n, queues),
		}
		eg.Go(func() error {
			return d.run(egCtx)
		})
	}

	go func() {
		<-runCtx.Done()
		if ctx.Err() != nil {
			s.recordFault(errs.New(errs.Cancelled, "", ctx.Err()))
		}
	}()

	err := eg.Wait()
	if f, ok := s.fault.Load().(*errs.Fault); ok && f != nil {
		return f
	}
	return err
}

// FirstFault returns the fault recorded by the first driver to fail, or nil.
func (s *Scheduler) FirstFault() *errs.Fault {
	f, _ := s.fault.Load().(*errs.Fault)
	return f
}

func (s *Scheduler) recordFault(f *errs.Fault) {
	s.faultOnce.Do(func() {
		s.fault.Store(f)
		logging.L.Error().Str("node", f.Node).Str("kind", string(f.Kind)).Err(f.Err).Msg("scheduler: first fault recorded")
	})
}

func inputChannels(g *graph.Graph, n graph.TaskNode, queues map[graph.Edge]chan envelope) []chan envelope {
	edges := g.InEdges(n)
	chans := make([]chan envelope, len(edges))
	for i, e := range edges {
		chans[i] = queues[e]
	}
	return chans
}

func outputChannels(g *graph.Graph, n graph.TaskNode, queues map[graph.Edge]chan envelope) []chan envelope {
	edges := g.OutEdges(n)
	chans := make([]chan envelope, len(edges))
	for i, e := range edges {
		chans[i] = queues[e]
	}
	return chans
}

// driver runs one node's loop for the lifetime of a Scheduler.Run call.
type driver struct {
	sched *Scheduler
	node  graph.TaskNode
	in    []chan envelope
	out   []chan envelope

	// held[i], when non-nil, is redelivered as the next popAll's read from
	// input port i instead of popping the port's queue (see graph.PortHold).
	held []*buffer.Buffer
}

func (d *driver) run(ctx context.Context) error {
	switch {
	case isGatherNode(d.node):
		return d.runGatherer(ctx)
	case d.node.Mode().Is(graph.Generator):
		return d.runGenerator(ctx)
	case d.node.Mode().Is(graph.Reducer):
		return d.runReducer(ctx)
	default:
		return d.runProcessor(ctx)
	}
}

func isGatherNode(n graph.TaskNode) bool {
	_, ok := n.(*graph.GatherNode)
	return ok
}

// popAll reads one envelope from every input channel, recording idle time.
// It returns ok=false once any input carries EOF or ABORT, in which case
// the remaining inputs are drained (buffers released) and the returned
// signal indicates which sentinel to propagate.
func (d *driver) popAll(ctx context.Context) (bufs []*buffer.Buffer, sawSignal signal, ok bool, err error) {
	bufs = make([]*buffer.Buffer, len(d.in))
	sawSignal = sigData
	if d.held == nil && len(d.in) > 0 {
		d.held = make([]*buffer.Buffer, len(d.in))
	}

	idleStart := time.Now()
	for i, ch := range d.in {
		if d.held[i] != nil {
			bufs[i] = d.held[i]
			d.held[i] = nil
			continue
		}
		select {
		case <-ctx.Done():
			return nil, sigAbort, false, ctx.Err()
		case env, open := <-ch:
			if !open {
				sawSignal = sigEOF
				continue
			}
			switch env.sig {
			case sigEOF:
				if sawSignal == sigData {
					sawSignal = sigEOF
				}
			case sigAbort:
				sawSignal = sigAbort
			default:
				bufs[i] = env.buf
			}
		}
	}
	if d.sched.opts.Profiler != nil {
		d.sched.opts.Profiler.RecordIdle(d.node.Name(), time.Since(idleStart))
	}

	if sawSignal != sigData {
		for _, b := range bufs {
			if b != nil {
				releaseBuffer(d.sched, b)
			}
		}
		return nil, sawSignal, false, nil
	}
	return bufs, sigData, true, nil
}

func (d *driver) propagate(sig signal) {
	for _, ch := range d.out {
		if ch == nil {
			continue
		}
		ch <- envelope{sig: sig}
		close(ch)
	}
}

func (d *driver) pushData(b *buffer.Buffer) {
	if len(d.out) == 0 {
		releaseBuffer(d.sched, b)
		return
	}
	// A round-robin dispatcher (graph.Expand's BroadcastNode) sends each
	// tick's buffer down exactly one of its output edges instead of fanning
	// it out to every replica chain identically.
	if rr, ok := d.node.(graph.RoundRobinDispatch); ok {
		idx := rr.DispatchIndex()
		if idx >= 0 && idx < len(d.out) {
			d.out[idx] <- envelope{sig: sigData, buf: b}
			return
		}
	}
	if len(d.out) > 1 {
		b.Retain(len(d.out) - 1)
	}
	for _, ch := range d.out {
		ch <- envelope{sig: sigData, buf: b}
	}
}

func releaseBuffer(s *Scheduler, b *buffer.Buffer) {
	if b.Release() && s.opts.Resources != nil {
		s.opts.Resources.ReleaseBuffer(b)
	}
}

func minStreamID(bufs []*buffer.Buffer) uint64 {
	var min uint64
	first := true
	for _, b := range bufs {
		if b == nil {
			continue
		}
		id := b.GetID()
		if first || id < min {
			min, first = id, false
		}
	}
	return min
}

func totalBytes(bufs []*buffer.Buffer) int {
	total := 0
	for _, b := range bufs {
		if b != nil {
			total += b.GetRequisition().Size() * 4
		}
	}
	return total
}

// runProcessor implements the generalized driver loop of §4.5 steps 1-6 for
// PROCESSOR-mode nodes (including sinks, where GetRequisition yields
// NumDims==0).
func (d *driver) runProcessor(ctx context.Context) error {
	for {
		inputs, sig, ok, err := d.popAll(ctx)
		if err != nil {
			d.sched.recordFault(errs.New(errs.Cancelled, d.node.Name(), err))
			d.propagate(sigAbort)
			return err
		}
		if !ok {
			d.propagate(sig)
			return nil
		}

		req := d.node.GetRequisition(inputs)

		var output *buffer.Buffer
		if req.NumDims > 0 && d.sched.opts.Resources != nil {
			output = d.sched.opts.Resources.AcquireBuffer(req, buffer.Host)
			output.SetID(minStreamID(inputs))
			for _, in := range inputs {
				if in != nil {
					output.CopyMetadataFrom(in)
				}
			}
		}

		cpuStart := time.Now()
		result, perr := d.node.Process(inputs, output)
		cpu := time.Since(cpuStart)

		if d.sched.opts.Profiler != nil {
			d.sched.opts.Profiler.RecordInvocation(d.node.Name(), totalBytes(inputs), bytesOf(output), cpu)
		}

		holds := d.heldPorts(perr)
		for i, in := range inputs {
			if in == nil {
				continue
			}
			if holds != nil && i < len(holds) && holds[i] {
				d.held[i] = in
				continue
			}
			releaseBuffer(d.sched, in)
		}

		if perr != nil {
			d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
			if output != nil {
				releaseBuffer(d.sched, output)
			}
			d.propagate(sigAbort)
			return perr
		}

		if output != nil {
			if result == graph.Stop {
				releaseBuffer(d.sched, output)
			} else {
				d.pushData(output)
			}
		}

		if result == graph.Stop {
			d.propagate(sigEOF)
			return nil
		}
	}
}

// heldPorts consults graph.PortHold on a successful tick so a node whose
// input ports advance at independent rates (the §4.5 mux contract) can ask
// the driver to redeliver one side's buffer on the next tick instead of
// releasing it. A failed tick (err != nil) never holds: on error the driver
// propagates ABORT and the graph is torn down, so there is no "next tick" to
// redeliver into.
func (d *driver) heldPorts(err error) []bool {
	if err != nil {
		return nil
	}
	ph, ok := d.node.(graph.PortHold)
	if !ok {
		return nil
	}
	return ph.HoldPorts()
}

// runGatherer drives a *graph.GatherNode's asymmetric consumption (§4.3):
// unlike every other multi-input node, Gather's Replicas ports are fed by
// independent round-robin broadcast branches, so only one port carries a
// buffer on any given tick. The generic popAll (which blocks until every
// port has produced) would deadlock here; instead this loop selects on
// whichever open port is ready and feeds the node a single-populated input
// slice, matching GatherNode.Process's "first non-nil" contract. A port goes
// permanently closed once it reports EOF; the node itself reaches EOF once
// every port has.
func (d *driver) runGatherer(ctx context.Context) error {
	open := make([]bool, len(d.in))
	for i := range open {
		open[i] = true
	}
	remaining := len(d.in)

	for remaining > 0 {
		cases := make([]reflect.SelectCase, 0, remaining+1)
		portOf := make([]int, 0, remaining+1)
		for i, ch := range d.in {
			if !open[i] {
				continue
			}
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
			portOf = append(portOf, i)
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

		chosen, recv, recvOK := reflect.Select(cases)
		if chosen == len(cases)-1 {
			err := ctx.Err()
			d.sched.recordFault(errs.New(errs.Cancelled, d.node.Name(), err))
			d.propagate(sigAbort)
			return err
		}

		port := portOf[chosen]
		if !recvOK {
			open[port] = false
			remaining--
			continue
		}
		env := recv.Interface().(envelope)
		switch env.sig {
		case sigEOF:
			open[port] = false
			remaining--
			continue
		case sigAbort:
			d.propagate(sigAbort)
			return nil
		}

		inputs := make([]*buffer.Buffer, len(d.in))
		inputs[port] = env.buf

		req := d.node.GetRequisition(inputs)
		var output *buffer.Buffer
		if req.NumDims > 0 && d.sched.opts.Resources != nil {
			output = d.sched.opts.Resources.AcquireBuffer(req, buffer.Host)
			output.SetID(env.buf.GetID())
			output.CopyMetadataFrom(env.buf)
		}

		cpuStart := time.Now()
		result, perr := d.node.Process(inputs, output)
		cpu := time.Since(cpuStart)
		if d.sched.opts.Profiler != nil {
			d.sched.opts.Profiler.RecordInvocation(d.node.Name(), totalBytes(inputs), bytesOf(output), cpu)
		}

		releaseBuffer(d.sched, env.buf)

		if perr != nil {
			d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
			if output != nil {
				releaseBuffer(d.sched, output)
			}
			d.propagate(sigAbort)
			return perr
		}

		if output != nil {
			if result == graph.Stop {
				releaseBuffer(d.sched, output)
			} else {
				d.pushData(output)
			}
		}
		if result == graph.Stop {
			d.propagate(sigEOF)
			return nil
		}
	}

	d.propagate(sigEOF)
	return nil
}

// runReducer implements the §4.5 "Reducer variant": Process accumulates
// while upstream is live, then Reduce is invoked repeatedly after EOF until
// it signals Stop. The output handed to each Reduce call, the Stop call
// included, is pushed downstream.
func (d *driver) runReducer(ctx context.Context) error {
	for {
		inputs, sig, ok, err := d.popAll(ctx)
		if err != nil {
			d.sched.recordFault(errs.New(errs.Cancelled, d.node.Name(), err))
			d.propagate(sigAbort)
			return err
		}
		if !ok {
			if sig == sigAbort {
				d.propagate(sigAbort)
				return nil
			}
			break // upstream EOF: transition into Reduce.
		}

		// A reducer's GetRequisition is also where it captures the shape of
		// its accumulator from a live input (see tasks.Averager), so it must
		// be consulted once per accumulated tick, not only once Reduce needs
		// an output buffer.
		d.node.GetRequisition(inputs)

		cpuStart := time.Now()
		_, perr := d.node.Process(inputs, nil)
		cpu := time.Since(cpuStart)
		if d.sched.opts.Profiler != nil {
			d.sched.opts.Profiler.RecordInvocation(d.node.Name(), totalBytes(inputs), 0, cpu)
		}
		for _, in := range inputs {
			if in != nil {
				releaseBuffer(d.sched, in)
			}
		}
		if perr != nil {
			d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
			d.propagate(sigAbort)
			return perr
		}
	}

	for {
		req := d.node.GetRequisition(nil)
		var output *buffer.Buffer
		if req.NumDims > 0 && d.sched.opts.Resources != nil {
			output = d.sched.opts.Resources.AcquireBuffer(req, buffer.Host)
		}

		cpuStart := time.Now()
		result, perr := d.node.Reduce(output)
		cpu := time.Since(cpuStart)
		if d.sched.opts.Profiler != nil {
			d.sched.opts.Profiler.RecordInvocation(d.node.Name(), 0, bytesOf(output), cpu)
		}

		if perr != nil {
			d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
			if output != nil {
				releaseBuffer(d.sched, output)
			}
			d.propagate(sigAbort)
			return perr
		}

		if output != nil {
			d.pushData(output)
		}

		if result == graph.Stop {
			d.propagate(sigEOF)
			return nil
		}
	}
}

// runGenerator implements the §4.4 generator lifecycle: a priming Process
// call followed by repeated Generate calls until Stop. A generator has zero
// inputs by construction (§3 TaskGraph invariants).
func (d *driver) runGenerator(ctx context.Context) error {
	select {
	case <-ctx.Done():
		d.sched.recordFault(errs.New(errs.Cancelled, d.node.Name(), ctx.Err()))
		d.propagate(sigAbort)
		return ctx.Err()
	default:
	}

	req := d.node.GetRequisition(nil)
	var primed *buffer.Buffer
	if req.NumDims > 0 && d.sched.opts.Resources != nil {
		primed = d.sched.opts.Resources.AcquireBuffer(req, buffer.Host)
	}
	if _, perr := d.node.Process(nil, primed); perr != nil {
		d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
		if primed != nil {
			releaseBuffer(d.sched, primed)
		}
		d.propagate(sigAbort)
		return perr
	}
	if primed != nil {
		releaseBuffer(d.sched, primed)
	}

	for {
		select {
		case <-ctx.Done():
			d.sched.recordFault(errs.New(errs.Cancelled, d.node.Name(), ctx.Err()))
			d.propagate(sigAbort)
			return ctx.Err()
		default:
		}

		req := d.node.GetRequisition(nil)
		var output *buffer.Buffer
		if req.NumDims > 0 && d.sched.opts.Resources != nil {
			output = d.sched.opts.Resources.AcquireBuffer(req, buffer.Host)
		}

		cpuStart := time.Now()
		result, perr := d.node.Generate(output)
		cpu := time.Since(cpuStart)
		if d.sched.opts.Profiler != nil {
			d.sched.opts.Profiler.RecordInvocation(d.node.Name(), 0, bytesOf(output), cpu)
		}

		if perr != nil {
			d.sched.recordFault(errs.New(classifyErr(perr), d.node.Name(), perr))
			if output != nil {
				releaseBuffer(d.sched, output)
			}
			d.propagate(sigAbort)
			return perr
		}

		if output != nil {
			if result == graph.Stop {
				releaseBuffer(d.sched, output)
			} else {
				d.pushData(output)
			}
		}

		if result == graph.Stop {
			d.propagate(sigEOF)
			return nil
		}
	}
}

func bytesOf(b *buffer.Buffer) int {
	if b == nil {
		return 0
	}
	return b.GetRequisition().Size() * 4
}

// classifyErr maps a plain error raised by a node into a fault kind when the
// node did not already wrap it as an *errs.Fault (e.g. a task's Process
// returning a bare I/O error).
func classifyErr(err error) errs.Kind {
	if f, ok := err.(*errs.Fault); ok {
		return f.Kind
	}
	return errs.IOFailed
}
