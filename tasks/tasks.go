// Package tasks implements the concrete TaskNode plug-ins: thin adapters
// around a single loop or library call, each grounded on one of the
// original UFO filters (original_source/src/ufo-*.c) and expressed against
// the graph.TaskNode protocol instead of the original's GObject class
// hierarchy.
package tasks

import (
	"fmt"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
)

// Null discards its input, grounded on ufo-filter-null.c's consume-only
// sink (UFO_TYPE_FILTER_SINK, zero declared outputs).
type Null struct {
	graph.Base
}

func NewNull(name string) *Null { return &Null{Base: graph.Base{NodeName: name}} }

func (n *Null) Mode() graph.Mode     { return graph.Processor | graph.CapableCPU }
func (n *Null) NumInputs() int       { return 1 }
func (n *Null) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return buffer.Requisition{}
}
func (n *Null) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	return graph.Continue, nil
}

// Direction selects Flip's axis, the task config option named in §6.
type Direction int

const (
	Horizontal Direction = iota
	Vertical
)

// Flip mirrors a 2-D buffer horizontally or vertically. Grounded on
// ufo-flip-task.c: a CPU/GPU dual-mode processor that compiles the kernel
// for its configured Direction at Setup and launches it at Process time.
// The CPU path here performs the equivalent row/column mirror, writing into
// the output buffer.
type Flip struct {
	graph.Base
	Direction Direction
	kernel    graph.Kernel
	res       graph.Resources
	queue     buffer.DeviceQueue
}

func NewFlip(name string, dir Direction) *Flip {
	return &Flip{Base: graph.Base{NodeName: name}, Direction: dir}
}

func (f *Flip) Mode() graph.Mode { return graph.Processor | graph.CapableGPU | graph.CapableCPU }
func (f *Flip) NumInputs() int   { return 1 }

func (f *Flip) Setup(res graph.Resources) error {
	symbol := "flip_horizontal"
	if f.Direction == Vertical {
		symbol = "flip_vertical"
	}
	k, err := res.GetKernel(flipKernelSource, symbol)
	if err != nil {
		return err
	}
	f.kernel = k
	f.res = res
	return nil
}

// BindQueue satisfies graph.GPUBound: once the scheduler hands Flip a
// device queue, Process dispatches the matching OpenCL kernel instead of
// running the CPU mirror loop. A nil q (CPU-only run, or no device left to
// bind) leaves Flip on its CPU path.
func (f *Flip) BindQueue(q buffer.DeviceQueue) { f.queue = q }

func (f *Flip) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

func (f *Flip) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	if f.queue != nil {
		return f.processGPU(inputs[0], output)
	}
	return f.processCPU(inputs[0], output)
}

func (f *Flip) processCPU(in0, output *buffer.Buffer) (graph.Result, error) {
	in, err := in0.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	req := in0.GetRequisition()
	h, w := req.Dims[0], req.Dims[1]

	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}

	switch f.Direction {
	case Horizontal:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+(w-1-x)] = in[y*w+x]
			}
		}
	case Vertical:
		for y := 0; y < h; y++ {
			copy(out[(h-1-y)*w:(h-1-y)*w+w], in[y*w:y*w+w])
		}
	}
	return graph.Continue, nil
}

// processGPU uploads in0's host array, launches the direction-matched
// flip kernel writing into output's device allocation, and marks output's
// device copy authoritative (§3: a GetHostArray of output after this will
// download rather than hand back the stale pre-kernel zeros).
func (f *Flip) processGPU(in0, output *buffer.Buffer) (graph.Result, error) {
	req := in0.GetRequisition()
	h, w := req.Dims[0], req.Dims[1]

	inHandle, err := in0.GetDeviceArray(f.queue)
	if err != nil {
		return graph.Continue, err
	}
	outHandle, err := output.GetDeviceArray(f.queue)
	if err != nil {
		return graph.Continue, err
	}
	if err := f.res.Launch(f.queue, f.kernel, []buffer.DeviceHandle{inHandle, outHandle}, []int{w, h}); err != nil {
		return graph.Continue, err
	}
	output.MarkDeviceDirty()
	return graph.Continue, nil
}

// Clone satisfies graph.Replicable so Flip chains qualify for GPU-parallel
// expansion (§4.3).
func (f *Flip) Clone(replicaIndex int) graph.TaskNode {
	return NewFlip(fmt.Sprintf("%s#%d", f.NodeName, replicaIndex), f.Direction)
}

const flipKernelSource = `
__kernel void flip_horizontal(__global float *in, __global float *out) {
    int x = get_global_id(0);
    int y = get_global_id(1);
    int w = get_global_size(0);
    out[y*w + (w-1-x)] = in[y*w + x];
}
__kernel void flip_vertical(__global float *in, __global float *out) {
    int x = get_global_id(0);
    int y = get_global_id(1);
    int w = get_global_size(0);
    int h = get_global_size(1);
    out[(h-1-y)*w + x] = in[y*w + x];
}
`

// Averager is a REDUCER: it accumulates every input buffer's pixels and
// emits their mean once upstream EOFs, grounded on
// ufo-filter-averager.c's process (accumulate loop + divide-by-count). The
// running sum lives in a private float32 slice allocated on the first tick
// and reused for every later one.
type Averager struct {
	graph.Base
	acc     []float32
	count   float32
	reqDims buffer.Requisition
}

func NewAverager(name string) *Averager { return &Averager{Base: graph.Base{NodeName: name}} }

func (a *Averager) Mode() graph.Mode { return graph.Reducer | graph.CapableCPU }
func (a *Averager) NumInputs() int   { return 1 }

func (a *Averager) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	if len(inputs) == 1 && inputs[0] != nil {
		a.reqDims = inputs[0].GetRequisition()
		return buffer.Requisition{}
	}
	if a.count == 0 {
		return buffer.Requisition{}
	}
	return a.reqDims
}

func (a *Averager) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	if a.acc == nil {
		a.reqDims = inputs[0].GetRequisition()
		a.acc = make([]float32, len(in))
	}
	for i, v := range in {
		a.acc[i] += v
	}
	a.count++
	return graph.Continue, nil
}

func (a *Averager) Reduce(output *buffer.Buffer) (graph.Result, error) {
	if a.count == 0 || output == nil {
		return graph.Stop, nil
	}
	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	for i, v := range a.acc {
		out[i] = v / a.count
	}
	a.count = 0 // one emission only, per §8 invariant 6.
	return graph.Stop, nil
}

// Subtract is a two-input PROCESSOR computing inputs[0]-inputs[1]
// element-wise, grounded on ufo-filter-subtract.c's process_cpu.
type Subtract struct {
	graph.Base
}

func NewSubtract(name string) *Subtract { return &Subtract{Base: graph.Base{NodeName: name}} }

func (s *Subtract) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (s *Subtract) NumInputs() int   { return 2 }

func (s *Subtract) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

func (s *Subtract) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	if inputs[0].GetID() != inputs[1].GetID() {
		return graph.Continue, fmt.Errorf("subtract: stream id mismatch: %d != %d", inputs[0].GetID(), inputs[1].GetID())
	}
	a, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	b, err := inputs[1].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return graph.Continue, nil
}

// FlatFieldCorrect computes (proj-dark)/(flat-dark) per ufo-filter-flat-
// field-correction.c's process_cpu. It does not guard against division by
// zero where flat == dark (an edge case the original leaves to IEEE NaN/Inf
// semantics; this implementation keeps that behavior rather than masking it, since
// silently substituting a sentinel value would diverge from what every
// other node downstream of a flat-field task actually receives from the
// original pipeline).
type FlatFieldCorrect struct {
	graph.Base
}

func NewFlatFieldCorrect(name string) *FlatFieldCorrect {
	return &FlatFieldCorrect{Base: graph.Base{NodeName: name}}
}

func (f *FlatFieldCorrect) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (f *FlatFieldCorrect) NumInputs() int   { return 3 }

func (f *FlatFieldCorrect) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

func (f *FlatFieldCorrect) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	proj, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	dark, err := inputs[1].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	flat, err := inputs[2].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	for i := range proj {
		out[i] = (proj[i] - dark[i]) / (flat[i] - dark[i])
	}
	return graph.Continue, nil
}

// Normalize rescales a buffer's values into [0,1] by its own observed
// min/max, grounded on ufo-filter-normalize.c's process_cpu.
type Normalize struct {
	graph.Base
}

func NewNormalize(name string) *Normalize { return &Normalize{Base: graph.Base{NodeName: name}} }

func (n *Normalize) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (n *Normalize) NumInputs() int   { return 1 }

func (n *Normalize) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

func (n *Normalize) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	in, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	out, err := output.GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	var min, max float32
	if len(in) > 0 {
		min, max = in[0], in[0]
	}
	for _, v := range in {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	scale := float32(1.0)
	if max != min {
		scale = 1.0 / (max - min)
	}
	for i, v := range in {
		out[i] = (v - min) * scale
	}
	return graph.Continue, nil
}

// Mux merges two streams by ascending stream id (§4.5's normative mux
// contract), deliberately correct where ufo-filter-mux.c's process
// indexes input_channels[0] in both of its advance loops — a copy-paste
// bug that silently starves the second stream. See §9 for the rationale;
// this node advances whichever input actually has the smaller id and
// emits only on a match.
//
// Ports advance at independent rates, so Mux implements graph.PortHold:
// on a mismatched tick it reports the side with the larger id as held,
// which tells the driver to redeliver that same buffer as the next tick's
// read from that port instead of pulling a fresh one from its queue — the
// smaller side is released and its port's queue advances. GetRequisition
// mirrors the same comparison so the driver never acquires an output
// buffer (and Process never writes one) on a tick that cannot emit.
type Mux struct {
	graph.Base
	holdA, holdB bool
}

func NewMux(name string) *Mux { return &Mux{Base: graph.Base{NodeName: name}} }

func (m *Mux) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (m *Mux) NumInputs() int   { return 2 }

func (m *Mux) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	a, b := inputs[0], inputs[1]
	if a == nil || b == nil || a.GetID() != b.GetID() {
		return buffer.Requisition{}
	}
	return a.GetRequisition()
}

// Process implements one scheduler tick of the mux loop: advance the side
// with the smaller id, emit when ids match.
func (m *Mux) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	a, b := inputs[0], inputs[1]
	m.holdA, m.holdB = false, false
	if a == nil || b == nil {
		return graph.Continue, nil
	}
	switch {
	case a.GetID() < b.GetID():
		m.holdB = true // b has not caught up yet; a advances (is released).
		return graph.Continue, nil
	case b.GetID() < a.GetID():
		m.holdA = true // a has not caught up yet; b advances (is released).
		return graph.Continue, nil
	default:
		return graph.Continue, buffer.Copy(output, a)
	}
}

// HoldPorts satisfies graph.PortHold, computed by the preceding Process call.
func (m *Mux) HoldPorts() []bool { return []bool{m.holdA, m.holdB} }

// Source is a GENERATOR that emits a fixed number of zero-filled buffers
// of a configured shape, used to drive identity-chain scenarios (§8) where
// the original UFO pipeline would instead read from a reader task.
type Source struct {
	graph.Base
	Count, Width, Height int
	emitted               int
	nextID                uint64
}

func NewSource(name string, count, width, height int) *Source {
	return &Source{Base: graph.Base{NodeName: name}, Count: count, Width: width, Height: height}
}

func (s *Source) Mode() graph.Mode { return graph.Generator | graph.CapableCPU }
func (s *Source) NumInputs() int   { return 0 }

func (s *Source) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	if s.emitted >= s.Count {
		return buffer.Requisition{}
	}
	return buffer.Requisition{NumDims: 2, Dims: [3]int{s.Height, s.Width, 0}}
}

func (s *Source) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	return graph.Continue, nil
}

func (s *Source) Generate(output *buffer.Buffer) (graph.Result, error) {
	if s.emitted >= s.Count {
		return graph.Stop, nil
	}
	if output != nil {
		output.SetID(s.nextID)
		s.nextID++
	}
	s.emitted++
	return graph.Continue, nil
}
