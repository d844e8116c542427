package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
	"github.com/sbl8/ufoflow/tasks"
)

// fakeResources backs graph.Resources with a plain buffer.Pool, avoiding any
// dependency on a real OpenCL platform in tests that never exercise a GPU
// kernel path.
type fakeResources struct {
	pool *buffer.Pool
}

func newFakeResources() *fakeResources { return &fakeResources{pool: buffer.NewPool(8)} }

func (f *fakeResources) GetKernel(sourceOrText, symbol string) (graph.Kernel, error) {
	return symbol, nil
}
func (f *fakeResources) AcquireBuffer(req buffer.Requisition, hint buffer.Location) *buffer.Buffer {
	return f.pool.Acquire(req, hint)
}
func (f *fakeResources) ReleaseBuffer(b *buffer.Buffer) { f.pool.Release(b) }
func (f *fakeResources) Launch(q buffer.DeviceQueue, k graph.Kernel, args []buffer.DeviceHandle, globalSize []int) error {
	return nil
}

// capture is a sink that records the host contents of every buffer it sees.
type capture struct {
	graph.Base
	seen [][]float32
}

func (c *capture) Mode() graph.Mode { return graph.Processor | graph.CapableCPU }
func (c *capture) NumInputs() int   { return 1 }
func (c *capture) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return buffer.Requisition{}
}
func (c *capture) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	host, err := inputs[0].GetHostArray()
	if err != nil {
		return graph.Continue, err
	}
	cp := append([]float32(nil), host...)
	c.seen = append(c.seen, cp)
	return graph.Continue, nil
}

func TestIdentityChainCompletes(t *testing.T) {
	res := newFakeResources()
	source := tasks.NewSource("source", 3, 2, 2)
	sink := tasks.NewNull("null")

	g := graph.New()
	require.NoError(t, g.Connect(source, sink, 0))

	sched := New(Options{Resources: res})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g))
}

func TestFlipFlipRoundTripRecoversInput(t *testing.T) {
	res := newFakeResources()
	source := tasks.NewSource("source", 1, 3, 2)
	flip1 := tasks.NewFlip("flip1", tasks.Horizontal)
	flip2 := tasks.NewFlip("flip2", tasks.Horizontal)
	sink := &capture{Base: graph.Base{NodeName: "capture"}}

	g := graph.New()
	require.NoError(t, g.Connect(source, flip1, 0))
	require.NoError(t, g.Connect(flip1, flip2, 0))
	require.NoError(t, g.Connect(flip2, sink, 0))

	sched := New(Options{Resources: res})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g))
	require.Len(t, sink.seen, 1)
	// A zero-filled frame flipped twice is unchanged.
	assert.Equal(t, make([]float32, 6), sink.seen[0])
}

func TestAveragerOfThreeKnownBuffers(t *testing.T) {
	res := newFakeResources()
	source := tasks.NewSource("source", 3, 2, 1)
	avg := tasks.NewAverager("averager")
	sink := &capture{Base: graph.Base{NodeName: "capture"}}

	g := graph.New()
	require.NoError(t, g.Connect(source, avg, 0))
	require.NoError(t, g.Connect(avg, sink, 0))

	sched := New(Options{Resources: res})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g))
	require.Len(t, sink.seen, 1)
	assert.Equal(t, []float32{0, 0}, sink.seen[0])
}

func TestSubtractDetectsStreamIDMismatch(t *testing.T) {
	a := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	a.SetID(1)
	b := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	b.SetID(2)
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	sub := tasks.NewSubtract("sub")
	_, err := sub.Process([]*buffer.Buffer{a, b}, out)
	assert.Error(t, err)
}

func TestFlatFieldCorrectArithmetic(t *testing.T) {
	proj := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	dark := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	flat := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	ph, _ := proj.GetHostArray()
	copy(ph, []float32{10, 20})
	dh, _ := dark.GetHostArray()
	copy(dh, []float32{2, 2})
	fh, _ := flat.GetHostArray()
	copy(fh, []float32{6, 10})

	ffc := tasks.NewFlatFieldCorrect("ffc")
	_, err := ffc.Process([]*buffer.Buffer{proj, dark, flat}, out)
	require.NoError(t, err)

	oh, _ := out.GetHostArray()
	assert.Equal(t, []float32{2, 2.25}, oh)
}

// idGenerator is a GENERATOR that emits one zero-filled buffer per id in
// ids, in order, each stamped with that exact stream id — used to drive
// Mux through the scheduler with two independently-paced streams.
type idGenerator struct {
	graph.Base
	ids  []uint64
	next int
}

func (g *idGenerator) Mode() graph.Mode { return graph.Generator | graph.CapableCPU }
func (g *idGenerator) NumInputs() int   { return 0 }
func (g *idGenerator) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	if g.next >= len(g.ids) {
		return buffer.Requisition{}
	}
	return buffer.Requisition{NumDims: 1, Dims: [3]int{1}}
}
func (g *idGenerator) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (graph.Result, error) {
	return graph.Continue, nil
}
func (g *idGenerator) Generate(output *buffer.Buffer) (graph.Result, error) {
	if g.next >= len(g.ids) {
		return graph.Stop, nil
	}
	if output != nil {
		output.SetID(g.ids[g.next])
	}
	g.next++
	return graph.Continue, nil
}

func TestMuxAlignsTwoIndependentlyPacedStreamsThroughScheduler(t *testing.T) {
	res := newFakeResources()
	// Side a emits ids 1,3,5; side b emits ids 2,3,4. The only shared id is
	// 3, so exactly one buffer should reach the sink despite the two
	// streams never emitting in lockstep.
	a := &idGenerator{Base: graph.Base{NodeName: "a"}, ids: []uint64{1, 3, 5}}
	b := &idGenerator{Base: graph.Base{NodeName: "b"}, ids: []uint64{2, 3, 4}}
	mux := tasks.NewMux("mux")
	sink := &capture{Base: graph.Base{NodeName: "capture"}}

	g := graph.New()
	require.NoError(t, g.Connect(a, mux, 0))
	require.NoError(t, g.Connect(b, mux, 1))
	require.NoError(t, g.Connect(mux, sink, 0))

	sched := New(Options{Resources: res})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g))
	assert.Len(t, sink.seen, 1, "exactly one matching stream id (3) should reach the sink")
}

// countingDeviceQueue is an in-memory buffer.DeviceQueue stand-in used to
// prove GPU binding/dispatch actually runs through a bound queue, without a
// real OpenCL platform.
type countingDeviceQueue struct {
	uploads int
}

func (q *countingDeviceQueue) Upload(dims [3]int, ndims int, host []float32) (buffer.DeviceHandle, error) {
	q.uploads++
	cp := append([]float32(nil), host...)
	return &cp, nil
}
func (q *countingDeviceQueue) Download(handle buffer.DeviceHandle, host []float32) error {
	cp := handle.(*[]float32)
	copy(host, *cp)
	return nil
}
func (q *countingDeviceQueue) Release(buffer.DeviceHandle) {}

func TestFlipBindQueueDispatchesThroughGPUPath(t *testing.T) {
	res := newFakeResources()
	q := &countingDeviceQueue{}
	source := tasks.NewSource("source", 1, 2, 2)
	flip := tasks.NewFlip("flip", tasks.Horizontal)
	sink := tasks.NewNull("null")

	g := graph.New()
	require.NoError(t, g.Connect(source, flip, 0))
	require.NoError(t, g.Connect(flip, sink, 0))

	sched := New(Options{
		Resources: res,
		GPUQueue: func(n graph.TaskNode) buffer.DeviceQueue {
			if n.Mode().Is(graph.CapableGPU) {
				return q
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g))
	assert.Greater(t, q.uploads, 0, "a GPU-bound Flip should dispatch through its bound device queue")
}

func TestSchedulerWiresExpandForReplicatedGPUChain(t *testing.T) {
	res := newFakeResources()
	q := &countingDeviceQueue{}
	source := tasks.NewSource("source", 4, 2, 2)
	flip := tasks.NewFlip("flip", tasks.Horizontal)
	sink := tasks.NewNull("null")

	g := graph.New()
	require.NoError(t, g.Connect(source, flip, 0))
	require.NoError(t, g.Connect(flip, sink, 0))

	sched := New(Options{
		Resources: res,
		Replicas:  2,
		GPUQueue: func(n graph.TaskNode) buffer.DeviceQueue {
			if n.Mode().Is(graph.CapableGPU) {
				return q
			}
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sched.Run(ctx, g), "Broadcast/Gather wiring around a replicated GPU chain must run to completion")
	assert.Greater(t, q.uploads, 0, "replicated GPU chains should still dispatch through the bound queue")
}

func TestCancellationWithin200msDrainsPool(t *testing.T) {
	res := newFakeResources()
	source := tasks.NewSource("source", 1000000, 4, 4)
	sink := tasks.NewNull("null")

	g := graph.New()
	require.NoError(t, g.Connect(source, sink, 0))

	sched := New(Options{Resources: res})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := sched.Run(ctx, g)
	assert.Error(t, err)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if res.pool.Outstanding(0) <= 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}
