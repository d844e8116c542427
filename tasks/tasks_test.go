package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/graph"
)

func mkBuf(id uint64, vals []float32) *buffer.Buffer {
	b := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{len(vals)}}, buffer.Host)
	b.SetID(id)
	h, _ := b.GetHostArray()
	copy(h, vals)
	return b
}

func TestMuxEmitsOnlyOnMatchingStreamID(t *testing.T) {
	mux := NewMux("mux")
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	a := mkBuf(1, []float32{1, 2})
	b := mkBuf(2, []float32{9, 9})

	// a's id (1) is smaller: the advancing side, no emission yet.
	_, err := mux.Process([]*buffer.Buffer{a, b}, out)
	require.NoError(t, err)
	oh, _ := out.GetHostArray()
	assert.Equal(t, []float32{0, 0}, oh, "no emission expected on a mismatched tick")

	matchedA := mkBuf(2, []float32{3, 4})
	_, err = mux.Process([]*buffer.Buffer{matchedA, b}, out)
	require.NoError(t, err)
	oh, _ = out.GetHostArray()
	assert.Equal(t, []float32{3, 4}, oh, "emission expected once both ids match")
}

func TestMuxNeverAdvancesBothSidesFromOneChannel(t *testing.T) {
	// The real ufo-filter-mux.c bug indexes input_channels[0] in both advance
	// branches, starving channel 1. This asserts the corrected per-side
	// comparison: when b's id is smaller, no emission occurs either, and the
	// result does not silently echo a's payload.
	mux := NewMux("mux")
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	a := mkBuf(5, []float32{7, 7})
	b := mkBuf(1, []float32{0, 0})

	_, err := mux.Process([]*buffer.Buffer{a, b}, out)
	require.NoError(t, err)
	oh, _ := out.GetHostArray()
	assert.Equal(t, []float32{0, 0}, oh)
}

func TestRofexAverageEmitsOncePerReduceCall(t *testing.T) {
	r := NewRofexAverage("rofex", 2)
	frame := func(v float32) *buffer.Buffer {
		b := buffer.New(buffer.Requisition{NumDims: 2, Dims: [3]int{1, 2}}, buffer.Host)
		h, _ := b.GetHostArray()
		h[0], h[1] = v, v
		return b
	}

	for _, v := range []float32{2, 4, 6, 8} {
		in := []*buffer.Buffer{frame(v)}
		r.GetRequisition(in) // scheduler calls this each tick to capture shape
		_, err := r.Process(in, nil)
		require.NoError(t, err)
	}

	out := buffer.New(buffer.Requisition{NumDims: 3, Dims: [3]int{1, 2, 2}}, buffer.Host)
	result, err := r.Reduce(out)
	require.NoError(t, err)
	assert.Equal(t, graph.Stop, result)

	oh, _ := out.GetHostArray()
	// band 0 averages frames 0,2 -> (2+6)/2=4; band 1 averages frames 1,3 -> (4+8)/2=6.
	assert.Equal(t, []float32{4, 4, 6, 6}, oh)

	// A second reduce with no further Process calls reports nothing to emit.
	result, err = r.Reduce(out)
	require.NoError(t, err)
	assert.Equal(t, graph.Stop, result)
}

func TestSharpnessComputesGradientSumOverInterior(t *testing.T) {
	// A single bright pixel in the middle of an otherwise flat 3x3 frame;
	// only the four interior neighbors of (1,1) contribute a gradient.
	in := buffer.New(buffer.Requisition{NumDims: 2, Dims: [3]int{3, 3}}, buffer.Host)
	h, _ := in.GetHostArray()
	copy(h, []float32{
		0, 0, 0,
		0, 4, 0,
		0, 0, 0,
	})

	s := NewSharpness("sharp")
	req := s.GetRequisition([]*buffer.Buffer{in})
	assert.Equal(t, 0, req.NumDims, "Sharpness is a sink: no output requisition")

	result, err := s.Process([]*buffer.Buffer{in}, nil)
	require.NoError(t, err)
	assert.Equal(t, graph.Continue, result)

	assert.InDelta(t, 16.0/2.0/9.0, s.Value(), 1e-9)

	stored, ok := in.MetadataGet("sharpness")
	require.True(t, ok)
	assert.InDelta(t, s.Value(), stored.(float64), 1e-9)
}

func TestAveragerResetsCountAfterEmission(t *testing.T) {
	a := NewAverager("avg")
	f1 := mkBuf(1, []float32{2, 4})
	f2 := mkBuf(2, []float32{6, 8})

	_, err := a.Process([]*buffer.Buffer{f1}, nil)
	require.NoError(t, err)
	_, err = a.Process([]*buffer.Buffer{f2}, nil)
	require.NoError(t, err)

	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	result, err := a.Reduce(out)
	require.NoError(t, err)
	assert.Equal(t, graph.Stop, result)
	oh, _ := out.GetHostArray()
	assert.Equal(t, []float32{4, 6}, oh)

	// Invariant: count resets so a second Reduce without new Process calls
	// reports nothing further to emit.
	result, err = a.Reduce(out)
	require.NoError(t, err)
	assert.Equal(t, graph.Stop, result)
}
