package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/ufoflow/buffer"
	"github.com/sbl8/ufoflow/errs"
)

// stubNode is a minimal TaskNode for graph-shape tests; it never runs
// through a scheduler here, so Process/Generate/Reduce bodies are unused.
type stubNode struct {
	Base
	mode   Mode
	inputs int
}

func (s *stubNode) Mode() Mode { return s.mode }
func (s *stubNode) NumInputs() int { return s.inputs }
func (s *stubNode) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return buffer.Requisition{}
}
func (s *stubNode) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (Result, error) {
	return Continue, nil
}

func newStub(name string, inputs int) *stubNode {
	return &stubNode{Base: Base{NodeName: name}, mode: Processor | CapableCPU, inputs: inputs}
}

func TestTopologicalOrderLinearChain(t *testing.T) {
	g := New()
	a, b, c := newStub("a", 0), newStub("b", 1), newStub("c", 1)
	require.NoError(t, g.Connect(a, b, 0))
	require.NoError(t, g.Connect(b, c, 0))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)
	assert.Equal(t, "a", order[0].Name())
	assert.Equal(t, "c", order[2].Name())
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	g := New()
	a, b := newStub("a", 1), newStub("b", 1)
	require.NoError(t, g.Connect(a, b, 0))
	require.NoError(t, g.Connect(b, a, 0))

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GraphInvalid))
}

func TestValidateRejectsArityMismatch(t *testing.T) {
	g := New()
	a, b := newStub("a", 0), newStub("b", 2)
	require.NoError(t, g.Connect(a, b, 0))

	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.GraphInvalid))
}

func TestConnectRejectsDuplicatePort(t *testing.T) {
	g := New()
	a1, a2, b := newStub("a1", 0), newStub("a2", 0), newStub("b", 2)
	require.NoError(t, g.Connect(a1, b, 0))
	err := g.Connect(a2, b, 0)
	require.Error(t, err)
}

func TestFreezeForbidsMutation(t *testing.T) {
	g := New()
	a, b := newStub("a", 0), newStub("b", 1)
	require.NoError(t, g.Connect(a, b, 0))
	require.NoError(t, g.Freeze())
	assert.True(t, g.Frozen())

	c := newStub("c", 1)
	err := g.Connect(a, c, 0)
	assert.Error(t, err)
}

func TestPredecessorsSuccessorsOrdering(t *testing.T) {
	g := New()
	a, b, c := newStub("a", 0), newStub("b", 0), newStub("c", 2)
	require.NoError(t, g.Connect(b, c, 1))
	require.NoError(t, g.Connect(a, c, 0))

	preds := g.Predecessors(c)
	require.Len(t, preds, 2)
	assert.Equal(t, "a", preds[0].Name())
	assert.Equal(t, "b", preds[1].Name())
}

// replStub is a GPU-capable, Replicable PROCESSOR used to exercise
// FindExpandableChains/Expand without a real kernel.
type replStub struct {
	stubNode
}

func newReplStub(name string) *replStub {
	return &replStub{stubNode{Base: Base{NodeName: name}, mode: Processor | CapableGPU, inputs: 1}}
}

func (r *replStub) Clone(replicaIndex int) TaskNode {
	return newReplStub(fmt.Sprintf("%s#%d", r.NodeName, replicaIndex))
}

func TestFindExpandableChainsFindsMaximalGPURun(t *testing.T) {
	g := New()
	src := newStub("src", 0)
	n1 := newReplStub("n1")
	n2 := newReplStub("n2")
	sink := newStub("sink", 1)
	require.NoError(t, g.Connect(src, n1, 0))
	require.NoError(t, g.Connect(n1, n2, 0))
	require.NoError(t, g.Connect(n2, sink, 0))

	chains := FindExpandableChains(g)
	require.Len(t, chains, 1)
	assert.Equal(t, "n1", chains[0].Head.Name())
	assert.Equal(t, "n2", chains[0].Tail.Name())
	require.Len(t, chains[0].Nodes, 2)
}

func TestExpandInsertsBroadcastAndGatherAroundReplicatedChain(t *testing.T) {
	g := New()
	src := newStub("src", 0)
	n1 := newReplStub("n1")
	sink := newStub("sink", 1)
	require.NoError(t, g.Connect(src, n1, 0))
	require.NoError(t, g.Connect(n1, sink, 0))

	out, err := Expand(g, 3)
	require.NoError(t, err)

	succs := out.Successors(src)
	require.Len(t, succs, 1)
	bc, ok := succs[0].(*BroadcastNode)
	require.True(t, ok, "source should now feed a BroadcastNode")
	assert.Equal(t, 3, bc.Replicas)

	replicas := out.Successors(bc)
	require.Len(t, replicas, 3)

	var gatherNode TaskNode
	for _, r := range replicas {
		gs := out.Successors(r)
		require.Len(t, gs, 1)
		if gatherNode == nil {
			gatherNode = gs[0]
		} else {
			assert.Same(t, gatherNode, gs[0], "every replica must feed the same GatherNode")
		}
	}
	gt, ok := gatherNode.(*GatherNode)
	require.True(t, ok)

	finalSuccs := out.Successors(gt)
	require.Len(t, finalSuccs, 1)
	assert.Same(t, sink, finalSuccs[0])
}

func TestExpandLeavesNonGPUGraphUntouched(t *testing.T) {
	g := New()
	a, b := newStub("a", 0), newStub("b", 1)
	require.NoError(t, g.Connect(a, b, 0))

	out, err := Expand(g, 4)
	require.NoError(t, err)
	assert.Len(t, out.Nodes(), 2)
}

func TestExpandIsIdempotentOnItsOwnOutput(t *testing.T) {
	g := New()
	src := newStub("src", 0)
	n1 := newReplStub("n1")
	sink := newStub("sink", 1)
	require.NoError(t, g.Connect(src, n1, 0))
	require.NoError(t, g.Connect(n1, sink, 0))

	once, err := Expand(g, 2)
	require.NoError(t, err)
	assert.Empty(t, FindExpandableChains(once), "an already expanded graph must offer no further chains")
}

func TestBroadcastNodeRoundRobinsDispatchIndex(t *testing.T) {
	bc := NewBroadcastNode("bc", 3)
	in := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	var got []int
	for i := 0; i < 7; i++ {
		_, err := bc.Process([]*buffer.Buffer{in}, out)
		require.NoError(t, err)
		got = append(got, bc.DispatchIndex())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestGatherNodePassesThroughSingleNonNilInput(t *testing.T) {
	gt := NewGatherNode("gt", 3)
	in := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)
	ih, _ := in.GetHostArray()
	copy(ih, []float32{7, 8})
	out := buffer.New(buffer.Requisition{NumDims: 1, Dims: [3]int{2}}, buffer.Host)

	result, err := gt.Process([]*buffer.Buffer{nil, in, nil}, out)
	require.NoError(t, err)
	assert.Equal(t, Continue, result)

	oh, _ := out.GetHostArray()
	assert.Equal(t, []float32{7, 8}, oh)
}
