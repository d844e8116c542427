package graph

import (
	"fmt"

	"github.com/sbl8/ufoflow/buffer"
)

// Replicable is implemented by GPU-capable processor nodes that support
// Expand's data-parallel replication. A node not implementing Replicable is
// left untouched by Expand even if it would otherwise qualify as part of a
// chain.
type Replicable interface {
	TaskNode
	Clone(replicaIndex int) TaskNode
}

// BroadcastNode and GatherNode are the structural nodes Expand inserts
// around a replicated GPU chain (§4.3). They implement TaskNode so the
// scheduler can drive them through the ordinary node bookkeeping (queues,
// EOF/ABORT propagation), but the scheduler recognizes their concrete type
// and special-cases their dispatch: Broadcast round-robins one input buffer
// to exactly one successor per tick instead of fanning out to all of them,
// and Gather is fed whichever of its Replicas ports has a buffer ready
// instead of reading one buffer per port per tick.

// BroadcastNode round-robin dispatches its single input across Replicas
// downstream chain copies, preserving each buffer's stream id.
type BroadcastNode struct {
	Base
	Replicas int
	next     int
	dispatch int
}

func NewBroadcastNode(name string, replicas int) *BroadcastNode {
	return &BroadcastNode{Base: Base{NodeName: name}, Replicas: replicas}
}

func (n *BroadcastNode) Mode() Mode     { return Processor | CapableCPU }
func (n *BroadcastNode) NumInputs() int { return 1 }
func (n *BroadcastNode) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	return inputs[0].GetRequisition()
}

// Process copies the input through unchanged and picks which of the
// Replicas downstream chains receives it this tick by advancing the
// round-robin counter; the driver reads that choice back via DispatchIndex
// once Process returns (see RoundRobinDispatch).
func (n *BroadcastNode) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (Result, error) {
	n.dispatch = n.NextIndex()
	return Continue, buffer.Copy(output, inputs[0])
}

// NextIndex returns the replica index to route the next buffer to and
// advances the round-robin counter. Not safe for concurrent use; the
// scheduler drives each node from a single goroutine.
func (n *BroadcastNode) NextIndex() int {
	i := n.next
	n.next = (n.next + 1) % n.Replicas
	return i
}

// DispatchIndex reports the replica index chosen by the most recent
// Process call, satisfying graph.RoundRobinDispatch.
func (n *BroadcastNode) DispatchIndex() int { return n.dispatch }

// GatherNode merges Replicas input streams into one. Process forwards the
// first non-nil input it is given; buffers are emitted in the order they
// arrive and are not reordered by stream id.
type GatherNode struct {
	Base
	Replicas int
}

func NewGatherNode(name string, replicas int) *GatherNode {
	return &GatherNode{Base: Base{NodeName: replicasName(name)}, Replicas: replicas}
}

func replicasName(name string) string { return name }

func (n *GatherNode) Mode() Mode     { return Processor | CapableCPU }
func (n *GatherNode) NumInputs() int { return n.Replicas }
func (n *GatherNode) GetRequisition(inputs []*buffer.Buffer) buffer.Requisition {
	for _, in := range inputs {
		if in != nil {
			return in.GetRequisition()
		}
	}
	return buffer.Requisition{}
}
func (n *GatherNode) Process(inputs []*buffer.Buffer, output *buffer.Buffer) (Result, error) {
	for _, in := range inputs {
		if in != nil {
			return Continue, buffer.Copy(output, in)
		}
	}
	return Stop, nil
}

// Chain is a maximal run of GPU-capable PROCESSOR nodes with no
// reducer/generator in between and exactly one predecessor/successor at
// each internal step — the sole unit Expand is allowed to replicate.
type Chain struct {
	Head, Tail TaskNode
	Nodes      []TaskNode
}

// FindExpandableChains scans g for maximal GPU-capable processor chains.
func FindExpandableChains(g *Graph) []Chain {
	visited := make(map[TaskNode]bool)
	var chains []Chain

	isCandidate := func(n TaskNode) bool {
		return n.Mode().Is(Processor) && n.Mode().Is(CapableGPU) && !n.Mode().Is(Reducer) && !n.Mode().Is(Generator)
	}

	for _, n := range g.nodes {
		if visited[n] || !isCandidate(n) {
			continue
		}
		// Walk backward to the head of this run.
		head := n
		for {
			preds := g.Predecessors(head)
			if len(preds) != 1 || !isCandidate(preds[0]) || len(g.Successors(preds[0])) != 1 {
				break
			}
			head = preds[0]
		}
		// A run fed by a BroadcastNode is a replica inside an already
		// expanded graph and is not offered for expansion again.
		if preds := g.Predecessors(head); len(preds) == 1 {
			if _, ok := preds[0].(*BroadcastNode); ok {
				continue
			}
		}
		// Walk forward collecting the run.
		var nodes []TaskNode
		cur := head
		for {
			nodes = append(nodes, cur)
			visited[cur] = true
			succs := g.Successors(cur)
			if len(succs) != 1 || !isCandidate(succs[0]) || len(g.Predecessors(succs[0])) != 1 {
				break
			}
			cur = succs[0]
		}
		if len(nodes) > 0 {
			chains = append(chains, Chain{Head: head, Tail: cur, Nodes: nodes})
		}
	}
	return chains
}

// Expand replicates every chain of Replicable GPU processors R times,
// inserting a BroadcastNode ahead of the chain and a GatherNode behind it
// (§4.3). Chains whose nodes do not all implement Replicable are left
// unexpanded. Expand is idempotent: calling it again on its own output
// finds no qualifying chains, since the inserted Broadcast/Gather nodes are
// not GPU processors and FindExpandableChains skips the replica chains that
// a BroadcastNode feeds.
func Expand(g *Graph, replicas int) (*Graph, error) {
	if replicas <= 1 {
		return g, nil
	}

	out := New()
	replaced := make(map[TaskNode]bool)

	for _, chain := range FindExpandableChains(g) {
		if !allReplicable(chain.Nodes) {
			continue
		}
		pred := g.Predecessors(chain.Head)
		succ := g.Successors(chain.Tail)
		if len(pred) != 1 || len(succ) != 1 {
			continue
		}

		bc := NewBroadcastNode(chain.Head.Name()+"#broadcast", replicas)
		gt := NewGatherNode(chain.Tail.Name()+"#gather", replicas)

		if err := out.Connect(pred[0], bc, portOf(g, pred[0], chain.Head)); err != nil {
			return nil, err
		}
		for r := 0; r < replicas; r++ {
			prevInChain := TaskNode(bc)
			for i, n := range chain.Nodes {
				rep := n.(Replicable).Clone(r)
				port := 0
				if i > 0 {
					port = portOf(g, chain.Nodes[i-1], n)
				}
				if err := out.Connect(prevInChain, rep, port); err != nil {
					return nil, err
				}
				prevInChain = rep
			}
			if err := out.Connect(prevInChain, gt, r); err != nil {
				return nil, err
			}
		}
		if err := out.Connect(gt, succ[0], portOf(g, chain.Tail, succ[0])); err != nil {
			return nil, err
		}

		for _, n := range chain.Nodes {
			replaced[n] = true
		}
	}

	for _, n := range g.Nodes() {
		if replaced[n] {
			continue
		}
		for _, e := range g.OutEdges(n) {
			if replaced[e.Dst] {
				continue
			}
			if err := out.Connect(e.Src, e.Dst, e.Port); err != nil {
				return nil, err
			}
		}
		if err := out.AddNode(n); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func allReplicable(nodes []TaskNode) bool {
	for _, n := range nodes {
		if _, ok := n.(Replicable); !ok {
			return false
		}
	}
	return true
}

func portOf(g *Graph, src, dst TaskNode) int {
	for _, e := range g.InEdges(dst) {
		if e.Src == src {
			return e.Port
		}
	}
	panic(fmt.Sprintf("graph: no edge %q -> %q", src.Name(), dst.Name()))
}
