package graph

import (
	"fmt"

	"github.com/sbl8/ufoflow/errs"
)

// Edge connects src's sole output to dst's input at the given port.
type Edge struct {
	Src  TaskNode
	Dst  TaskNode
	Port int
}

// Graph is a directed multigraph of TaskNodes connected by typed edges. The
// graph exclusively owns its nodes (§3 Ownership); mutation is forbidden
// once Freeze has been called.
type Graph struct {
	nodes    []TaskNode
	outEdges map[TaskNode][]Edge
	inEdges  map[TaskNode][]Edge
	frozen   bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		outEdges: make(map[TaskNode][]Edge),
		inEdges:  make(map[TaskNode][]Edge),
	}
}

// AddNode registers n with the graph if it is not already present.
func (g *Graph) AddNode(n TaskNode) error {
	if g.frozen {
		return fmt.Errorf("graph: cannot add node %q after freeze", n.Name())
	}
	if _, ok := g.outEdges[n]; ok {
		return nil
	}
	g.nodes = append(g.nodes, n)
	g.outEdges[n] = nil
	g.inEdges[n] = nil
	return nil
}

// Connect adds an edge from src's output to dst's input port. Both nodes
// are added to the graph if not already present.
func (g *Graph) Connect(src, dst TaskNode, port int) error {
	if g.frozen {
		return fmt.Errorf("graph: cannot connect after freeze")
	}
	if err := g.AddNode(src); err != nil {
		return err
	}
	if err := g.AddNode(dst); err != nil {
		return err
	}
	for _, e := range g.inEdges[dst] {
		if e.Port == port {
			return fmt.Errorf("graph: port %d of node %q already connected", port, dst.Name())
		}
	}
	e := Edge{Src: src, Dst: dst, Port: port}
	g.outEdges[src] = append(g.outEdges[src], e)
	g.inEdges[dst] = append(g.inEdges[dst], e)
	return nil
}

// Nodes returns all nodes in the graph, in insertion order.
func (g *Graph) Nodes() []TaskNode { return g.nodes }

// Predecessors returns the nodes feeding n, in port order.
func (g *Graph) Predecessors(n TaskNode) []TaskNode {
	edges := append([]Edge(nil), g.inEdges[n]...)
	sortByPort(edges)
	out := make([]TaskNode, len(edges))
	for i, e := range edges {
		out[i] = e.Src
	}
	return out
}

// Successors returns the nodes n feeds, in connection order.
func (g *Graph) Successors(n TaskNode) []TaskNode {
	edges := g.outEdges[n]
	out := make([]TaskNode, len(edges))
	for i, e := range edges {
		out[i] = e.Dst
	}
	return out
}

// OutEdges returns the edges leaving n.
func (g *Graph) OutEdges(n TaskNode) []Edge { return g.outEdges[n] }

// InEdges returns the edges entering n, in port order.
func (g *Graph) InEdges(n TaskNode) []Edge {
	edges := append([]Edge(nil), g.inEdges[n]...)
	sortByPort(edges)
	return edges
}

func sortByPort(edges []Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].Port < edges[j-1].Port; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}

// TopologicalOrder returns the graph's nodes in dependency order (Kahn's
// algorithm, as the teacher's model.Graph.topologicalSort does for its flat
// node array), failing with errs.GraphInvalid if a cycle exists.
func (g *Graph) TopologicalOrder() ([]TaskNode, error) {
	inDegree := make(map[TaskNode]int, len(g.nodes))
	for _, n := range g.nodes {
		inDegree[n] = len(g.inEdges[n])
	}

	queue := make([]TaskNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	order := make([]TaskNode, 0, len(g.nodes))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, e := range g.outEdges[cur] {
			inDegree[e.Dst]--
			if inDegree[e.Dst] == 0 {
				queue = append(queue, e.Dst)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, errs.New(errs.GraphInvalid, "", fmt.Errorf("cycle detected: %d/%d nodes ordered", len(order), len(g.nodes)))
	}
	return order, nil
}

// Validate checks graph invariants (§4.3): no cycles, every node's declared
// input arity is satisfied by incoming edges with distinct port indices,
// source nodes have zero declared inputs, sink nodes (requisition-wise) are
// determined at runtime so only the declared arity is checked here.
func (g *Graph) Validate() error {
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}

	for _, n := range g.nodes {
		want := n.NumInputs()
		edges := g.inEdges[n]
		if len(edges) != want {
			return errs.New(errs.GraphInvalid, n.Name(),
				fmt.Errorf("arity mismatch: declared %d inputs, %d connected", want, len(edges)))
		}
		seen := make(map[int]bool, len(edges))
		for _, e := range edges {
			if e.Port < 0 || e.Port >= want {
				return errs.New(errs.GraphInvalid, n.Name(),
					fmt.Errorf("dimension mismatch: port %d out of declared range [0,%d)", e.Port, want))
			}
			if seen[e.Port] {
				return errs.New(errs.GraphInvalid, n.Name(),
					fmt.Errorf("arity mismatch: port %d connected more than once", e.Port))
			}
			seen[e.Port] = true
		}
	}
	return nil
}

// Freeze validates the graph and forbids further mutation. The scheduler
// calls this before binding.
func (g *Graph) Freeze() error {
	if g.frozen {
		return nil
	}
	if err := g.Validate(); err != nil {
		return err
	}
	g.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called.
func (g *Graph) Frozen() bool { return g.frozen }
