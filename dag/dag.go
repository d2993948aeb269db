// Package dag wraps a gonum directed graph whose nodes are identified by
// name, used for the call trees of global transactions.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	attrs encoding.Attributes
	ids   map[string]int64
}

func New() *Graph {
	return &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		ids:           make(map[string]int64),
	}
}

// NodeFor returns the node with the given name, adding it if needed.
func (g *Graph) NodeFor(name string) *Node {
	if id, ok := g.ids[name]; ok {
		return g.DirectedGraph.Node(id).(*Node)
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	g.DirectedGraph.AddNode(n)
	g.ids[name] = n.ID()
	return n
}

// Has reports whether a node with the given name exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.ids[name]
	return ok
}

// Connect adds an edge between the named nodes. Self loops are ignored.
func (g *Graph) Connect(from, to string) {
	if from == to {
		return
	}
	f, t := g.NodeFor(from), g.NodeFor(to)
	g.SetEdge(g.NewEdge(f, t))
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

// Order returns node names in topological order. Nodes that become ready at
// the same time are ordered by less.
func (g *Graph) Order(less func(a, b string) bool) ([]string, error) {
	sorted, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.SliceStable(nodes, func(i, j int) bool {
			return less(nodes[i].(*Node).name, nodes[j].(*Node).name)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}

	order := make([]string, len(sorted))
	for i, n := range sorted {
		order[i] = n.(*Node).name
	}
	return order, nil
}

func (g *Graph) DOTAttributers() (encoding.Attributer, encoding.Attributer, encoding.Attributer) {
	return &g.attrs, &encoding.Attributes{}, &encoding.Attributes{}
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export graph to DOT format: %w", err)
	}
	return string(data), nil
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

func (n *Node) Name() string {
	return n.name
}

// DOTID makes the node name the DOT identifier.
func (n *Node) DOTID() string {
	return n.name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}
