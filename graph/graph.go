// Package graph provides the StateGraph builder and the executor that runs a
// compiled graph one node at a time.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

// Node represents a node in the graph.
type Node struct {
	Name     string
	Function types.NodeFunc
	// ErrorPolicy overrides the run's on_node_error when set.
	ErrorPolicy types.ErrorPolicy
	// Retry policy for this node
	RetryPolicy *types.RetryPolicy
	// Tags for the node
	Tags []string
	// Metadata for the node
	Metadata map[string]interface{}
}

// NodeOption configures a node at registration.
type NodeOption func(*Node)

// WithErrorPolicy declares how failures of the node are handled.
func WithErrorPolicy(policy types.ErrorPolicy) NodeOption {
	return func(n *Node) {
		n.ErrorPolicy = policy
	}
}

// WithRetryPolicy retries a failing node inside its step before the error
// policy applies.
func WithRetryPolicy(policy types.RetryPolicy) NodeOption {
	return func(n *Node) {
		n.RetryPolicy = &policy
	}
}

// WithTags adds tags to the node.
func WithTags(tags ...string) NodeOption {
	return func(n *Node) {
		n.Tags = append(n.Tags, tags...)
	}
}

// WithMetadata adds metadata to the node.
func WithMetadata(metadata map[string]interface{}) NodeOption {
	return func(n *Node) {
		for k, v := range metadata {
			n.Metadata[k] = v
		}
	}
}

// Edge represents an edge in the graph.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node by the label its router returns.
type ConditionalEdge struct {
	From   string
	Router types.RouterFunc
	// Mapping from router label to target node
	Mapping map[string]string
}

// StateGraph is a graph whose nodes communicate by reading and writing to a
// shared State. It is sealed by Compile.
type StateGraph struct {
	mu sync.Mutex

	nodes map[string]*Node
	// order keeps registration order for validation and drawing
	order            []string
	edges            []*Edge
	conditionalEdges []*ConditionalEdge
	reducers         *channels.Registry
	sealed           bool
}

// NewStateGraph creates an empty StateGraph.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		nodes:            make(map[string]*Node),
		edges:            make([]*Edge, 0),
		conditionalEdges: make([]*ConditionalEdge, 0),
		reducers:         channels.NewRegistry(),
	}
}

func (g *StateGraph) has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// AddNode registers a node.
func (g *StateGraph) AddNode(name string, fn types.NodeFunc, opts ...NodeOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return &errors.GraphSealedError{Operation: "AddNode"}
	}
	if name == "" {
		return &errors.InvalidNodeError{NodeName: name, Message: "name must not be empty"}
	}
	if constants.IsReserved(name) {
		return &errors.InvalidNodeError{NodeName: name, Message: "name is reserved"}
	}
	if fn == nil {
		return &errors.InvalidNodeError{NodeName: name, Message: "node function is nil"}
	}
	if g.has(name) {
		return &errors.DuplicateNodeError{NodeName: name}
	}

	node := &Node{
		Name:     name,
		Function: fn,
		Tags:     make([]string, 0),
		Metadata: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(node)
	}
	if node.ErrorPolicy != "" && !node.ErrorPolicy.Valid() {
		return &errors.InvalidNodeError{NodeName: name, Message: fmt.Sprintf("unknown error policy %q", node.ErrorPolicy)}
	}

	g.nodes[name] = node
	g.order = append(g.order, name)
	return nil
}

// AddEdge adds an edge between two nodes. from may be constants.Start and to
// may be constants.End.
func (g *StateGraph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return &errors.GraphSealedError{Operation: "AddEdge"}
	}
	if from == constants.End {
		return &errors.InvalidEdgeError{From: from, To: to, Message: "the end marker has no outgoing edges"}
	}
	if to == constants.Start {
		return &errors.InvalidEdgeError{From: from, To: to, Message: "the start marker has no inbound edges"}
	}
	if from != constants.Start && !g.has(from) {
		return &errors.NodeNotFoundError{NodeName: from}
	}
	if to != constants.End && !g.has(to) {
		return &errors.NodeNotFoundError{NodeName: to}
	}

	g.edges = append(g.edges, &Edge{From: from, To: to})
	return nil
}

// AddConditionalEdges routes from a node through router. mapping maps every
// label the router may return to a registered node, the node itself, or
// constants.End.
func (g *StateGraph) AddConditionalEdges(from string, router types.RouterFunc, mapping map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return &errors.GraphSealedError{Operation: "AddConditionalEdges"}
	}
	if from == constants.Start || from == constants.End {
		return &errors.InvalidEdgeError{From: from, Message: "markers cannot have conditional edges"}
	}
	if !g.has(from) {
		return &errors.NodeNotFoundError{NodeName: from}
	}
	if router == nil {
		return &errors.InvalidEdgeError{From: from, Message: "router is nil"}
	}
	if len(mapping) == 0 {
		return &errors.InvalidEdgeError{From: from, Message: "label mapping is empty"}
	}

	table := make(map[string]string, len(mapping))
	for label, target := range mapping {
		if target != constants.End && !g.has(target) {
			return &errors.NodeNotFoundError{NodeName: target}
		}
		table[label] = target
	}

	g.conditionalEdges = append(g.conditionalEdges, &ConditionalEdge{
		From:    from,
		Router:  router,
		Mapping: table,
	})
	return nil
}

// SetEntryPoint is shorthand for AddEdge(constants.Start, node).
func (g *StateGraph) SetEntryPoint(node string) error {
	return g.AddEdge(constants.Start, node)
}

// SetFinishPoint is shorthand for AddEdge(node, constants.End).
func (g *StateGraph) SetFinishPoint(node string) error {
	return g.AddEdge(node, constants.End)
}

// SetReducer sets the merge policy of a State key. Keys without one use
// channels.Replace.
func (g *StateGraph) SetReducer(key string, reducer channels.Reducer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return &errors.GraphSealedError{Operation: "SetReducer"}
	}
	return g.reducers.Register(key, reducer)
}

// GetNode returns a node by name.
func (g *StateGraph) GetNode(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[name]
	return node, ok
}

// Nodes returns the node names in registration order.
func (g *StateGraph) Nodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Sealed reports whether the graph has been compiled.
func (g *StateGraph) Sealed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sealed
}

// Validate checks the graph structure without sealing it.
func (g *StateGraph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.buildRoutes()
	return err
}

// buildRoutes validates the graph and produces its routing table.
func (g *StateGraph) buildRoutes() (*routingTable, error) {
	plain := make(map[string][]string)
	conditional := make(map[string][]*ConditionalEdge)
	inbound := make(map[string]int)

	for _, e := range g.edges {
		plain[e.From] = append(plain[e.From], e.To)
		inbound[e.To]++
	}
	for _, ce := range g.conditionalEdges {
		conditional[ce.From] = append(conditional[ce.From], ce)
		for _, target := range ce.Mapping {
			inbound[target]++
		}
	}

	starts := plain[constants.Start]
	switch {
	case len(starts) == 0:
		return nil, &errors.GraphValidationError{Message: "no entry point, add an edge from " + constants.Start}
	case len(starts) > 1:
		return nil, &errors.GraphValidationError{
			NodeName: constants.Start,
			Message:  fmt.Sprintf("start marker has %d outgoing edges, want exactly one", len(starts)),
		}
	}

	table := &routingTable{
		entry: starts[0],
		order: append([]string(nil), g.order...),
		nodes: make(map[string]*compiledNode, len(g.nodes)),
	}

	for _, name := range g.order {
		node := g.nodes[name]
		p, c := plain[name], conditional[name]

		switch {
		case len(p) > 0 && len(c) > 0:
			return nil, &errors.GraphValidationError{NodeName: name, Message: "has both plain and conditional edges"}
		case len(p) > 1:
			return nil, &errors.GraphValidationError{NodeName: name, Message: fmt.Sprintf("has %d plain edges, want one", len(p))}
		case len(c) > 1:
			return nil, &errors.GraphValidationError{NodeName: name, Message: fmt.Sprintf("has %d conditional edges, want one", len(c))}
		case len(p) == 0 && len(c) == 0:
			return nil, &errors.GraphValidationError{NodeName: name, Message: "dead end, add an outgoing edge or an edge to " + constants.End}
		}

		if inbound[name] == 0 && name != table.entry {
			return nil, &errors.GraphValidationError{NodeName: name, Message: "has no inbound edge"}
		}

		cn := &compiledNode{
			name:     name,
			fn:       node.Function,
			policy:   node.ErrorPolicy,
			retry:    node.RetryPolicy,
			tags:     append([]string(nil), node.Tags...),
			metadata: node.Metadata,
		}
		if len(p) == 1 {
			cn.next = p[0]
		} else {
			cn.router = c[0].Router
			cn.mapping = c[0].Mapping
			for label := range cn.mapping {
				cn.labels = append(cn.labels, label)
			}
			sort.Strings(cn.labels)
		}
		table.nodes[name] = cn
	}

	reachable := table.reachable()
	for _, name := range g.order {
		if !reachable[name] {
			return nil, &errors.GraphValidationError{NodeName: name, Message: "unreachable from " + constants.Start}
		}
	}
	return table, nil
}

// Compile validates the graph, seals the builder, and returns an executable
// graph. Compile may be called again with other options.
func (g *StateGraph) Compile(opts ...CompileOption) (*CompiledGraph, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	table, err := g.buildRoutes()
	if err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}

	cg := newCompiledGraph(table, g.reducers.Freeze())
	for _, opt := range opts {
		opt(cg)
	}
	if err := cg.validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	cg.finish()

	g.sealed = true
	return cg, nil
}
