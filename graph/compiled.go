package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/logging"
	"github.com/langgraph-go/stategraph/session"
	"github.com/langgraph-go/stategraph/telemetry"
	"github.com/langgraph-go/stategraph/types"
)

// compiledNode is one row of the routing table.
type compiledNode struct {
	name   string
	fn     types.NodeFunc
	policy types.ErrorPolicy
	retry  *types.RetryPolicy

	// next is the plain edge target; empty when the node routes through router
	next    string
	router  types.RouterFunc
	mapping map[string]string
	labels  []string

	tags     []string
	metadata map[string]interface{}
}

type routingTable struct {
	entry string
	order []string
	nodes map[string]*compiledNode
}

func (t *routingTable) reachable() map[string]bool {
	seen := map[string]bool{t.entry: true}
	queue := []string{t.entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		node := t.nodes[current]
		if node == nil {
			continue
		}
		targets := []string{node.next}
		for _, target := range node.mapping {
			targets = append(targets, target)
		}
		for _, target := range targets {
			if target == "" || target == constants.End || seen[target] {
				continue
			}
			seen[target] = true
			queue = append(queue, target)
		}
	}
	return seen
}

// CompileOption is an option for compiling a graph.
type CompileOption func(*CompiledGraph)

// WithCheckpointer persists a checkpoint after every step of runs that
// carry a session id.
func WithCheckpointer(saver checkpoint.Saver) CompileOption {
	return func(cg *CompiledGraph) {
		cg.checkpointer = saver
	}
}

// WithMaxSteps sets the default step budget of a run.
func WithMaxSteps(n int) CompileOption {
	return func(cg *CompiledGraph) {
		cg.maxSteps = n
	}
}

// WithOnNodeError sets the default policy for nodes registered without one.
func WithOnNodeError(policy types.ErrorPolicy) CompileOption {
	return func(cg *CompiledGraph) {
		cg.onNodeError = policy
	}
}

// WithInterruptBefore pauses session runs before the named nodes.
func WithInterruptBefore(nodes ...string) CompileOption {
	return func(cg *CompiledGraph) {
		for _, node := range nodes {
			cg.interrupts[node] = true
		}
	}
}

// WithLogger sets the logger of the executor.
func WithLogger(logger *slog.Logger) CompileOption {
	return func(cg *CompiledGraph) {
		cg.logger = logger
	}
}

// WithTelemetry instruments runs, nodes and checkpoint operations.
func WithTelemetry(provider *telemetry.Provider) CompileOption {
	return func(cg *CompiledGraph) {
		cg.telemetry = provider
	}
}

// WithSessionManager shares session locks with other graphs or processes.
func WithSessionManager(manager *session.Manager) CompileOption {
	return func(cg *CompiledGraph) {
		cg.sessions = manager
	}
}

// WithName names the graph in logs, spans and checkpoint metadata.
func WithName(name string) CompileOption {
	return func(cg *CompiledGraph) {
		cg.name = name
	}
}

// CompiledGraph is an immutable, executable graph. It is safe for
// concurrent use; runs on the same session are serialized.
type CompiledGraph struct {
	table    *routingTable
	reducers *channels.Registry

	name         string
	checkpointer checkpoint.Saver
	maxSteps     int
	onNodeError  types.ErrorPolicy
	interrupts   map[string]bool
	logger       *slog.Logger
	telemetry    *telemetry.Provider
	sessions     *session.Manager
}

func newCompiledGraph(table *routingTable, reducers *channels.Registry) *CompiledGraph {
	return &CompiledGraph{
		table:       table,
		reducers:    reducers,
		name:        "stategraph",
		maxSteps:    constants.DefaultMaxSteps,
		onNodeError: types.ErrorPolicy(constants.DefaultOnNodeError),
		interrupts:  make(map[string]bool),
	}
}

func (cg *CompiledGraph) validate() error {
	if cg.maxSteps < 1 {
		return &errors.GraphValidationError{Message: fmt.Sprintf("max_steps must be at least 1, got %d", cg.maxSteps)}
	}
	if !cg.onNodeError.Valid() {
		return &errors.GraphValidationError{Message: fmt.Sprintf("unknown on_node_error %q", cg.onNodeError)}
	}
	for node := range cg.interrupts {
		if _, ok := cg.table.nodes[node]; !ok {
			return &errors.NodeNotFoundError{NodeName: node}
		}
		if node == cg.table.entry {
			return &errors.GraphValidationError{NodeName: node, Message: "the entry node cannot be an interrupt point"}
		}
	}
	if len(cg.interrupts) > 0 && cg.checkpointer == nil {
		return &errors.GraphValidationError{Message: "interrupts require a checkpointer"}
	}
	return nil
}

// finish fills in defaults once options are applied.
func (cg *CompiledGraph) finish() {
	if cg.logger == nil {
		cg.logger = logging.NewNop()
	}
	cg.logger = cg.logger.With("graph", cg.name)
	if cg.telemetry == nil {
		cg.telemetry = telemetry.NewNoopProvider()
	} else {
		cg.checkpointer = telemetry.InstrumentSaver(cg.checkpointer, cg.telemetry)
	}
	if cg.sessions == nil {
		cg.sessions = session.NewManager(session.WithLogger(cg.logger))
	}
}

// Name returns the graph name.
func (cg *CompiledGraph) Name() string {
	return cg.name
}

// Checkpointer returns the configured saver, or nil.
func (cg *CompiledGraph) Checkpointer() checkpoint.Saver {
	return cg.checkpointer
}

// GetState returns the latest checkpoint of a session, or nil if the session
// has none.
func (cg *CompiledGraph) GetState(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	if cg.checkpointer == nil {
		return nil, errors.ErrNoCheckpointer
	}
	if sessionID == "" {
		return nil, errors.ErrSessionRequired
	}
	cp, err := cg.checkpointer.Load(ctx, sessionID)
	if err != nil {
		return nil, &errors.PersistenceError{Operation: "load", SessionID: sessionID, Step: -1, Cause: err}
	}
	return cp, nil
}

// History returns up to limit checkpoints of a session, newest first.
func (cg *CompiledGraph) History(ctx context.Context, sessionID string, limit int) ([]*checkpoint.Checkpoint, error) {
	if cg.checkpointer == nil {
		return nil, errors.ErrNoCheckpointer
	}
	if sessionID == "" {
		return nil, errors.ErrSessionRequired
	}
	list, err := cg.checkpointer.List(ctx, sessionID, limit)
	if err != nil {
		return nil, &errors.PersistenceError{Operation: "list", SessionID: sessionID, Step: -1, Cause: err}
	}
	return list, nil
}

// GetNodes returns the node names in registration order.
func (cg *CompiledGraph) GetNodes() []string {
	return append([]string(nil), cg.table.order...)
}

// GetEntryPoint returns the node the start marker leads to.
func (cg *CompiledGraph) GetEntryPoint() string {
	return cg.table.entry
}

// GetEdges returns the plain edges as (from, to) pairs.
func (cg *CompiledGraph) GetEdges() [][2]string {
	edges := make([][2]string, 0, len(cg.table.order))
	for _, name := range cg.table.order {
		if next := cg.table.nodes[name].next; next != "" {
			edges = append(edges, [2]string{name, next})
		}
	}
	return edges
}

// GetConditionalEdges returns the conditional edges as (from, label, to)
// triples, ordered by node and label.
func (cg *CompiledGraph) GetConditionalEdges() [][3]string {
	var edges [][3]string
	for _, name := range cg.table.order {
		node := cg.table.nodes[name]
		for _, label := range node.labels {
			edges = append(edges, [3]string{name, label, node.mapping[label]})
		}
	}
	return edges
}

// Interrupts returns the interrupt points, sorted.
func (cg *CompiledGraph) Interrupts() []string {
	out := make([]string, 0, len(cg.interrupts))
	for node := range cg.interrupts {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}
