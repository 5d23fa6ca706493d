// Package stategraph is the entry point of the stategraph workflow engine.
//
// A workflow is a directed graph of named nodes sharing one State. Each node
// returns a partial update that is folded into the State through per-key
// reducers; plain and conditional edges pick the next node. Runs are bounded
// by a step budget and, when a checkpointer is configured, every step is
// persisted per session so that an interrupted or failed run can resume.
//
// Basic Usage:
//
//	g := stategraph.NewStateGraph()
//	g.AddNode("greet", func(ctx context.Context, s stategraph.State) (stategraph.State, error) {
//	    name, _ := s.GetString("name")
//	    return stategraph.StateOf("greeting", "hello "+name), nil
//	})
//	g.SetEntryPoint("greet")
//	g.AddEdge("greet", stategraph.End)
//
//	cg, err := g.Compile(stategraph.WithCheckpointer(stategraph.NewMemorySaver()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	state, err := cg.Invoke(ctx, stategraph.StateOf("name", "ada"), stategraph.WithSessionID("s1"))
//
// The subpackages hold the parts: graph (builder and executor), channels
// (reducers), checkpoint (savers), stream (step iterators), prebuilt
// (retry, guard and approval nodes), hclgraph (graphs declared in HCL) and
// config (file and environment configuration).
package stategraph

import (
	"context"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/stream"
	"github.com/langgraph-go/stategraph/types"
)

// Re-export main types for convenience.
type (
	// State is the ordered key/value mapping carried between nodes.
	State = types.State
	// NodeFunc is the signature of a node function.
	NodeFunc = types.NodeFunc
	// RouterFunc picks the label of a conditional edge.
	RouterFunc = types.RouterFunc
	// RunStatus is the lifecycle state of a run.
	RunStatus = types.RunStatus
	// ErrorPolicy decides what a node failure does to the run.
	ErrorPolicy = types.ErrorPolicy
	// RetryPolicy configures in-step retries of a node.
	RetryPolicy = types.RetryPolicy

	StateGraph    = graph.StateGraph
	CompiledGraph = graph.CompiledGraph
	Result        = graph.Result
	CompileOption = graph.CompileOption
	RunOption     = graph.RunOption
	NodeOption    = graph.NodeOption

	// Reducer merges one key of an update into the State.
	Reducer = channels.Reducer

	Checkpoint    = checkpoint.Checkpoint
	Saver         = checkpoint.Saver
	MemorySaver   = checkpoint.MemorySaver
	SqliteSaver   = checkpoint.SqliteSaver
	PostgresSaver = checkpoint.PostgresSaver
	RedisSaver    = checkpoint.RedisSaver

	StreamChunk = stream.StreamChunk
	Iterator    = stream.Iterator
)

// Re-export constants.
const (
	// Start is the virtual node a run begins at.
	Start = constants.Start
	// End is the virtual node a run finishes at.
	End = constants.End

	StatusReady       = types.StatusReady
	StatusRunning     = types.StatusRunning
	StatusDone        = types.StatusDone
	StatusFailed      = types.StatusFailed
	StatusInterrupted = types.StatusInterrupted

	ErrorPolicyContinue = types.ErrorPolicyContinue
	ErrorPolicyFail     = types.ErrorPolicyFail
)

// Built-in reducers.
var (
	Replace = channels.Replace
	Append  = channels.Append
	Add     = channels.Add
	Merge   = channels.Merge
)

// Re-export error types.
type (
	RunError                = errors.RunError
	NodeError               = errors.NodeError
	RouterError             = errors.RouterError
	UnroutableLabelError    = errors.UnroutableLabelError
	StepBudgetExceededError = errors.StepBudgetExceededError
	PersistenceError        = errors.PersistenceError
	GraphInterrupt          = errors.GraphInterrupt
	GraphValidationError    = errors.GraphValidationError
	NodeNotFoundError       = errors.NodeNotFoundError
	DuplicateNodeError      = errors.DuplicateNodeError
	InvalidNodeError        = errors.InvalidNodeError
	InvalidEdgeError        = errors.InvalidEdgeError
	GraphSealedError        = errors.GraphSealedError
)

// Compile options.
var (
	WithCheckpointer    = graph.WithCheckpointer
	WithMaxSteps        = graph.WithMaxSteps
	WithOnNodeError     = graph.WithOnNodeError
	WithInterruptBefore = graph.WithInterruptBefore
	WithLogger          = graph.WithLogger
	WithTelemetry       = graph.WithTelemetry
	WithSessionManager  = graph.WithSessionManager
	WithName            = graph.WithName
)

// Run options.
var (
	WithSessionID      = graph.WithSessionID
	WithRunMaxSteps    = graph.WithRunMaxSteps
	WithRunOnNodeError = graph.WithRunOnNodeError
	WithRunID          = graph.WithRunID
	WithRunTags        = graph.WithRunTags
	WithRunMetadata    = graph.WithRunMetadata
)

// Node options.
var (
	WithErrorPolicy = graph.WithErrorPolicy
	WithRetryPolicy = graph.WithRetryPolicy
	WithTags        = graph.WithTags
	WithMetadata    = graph.WithMetadata
)

// NewStateGraph creates an empty graph builder.
func NewStateGraph() *StateGraph {
	return graph.NewStateGraph()
}

// NewState creates an empty State.
func NewState() State {
	return types.NewState()
}

// StateOf builds a State from alternating keys and values.
func StateOf(kv ...interface{}) State {
	return types.StateOf(kv...)
}

// NewMemorySaver creates a new in-memory checkpoint saver.
func NewMemorySaver() *MemorySaver {
	return checkpoint.NewMemorySaver()
}

// NewSqliteSaver creates a new SQLite checkpoint saver.
func NewSqliteSaver(dbPath string) (*SqliteSaver, error) {
	return checkpoint.NewSqliteSaver(dbPath)
}

// NewPostgresSaver creates a new PostgreSQL checkpoint saver.
func NewPostgresSaver(ctx context.Context, connString string) (*PostgresSaver, error) {
	return checkpoint.NewPostgresSaver(ctx, connString)
}

// NewRedisSaverFromURL creates a new Redis checkpoint saver.
func NewRedisSaverFromURL(url string) (*RedisSaver, error) {
	return checkpoint.NewRedisSaverFromURL(url)
}

// DefaultRetryPolicy returns a default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return types.DefaultRetryPolicy()
}
