// Package constants provides the reserved names shared by stategraph packages.
package constants

// Graph markers.
const (
	// Start is the virtual node every run enters from.
	Start = "__start__"
	// End is the virtual node that terminates a run.
	End = "__end__"
)

// Reserved state keys.
const (
	// ErrorKey receives the description of a soft-failed node.
	ErrorKey = "error"
)

// Defaults for the run-time safety net.
const (
	// DefaultMaxSteps bounds the number of node executions in one run.
	DefaultMaxSteps = 1000
	// DefaultOnNodeError is the node error policy used when none is declared.
	DefaultOnNodeError = "continue"
)

// Metadata keys written into checkpoints and stream chunks.
const (
	// MetaRunID identifies the run that wrote a checkpoint.
	MetaRunID = "run_id"
	// MetaSource tells whether a checkpoint came from a fresh or resumed run.
	MetaSource = "source"
	// MetaGraph is the name of the graph that wrote a checkpoint.
	MetaGraph = "graph"
)

// Checkpoint sources.
const (
	SourceFresh   = "fresh"
	SourceResumed = "resumed"
)

// Reserved contains the node names callers may not register.
var Reserved = map[string]bool{
	Start: true,
	End:   true,
}

// IsReserved checks if a node name is reserved.
func IsReserved(name string) bool {
	return Reserved[name]
}
