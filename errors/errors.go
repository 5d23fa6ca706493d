// Package errors provides the error taxonomy of stategraph.
//
// Every failure a caller can observe belongs to one Category: compile-time
// errors are raised while building a graph, the others end a run in the
// FAILED state and reach the caller wrapped in a *RunError.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode represents specific error codes for stategraph.
type ErrorCode string

const (
	// ErrorCodeDuplicateNode is raised when a node name is registered twice.
	ErrorCodeDuplicateNode ErrorCode = "DUPLICATE_NODE"
	// ErrorCodeUnknownNode is raised when an edge names an unregistered node.
	ErrorCodeUnknownNode ErrorCode = "UNKNOWN_NODE"
	// ErrorCodeInvalidNode is raised for nil node functions and reserved names.
	ErrorCodeInvalidNode ErrorCode = "INVALID_NODE"
	// ErrorCodeInvalidEdge is raised for malformed edges.
	ErrorCodeInvalidEdge ErrorCode = "INVALID_EDGE"
	// ErrorCodeGraphSealed is raised when a compiled graph is mutated.
	ErrorCodeGraphSealed ErrorCode = "GRAPH_SEALED"
	// ErrorCodeInvalidGraph is raised when compile-time validation fails.
	ErrorCodeInvalidGraph ErrorCode = "INVALID_GRAPH"
	// ErrorCodeUnroutableLabel is raised when a router returns an undeclared label.
	ErrorCodeUnroutableLabel ErrorCode = "UNROUTABLE_LABEL"
	// ErrorCodeRouterFailed is raised when a router function returns an error.
	ErrorCodeRouterFailed ErrorCode = "ROUTER_FAILED"
	// ErrorCodeNodeFailed is raised when a fail-fast node returns an error.
	ErrorCodeNodeFailed ErrorCode = "NODE_FAILED"
	// ErrorCodeStepBudgetExceeded is raised when a run exhausts max_steps.
	ErrorCodeStepBudgetExceeded ErrorCode = "STEP_BUDGET_EXCEEDED"
	// ErrorCodePersistence is raised when a checkpoint cannot be loaded or saved.
	ErrorCodePersistence ErrorCode = "PERSISTENCE"
	// ErrorCodeInvalidUpdate is raised when a merge would change a key's kind.
	ErrorCodeInvalidUpdate ErrorCode = "INVALID_UPDATE"
	// ErrorCodeCancelled is raised when the run context is done.
	ErrorCodeCancelled ErrorCode = "CANCELLED"
	// ErrorCodeInterrupted is raised when a run pauses before an interrupt node.
	ErrorCodeInterrupted ErrorCode = "INTERRUPTED"
)

// Category groups error codes by how a caller should react to them.
type Category string

const (
	CategoryCompile     Category = "compile"
	CategoryRouting     Category = "routing"
	CategoryNode        Category = "node"
	CategoryBudget      Category = "budget"
	CategoryPersistence Category = "persistence"
	CategoryState       Category = "state"
	CategoryRuntime     Category = "runtime"
)

var categories = map[ErrorCode]Category{
	ErrorCodeDuplicateNode:      CategoryCompile,
	ErrorCodeUnknownNode:        CategoryCompile,
	ErrorCodeInvalidNode:        CategoryCompile,
	ErrorCodeInvalidEdge:        CategoryCompile,
	ErrorCodeGraphSealed:        CategoryCompile,
	ErrorCodeInvalidGraph:       CategoryCompile,
	ErrorCodeUnroutableLabel:    CategoryRouting,
	ErrorCodeRouterFailed:       CategoryRouting,
	ErrorCodeNodeFailed:         CategoryNode,
	ErrorCodeStepBudgetExceeded: CategoryBudget,
	ErrorCodePersistence:        CategoryPersistence,
	ErrorCodeInvalidUpdate:      CategoryState,
	ErrorCodeCancelled:          CategoryRuntime,
	ErrorCodeInterrupted:        CategoryRuntime,
}

// Category returns the category of an error code.
func (c ErrorCode) Category() Category {
	return categories[c]
}

// Sentinel errors.
var (
	// ErrStepConflict is returned by savers when a step index does not advance.
	ErrStepConflict = stderrors.New("checkpoint step index must increase")
	// ErrSessionRequired is returned when an operation needs a session id.
	ErrSessionRequired = stderrors.New("session id required")
	// ErrNoCheckpointer is returned when session features are used without a saver.
	ErrNoCheckpointer = stderrors.New("no checkpointer configured")
)

// ErrorContext tags a lower-level failure, such as a storage driver error,
// with a code and the call stack at the point it was tagged.
type ErrorContext struct {
	ErrorCode ErrorCode
	// Message names the operation that failed, e.g. "save checkpoint".
	Message string
	// StackTrace holds one "function\n\tfile:line" entry per frame, innermost
	// first.
	StackTrace []string
	Cause      error
	// Metadata identifies what the operation worked on, e.g. session_id.
	Metadata map[string]interface{}
}

// NewErrorContext tags cause with code. The stack starts at the caller.
func NewErrorContext(code ErrorCode, message string, cause error) *ErrorContext {
	return newErrorContext(code, message, cause)
}

// newErrorContext must be called directly by an exported function so the
// recorded stack starts at that function's caller.
func newErrorContext(code ErrorCode, message string, cause error) *ErrorContext {
	return &ErrorContext{
		ErrorCode:  code,
		Message:    message,
		StackTrace: callers(4),
		Cause:      cause,
		Metadata:   make(map[string]interface{}),
	}
}

func (ec *ErrorContext) Error() string {
	if ec.Cause == nil {
		return fmt.Sprintf("[%s] %s", ec.ErrorCode, ec.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", ec.ErrorCode, ec.Message, ec.Cause)
}

func (ec *ErrorContext) Unwrap() error { return ec.Cause }

// Code implements the coded error interface.
func (ec *ErrorContext) Code() ErrorCode { return ec.ErrorCode }

// AddMetadata records a key/value pair and returns ec for chaining.
func (ec *ErrorContext) AddMetadata(key string, value interface{}) *ErrorContext {
	if ec.Metadata == nil {
		ec.Metadata = make(map[string]interface{})
	}
	ec.Metadata[key] = value
	return ec
}

func callers(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if frame.Function != "" {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			return stack
		}
	}
}

// WrapError tags err with code and the operation message. It returns nil
// for a nil err.
func WrapError(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return newErrorContext(code, message, err)
}

// coder is implemented by every typed error of this package.
type coder interface {
	Code() ErrorCode
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var re *RunError
	if stderrors.As(err, &re) {
		return re.Code
	}
	var c coder
	if stderrors.As(err, &c) {
		return c.Code()
	}
	return ""
}

// CategoryOf returns the category of the first coded error in the chain.
func CategoryOf(err error) Category {
	return GetErrorCode(err).Category()
}

// GetErrorStack returns the stack recorded by the innermost ErrorContext in
// the chain of err, or nil.
func GetErrorStack(err error) []string {
	var ec *ErrorContext
	if stderrors.As(err, &ec) {
		return ec.StackTrace
	}
	return nil
}

// DuplicateNodeError is raised when a node name is already registered.
type DuplicateNodeError struct {
	NodeName string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("duplicate node: %s", e.NodeName)
}

func (e *DuplicateNodeError) Code() ErrorCode { return ErrorCodeDuplicateNode }

// IsDuplicateNodeError checks if an error is a DuplicateNodeError.
func IsDuplicateNodeError(err error) bool {
	var target *DuplicateNodeError
	return stderrors.As(err, &target)
}

// NodeNotFoundError is raised when an edge endpoint is not a registered node.
type NodeNotFoundError struct {
	NodeName string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("unknown node: %s", e.NodeName)
}

func (e *NodeNotFoundError) Code() ErrorCode { return ErrorCodeUnknownNode }

// IsNodeNotFoundError checks if an error is a NodeNotFoundError.
func IsNodeNotFoundError(err error) bool {
	var target *NodeNotFoundError
	return stderrors.As(err, &target)
}

// InvalidNodeError is raised when a node is invalid.
type InvalidNodeError struct {
	NodeName string
	Message  string
}

func (e *InvalidNodeError) Error() string {
	return fmt.Sprintf("invalid node '%s': %s", e.NodeName, e.Message)
}

func (e *InvalidNodeError) Code() ErrorCode { return ErrorCodeInvalidNode }

// InvalidEdgeError is raised when an edge is invalid.
type InvalidEdgeError struct {
	From    string
	To      string
	Message string
}

func (e *InvalidEdgeError) Error() string {
	return fmt.Sprintf("invalid edge from '%s' to '%s': %s", e.From, e.To, e.Message)
}

func (e *InvalidEdgeError) Code() ErrorCode { return ErrorCodeInvalidEdge }

// GraphSealedError is raised when a compiled graph builder is mutated.
type GraphSealedError struct {
	Operation string
}

func (e *GraphSealedError) Error() string {
	return fmt.Sprintf("graph is sealed: %s not allowed after compile", e.Operation)
}

func (e *GraphSealedError) Code() ErrorCode { return ErrorCodeGraphSealed }

// IsGraphSealedError checks if an error is a GraphSealedError.
func IsGraphSealedError(err error) bool {
	var target *GraphSealedError
	return stderrors.As(err, &target)
}

// GraphValidationError is raised when compile-time validation fails.
type GraphValidationError struct {
	NodeName string
	Message  string
}

func (e *GraphValidationError) Error() string {
	if e.NodeName == "" {
		return fmt.Sprintf("invalid graph: %s", e.Message)
	}
	return fmt.Sprintf("invalid graph at node '%s': %s", e.NodeName, e.Message)
}

func (e *GraphValidationError) Code() ErrorCode { return ErrorCodeInvalidGraph }

// IsGraphValidationError checks if an error is a GraphValidationError.
func IsGraphValidationError(err error) bool {
	var target *GraphValidationError
	return stderrors.As(err, &target)
}

// UnroutableLabelError is raised when a router returns a label missing from its mapping.
type UnroutableLabelError struct {
	NodeName string
	Label    string
	Declared []string
}

func (e *UnroutableLabelError) Error() string {
	return fmt.Sprintf("router of node '%s' returned undeclared label %q (declared: %s)",
		e.NodeName, e.Label, strings.Join(e.Declared, ", "))
}

func (e *UnroutableLabelError) Code() ErrorCode { return ErrorCodeUnroutableLabel }

// IsUnroutableLabelError checks if an error is an UnroutableLabelError.
func IsUnroutableLabelError(err error) bool {
	var target *UnroutableLabelError
	return stderrors.As(err, &target)
}

// RouterError is raised when a router function fails.
type RouterError struct {
	NodeName string
	Cause    error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("router of node '%s' failed: %v", e.NodeName, e.Cause)
}

func (e *RouterError) Unwrap() error { return e.Cause }

func (e *RouterError) Code() ErrorCode { return ErrorCodeRouterFailed }

// NodeError is raised when a fail-fast node returns an error or panics.
type NodeError struct {
	NodeName string
	Step     int
	Cause    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node '%s' failed at step %d: %v", e.NodeName, e.Step, e.Cause)
}

func (e *NodeError) Unwrap() error { return e.Cause }

func (e *NodeError) Code() ErrorCode { return ErrorCodeNodeFailed }

// IsNodeError checks if an error is a NodeError.
func IsNodeError(err error) bool {
	var target *NodeError
	return stderrors.As(err, &target)
}

// StepBudgetExceededError is raised when a run exhausts its step budget.
type StepBudgetExceededError struct {
	Limit int
}

func (e *StepBudgetExceededError) Error() string {
	return fmt.Sprintf("step budget of %d exceeded; run with a higher max_steps "+
		"or add an exit condition to the loop", e.Limit)
}

func (e *StepBudgetExceededError) Code() ErrorCode { return ErrorCodeStepBudgetExceeded }

// IsStepBudgetExceededError checks if an error is a StepBudgetExceededError.
func IsStepBudgetExceededError(err error) bool {
	var target *StepBudgetExceededError
	return stderrors.As(err, &target)
}

// PersistenceError is raised when a checkpoint operation fails.
type PersistenceError struct {
	Operation string
	SessionID string
	Step      int
	Cause     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for session '%s' at step %d: %v",
		e.Operation, e.SessionID, e.Step, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

func (e *PersistenceError) Code() ErrorCode { return ErrorCodePersistence }

// IsPersistenceError checks if an error is a PersistenceError.
func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return stderrors.As(err, &target)
}

// InvalidUpdateError is raised when a node update cannot be merged into state.
type InvalidUpdateError struct {
	Key     string
	Message string
}

func (e *InvalidUpdateError) Error() string {
	return fmt.Sprintf("invalid update for key '%s': %s", e.Key, e.Message)
}

func (e *InvalidUpdateError) Code() ErrorCode { return ErrorCodeInvalidUpdate }

// IsInvalidUpdateError checks if an error is an InvalidUpdateError.
func IsInvalidUpdateError(err error) bool {
	var target *InvalidUpdateError
	return stderrors.As(err, &target)
}

// GraphInterrupt is returned when a run pauses before an interrupt node.
type GraphInterrupt struct {
	SessionID string
	NodeName  string
	Step      int
}

func (e *GraphInterrupt) Error() string {
	return fmt.Sprintf("session '%s' interrupted before node '%s'", e.SessionID, e.NodeName)
}

func (e *GraphInterrupt) Code() ErrorCode { return ErrorCodeInterrupted }

// IsGraphInterrupt checks if an error is a GraphInterrupt.
func IsGraphInterrupt(err error) bool {
	var target *GraphInterrupt
	return stderrors.As(err, &target)
}

// RunError is the tagged error returned by a FAILED run. It names the
// category of the failure and the last node the executor was at.
type RunError struct {
	Code      ErrorCode
	Node      string
	Step      int
	SessionID string
	// State is the last committed state of the run.
	State interface{}
	Cause error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed [%s/%s] at node '%s' step %d: %v",
		e.Code.Category(), e.Code, e.Node, e.Step, e.Cause)
}

func (e *RunError) Unwrap() error { return e.Cause }

// Category returns the category of the failure.
func (e *RunError) Category() Category { return e.Code.Category() }

// AsRunError extracts a *RunError from an error chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	ok := stderrors.As(err, &re)
	return re, ok
}
