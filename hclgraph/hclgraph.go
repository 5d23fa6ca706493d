// Package hclgraph loads graph definitions from HCL files.
//
// A definition names its nodes and routers; the Go functions behind those
// names come from a Registry. Binding happens once, at load time, so a
// definition that names an unknown function never reaches the executor.
//
//	graph "support" {
//	  max_steps     = 50
//	  on_node_error = "continue"
//
//	  node "guard" { on_error = "fail" }
//	  node "risky" {
//	    func = "call_api"
//	    retry { max_attempts = 2 }
//	  }
//
//	  edge {
//	    from = start
//	    to   = "guard"
//	  }
//	  edge {
//	    from = "guard"
//	    to   = "risky"
//	  }
//	  route "risky" {
//	    router  = "attempts"
//	    targets = { retry = "risky", done = end }
//	  }
//
//	  reducer "messages" { policy = "append" }
//	}
//
// The variables start and end hold the marker node names.
package hclgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/types"
)

// Registry maps the names used in definitions to node and router functions.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]types.NodeFunc
	routers map[string]types.RouterFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:   make(map[string]types.NodeFunc),
		routers: make(map[string]types.RouterFunc),
	}
}

// RegisterNode binds name to fn.
func (r *Registry) RegisterNode(name string, fn types.NodeFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("node registration needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[name]; exists {
		return fmt.Errorf("node function %q already registered", name)
	}
	r.nodes[name] = fn
	return nil
}

// RegisterRouter binds name to fn.
func (r *Registry) RegisterRouter(name string, fn types.RouterFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("router registration needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routers[name]; exists {
		return fmt.Errorf("router %q already registered", name)
	}
	r.routers[name] = fn
	return nil
}

// MustRegisterNode is RegisterNode that panics on error, for init-time wiring.
func (r *Registry) MustRegisterNode(name string, fn types.NodeFunc) *Registry {
	if err := r.RegisterNode(name, fn); err != nil {
		panic(err)
	}
	return r
}

// MustRegisterRouter is RegisterRouter that panics on error.
func (r *Registry) MustRegisterRouter(name string, fn types.RouterFunc) *Registry {
	if err := r.RegisterRouter(name, fn); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) node(name string) (types.NodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.nodes[name]
	return fn, ok
}

func (r *Registry) router(name string) (types.RouterFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routers[name]
	return fn, ok
}

// Names returns the registered node and router names, sorted.
func (r *Registry) Names() (nodes, routers []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.nodes {
		nodes = append(nodes, name)
	}
	for name := range r.routers {
		routers = append(routers, name)
	}
	sort.Strings(nodes)
	sort.Strings(routers)
	return nodes, routers
}

// Definition is a loaded graph: the builder with every node, edge and
// reducer added, plus the compile options the file sets.
type Definition struct {
	Name    string
	Graph   *graph.StateGraph
	Options []graph.CompileOption
}

// Compile compiles the definition. extra options are applied after the
// file's own, so callers can add a checkpointer or override limits.
func (d *Definition) Compile(extra ...graph.CompileOption) (*graph.CompiledGraph, error) {
	opts := append([]graph.CompileOption{graph.WithName(d.Name)}, d.Options...)
	return d.Graph.Compile(append(opts, extra...)...)
}

type hclFile struct {
	Graphs []*hclGraph `hcl:"graph,block"`
}

type hclGraph struct {
	Name            string        `hcl:"name,label"`
	MaxSteps        *int          `hcl:"max_steps,optional"`
	OnNodeError     *string       `hcl:"on_node_error,optional"`
	InterruptBefore []string      `hcl:"interrupt_before,optional"`
	Nodes           []*hclNode    `hcl:"node,block"`
	Edges           []*hclEdge    `hcl:"edge,block"`
	Routes          []*hclRoute   `hcl:"route,block"`
	Reducers        []*hclReducer `hcl:"reducer,block"`
}

type hclNode struct {
	Name    string    `hcl:"name,label"`
	Func    *string   `hcl:"func,optional"`
	OnError *string   `hcl:"on_error,optional"`
	Tags    []string  `hcl:"tags,optional"`
	Retry   *hclRetry `hcl:"retry,block"`
}

type hclRetry struct {
	MaxAttempts     int      `hcl:"max_attempts"`
	InitialInterval *string  `hcl:"initial_interval,optional"`
	MaxInterval     *string  `hcl:"max_interval,optional"`
	BackoffFactor   *float64 `hcl:"backoff_factor,optional"`
	Jitter          *bool    `hcl:"jitter,optional"`
}

type hclEdge struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

type hclRoute struct {
	From    string            `hcl:"from,label"`
	Router  string            `hcl:"router"`
	Targets map[string]string `hcl:"targets"`
}

type hclReducer struct {
	Key    string `hcl:"key,label"`
	Policy string `hcl:"policy"`
}

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"start": cty.StringVal(constants.Start),
			"end":   cty.StringVal(constants.End),
		},
	}
}

// Load reads and binds the definition in the file at path.
func Load(path string, registry *Registry) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decode(file, path, registry)
}

// Parse binds the definition in src. filename is used in diagnostics.
func Parse(src []byte, filename string, registry *Registry) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(file, filename, registry)
}

func decode(file *hcl.File, filename string, registry *Registry) (*Definition, error) {
	if registry == nil {
		return nil, fmt.Errorf("a registry is required to load %s", filename)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if len(parsed.Graphs) != 1 {
		return nil, fmt.Errorf("%s: want exactly one graph block, found %d", filename, len(parsed.Graphs))
	}
	return build(parsed.Graphs[0], registry)
}

func build(def *hclGraph, registry *Registry) (*Definition, error) {
	g := graph.NewStateGraph()
	out := &Definition{Name: def.Name, Graph: g}

	if def.MaxSteps != nil {
		out.Options = append(out.Options, graph.WithMaxSteps(*def.MaxSteps))
	}
	if def.OnNodeError != nil {
		policy, err := types.ParseErrorPolicy(*def.OnNodeError)
		if err != nil {
			return nil, &errors.GraphValidationError{Message: err.Error()}
		}
		out.Options = append(out.Options, graph.WithOnNodeError(policy))
	}
	if len(def.InterruptBefore) > 0 {
		out.Options = append(out.Options, graph.WithInterruptBefore(def.InterruptBefore...))
	}

	for _, n := range def.Nodes {
		opts, err := nodeOptions(n)
		if err != nil {
			return nil, err
		}
		funcName := n.Name
		if n.Func != nil {
			funcName = *n.Func
		}
		fn, ok := registry.node(funcName)
		if !ok {
			return nil, &errors.GraphValidationError{
				NodeName: n.Name,
				Message:  fmt.Sprintf("no node function registered as %q", funcName),
			}
		}
		if err := g.AddNode(n.Name, fn, opts...); err != nil {
			return nil, err
		}
	}

	for _, e := range def.Edges {
		if err := g.AddEdge(e.From, e.To); err != nil {
			return nil, err
		}
	}

	for _, r := range def.Routes {
		router, ok := registry.router(r.Router)
		if !ok {
			return nil, &errors.GraphValidationError{
				NodeName: r.From,
				Message:  fmt.Sprintf("no router registered as %q", r.Router),
			}
		}
		if err := g.AddConditionalEdges(r.From, router, r.Targets); err != nil {
			return nil, err
		}
	}

	for _, rd := range def.Reducers {
		reducer, err := channels.ByName(rd.Policy)
		if err != nil {
			return nil, fmt.Errorf("reducer for key %q: %w", rd.Key, err)
		}
		if err := g.SetReducer(rd.Key, reducer); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func nodeOptions(n *hclNode) ([]graph.NodeOption, error) {
	var opts []graph.NodeOption
	if n.OnError != nil {
		policy, err := types.ParseErrorPolicy(*n.OnError)
		if err != nil {
			return nil, &errors.GraphValidationError{NodeName: n.Name, Message: err.Error()}
		}
		opts = append(opts, graph.WithErrorPolicy(policy))
	}
	if len(n.Tags) > 0 {
		opts = append(opts, graph.WithTags(n.Tags...))
	}
	if n.Retry != nil {
		policy, err := retryPolicy(n.Retry)
		if err != nil {
			return nil, &errors.GraphValidationError{NodeName: n.Name, Message: err.Error()}
		}
		opts = append(opts, graph.WithRetryPolicy(policy))
	}
	return opts, nil
}

func retryPolicy(r *hclRetry) (types.RetryPolicy, error) {
	policy := types.DefaultRetryPolicy()
	if r.MaxAttempts < 1 {
		return policy, fmt.Errorf("retry max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	policy.MaxAttempts = r.MaxAttempts

	parse := func(field string, value *string, dst *time.Duration) error {
		if value == nil {
			return nil
		}
		d, err := time.ParseDuration(*value)
		if err != nil {
			return fmt.Errorf("retry %s: %w", field, err)
		}
		*dst = d
		return nil
	}
	if err := parse("initial_interval", r.InitialInterval, &policy.InitialInterval); err != nil {
		return policy, err
	}
	if err := parse("max_interval", r.MaxInterval, &policy.MaxInterval); err != nil {
		return policy, err
	}
	if r.BackoffFactor != nil {
		policy.BackoffFactor = *r.BackoffFactor
	}
	if r.Jitter != nil {
		policy.Jitter = *r.Jitter
	}
	return policy, nil
}
