// Package validation inspects the structure of a compiled graph and reports
// shapes that compile but cannot behave well at run time, such as nodes from
// which the end marker is unreachable.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/langgraph-go/stategraph/constants"
)

// Graph is the read-only view of a compiled graph the checks need.
type Graph interface {
	GetNodes() []string
	GetEntryPoint() string
	GetEdges() [][2]string
	GetConditionalEdges() [][3]string
}

// Severity ranks a finding.
type Severity string

const (
	// SeverityWarning marks a shape that may be intended, like a loop that
	// only stops at the step budget.
	SeverityWarning Severity = "warning"
	// SeverityError marks a shape no run can finish, such as an entry node
	// that never reaches the end marker.
	SeverityError Severity = "error"
)

// Finding is one structural problem.
type Finding struct {
	Severity Severity
	Node     string
	Message  string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: node %s: %s", f.Severity, f.Node, f.Message)
}

// Stats summarizes the size of a graph.
type Stats struct {
	Nodes            int
	Edges            int
	ConditionalEdges int
	// LongestPath is the number of steps on the longest cycle-free path
	// from the entry node to the end marker.
	LongestPath int
}

// Report is the result of Check.
type Report struct {
	Findings []Finding
	Stats    Stats
}

// HasErrors reports whether any finding has SeverityError.
func (r *Report) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validator holds the adjacency of one graph.
type Validator struct {
	order      []string
	nodes      map[string]bool
	edges      map[string]string
	conditions map[string]map[string]string
	entryPoint string
}

// New builds a validator from a compiled graph.
func New(g Graph) *Validator {
	v := &Validator{
		nodes:      make(map[string]bool),
		edges:      make(map[string]string),
		conditions: make(map[string]map[string]string),
		entryPoint: g.GetEntryPoint(),
	}
	for _, name := range g.GetNodes() {
		v.order = append(v.order, name)
		v.nodes[name] = true
	}
	for _, e := range g.GetEdges() {
		v.edges[e[0]] = e[1]
	}
	for _, e := range g.GetConditionalEdges() {
		if _, ok := v.conditions[e[0]]; !ok {
			v.conditions[e[0]] = make(map[string]string)
		}
		v.conditions[e[0]][e[1]] = e[2]
	}
	return v
}

// Check runs every check against g.
func Check(g Graph) *Report {
	return New(g).Check()
}

// Check runs every check.
func (v *Validator) Check() *Report {
	r := &Report{Stats: v.stats()}

	ends := v.reachesEnd()
	for _, node := range v.order {
		if ends[node] {
			continue
		}
		severity := SeverityWarning
		if node == v.entryPoint {
			severity = SeverityError
		}
		r.Findings = append(r.Findings, Finding{
			Severity: severity,
			Node:     node,
			Message:  "no path to " + constants.End + "; runs through it stop only at the step budget",
		})
	}

	for _, cycle := range v.plainCycles() {
		r.Findings = append(r.Findings, Finding{
			Severity: SeverityWarning,
			Node:     cycle[0],
			Message:  "unconditional cycle " + strings.Join(cycle, " -> "),
		})
	}
	return r
}

// targets returns every successor of node, sorted.
func (v *Validator) targets(node string) []string {
	var out []string
	if next, ok := v.edges[node]; ok {
		out = append(out, next)
	}
	for _, target := range v.conditions[node] {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

// reachesEnd returns the nodes with at least one path to the end marker.
func (v *Validator) reachesEnd() map[string]bool {
	reverse := make(map[string][]string)
	for _, node := range v.order {
		for _, target := range v.targets(node) {
			reverse[target] = append(reverse[target], node)
		}
	}

	seen := make(map[string]bool)
	queue := []string{constants.End}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, prev := range reverse[current] {
			if !seen[prev] {
				seen[prev] = true
				queue = append(queue, prev)
			}
		}
	}
	return seen
}

// plainCycles returns the cycles made only of plain edges. A run that
// enters one can never leave it.
func (v *Validator) plainCycles() [][]string {
	var cycles [][]string
	done := make(map[string]bool)
	for _, start := range v.order {
		if done[start] {
			continue
		}
		var path []string
		onPath := make(map[string]int)
		node := start
		for {
			if i, ok := onPath[node]; ok {
				cycles = append(cycles, append(append([]string(nil), path[i:]...), node))
				break
			}
			if done[node] || !v.nodes[node] {
				break
			}
			onPath[node] = len(path)
			path = append(path, node)
			next, ok := v.edges[node]
			if !ok {
				break
			}
			node = next
		}
		for _, n := range path {
			done[n] = true
		}
	}
	return cycles
}

func (v *Validator) stats() Stats {
	s := Stats{Nodes: len(v.nodes), Edges: len(v.edges)}
	for _, mapping := range v.conditions {
		s.ConditionalEdges += len(mapping)
	}
	if v.entryPoint != "" {
		s.LongestPath = max(v.longestPath(v.entryPoint, make(map[string]bool)), 0)
	}
	return s
}

func (v *Validator) longestPath(node string, visiting map[string]bool) int {
	if node == constants.End {
		return 0
	}
	if visiting[node] {
		return -1
	}
	visiting[node] = true
	defer delete(visiting, node)

	best := -1
	for _, target := range v.targets(node) {
		if n := v.longestPath(target, visiting); n >= 0 && n+1 > best {
			best = n + 1
		}
	}
	return best
}
