// Package visualization renders compiled graphs as Mermaid flowcharts,
// Graphviz DOT files or plain ASCII listings.
package visualization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/langgraph-go/stategraph/constants"
)

// DrawFormat represents the output format for graph visualization.
type DrawFormat string

const (
	// FormatASCII generates ASCII art representation.
	FormatASCII DrawFormat = "ascii"
	// FormatMermaid generates Mermaid flowchart syntax.
	FormatMermaid DrawFormat = "mermaid"
	// FormatGraphviz generates Graphviz DOT format.
	FormatGraphviz DrawFormat = "graphviz"
)

// ParseFormat parses a format name. "dot" is accepted for Graphviz.
func ParseFormat(s string) (DrawFormat, error) {
	switch strings.ToLower(s) {
	case "", string(FormatMermaid):
		return FormatMermaid, nil
	case string(FormatGraphviz), "dot":
		return FormatGraphviz, nil
	case string(FormatASCII):
		return FormatASCII, nil
	}
	return "", fmt.Errorf("unsupported format: %s", s)
}

// DrawOptions configures the graph drawing behavior.
type DrawOptions struct {
	Format DrawFormat
	// Horizontal draws left to right instead of top down.
	Horizontal bool
	// ShowStartEnd draws the start and end markers.
	ShowStartEnd bool
	// NodeStyles holds Mermaid style strings or Graphviz fill colors per node.
	NodeStyles map[string]string
	// EdgeStyles holds edge labels (Mermaid) or attributes (Graphviz), keyed "from->to".
	EdgeStyles map[string]string
}

// DefaultDrawOptions returns default drawing options.
func DefaultDrawOptions() *DrawOptions {
	return &DrawOptions{
		Format:       FormatMermaid,
		Horizontal:   true,
		ShowStartEnd: true,
		NodeStyles:   make(map[string]string),
		EdgeStyles:   make(map[string]string),
	}
}

// GraphProvider is the read-only view of a graph needed to draw it.
// *graph.CompiledGraph implements it.
type GraphProvider interface {
	// GetNodes returns all node names in the graph.
	GetNodes() []string
	// GetEntryPoint returns the node the start marker leads to.
	GetEntryPoint() string
	// GetEdges returns plain edges as (from, to) pairs.
	GetEdges() [][2]string
	// GetConditionalEdges returns conditional edges as (from, label, to) triples.
	GetConditionalEdges() [][3]string
}

// interruptProvider is implemented by graphs with interrupt points.
type interruptProvider interface {
	Interrupts() []string
}

func interruptsOf(graph GraphProvider) map[string]bool {
	out := make(map[string]bool)
	if ip, ok := graph.(interruptProvider); ok {
		for _, node := range ip.Interrupts() {
			out[node] = true
		}
	}
	return out
}

// DrawGraph renders graph in the format selected by opts.
func DrawGraph(graph GraphProvider, opts *DrawOptions) (string, error) {
	if graph == nil {
		return "", fmt.Errorf("graph cannot be nil")
	}
	if opts == nil {
		opts = DefaultDrawOptions()
	}

	switch opts.Format {
	case FormatASCII:
		return drawASCII(graph), nil
	case FormatMermaid:
		return drawMermaid(graph, opts), nil
	case FormatGraphviz:
		return drawGraphviz(graph, opts), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", opts.Format)
	}
}

func mermaidID(name string) string {
	switch name {
	case constants.Start:
		return "__START__"
	case constants.End:
		return "__END__"
	}
	return sanitizeNodeID(name)
}

func drawMermaid(graph GraphProvider, opts *DrawOptions) string {
	var sb strings.Builder
	if opts.Horizontal {
		sb.WriteString("graph LR\n")
	} else {
		sb.WriteString("graph TD\n")
	}

	entry := graph.GetEntryPoint()
	interrupts := interruptsOf(graph)

	if opts.ShowStartEnd {
		sb.WriteString("    __START__((\"start\"))\n")
		sb.WriteString("    __END__(((\"end\")))\n")
	}
	for _, node := range graph.GetNodes() {
		label := node
		if interrupts[node] {
			label = "⏸ " + node
		}
		fmt.Fprintf(&sb, "    %s[\"%s\"]\n", sanitizeNodeID(node), sanitizeLabel(label))
	}

	if opts.ShowStartEnd && entry != "" {
		fmt.Fprintf(&sb, "    __START__ --> %s\n", sanitizeNodeID(entry))
	}
	for _, edge := range graph.GetEdges() {
		from, to := edge[0], edge[1]
		if to == constants.End && !opts.ShowStartEnd {
			continue
		}
		label := ""
		if style, ok := opts.EdgeStyles[from+"->"+to]; ok {
			label = fmt.Sprintf("|%s|", sanitizeLabel(style))
		}
		fmt.Fprintf(&sb, "    %s -->%s %s\n", mermaidID(from), label, mermaidID(to))
	}
	for _, edge := range graph.GetConditionalEdges() {
		from, label, to := edge[0], edge[1], edge[2]
		if to == constants.End && !opts.ShowStartEnd {
			continue
		}
		fmt.Fprintf(&sb, "    %s -.->|\"%s\"| %s\n", mermaidID(from), sanitizeLabel(label), mermaidID(to))
	}

	for _, node := range sortedKeys(opts.NodeStyles) {
		fmt.Fprintf(&sb, "    style %s %s\n", sanitizeNodeID(node), opts.NodeStyles[node])
	}
	if entry != "" {
		if _, styled := opts.NodeStyles[entry]; !styled {
			fmt.Fprintf(&sb, "    style %s fill:#e1f5e1,stroke:#333,stroke-width:2px\n", sanitizeNodeID(entry))
		}
	}
	return sb.String()
}

func drawGraphviz(graph GraphProvider, opts *DrawOptions) string {
	var sb strings.Builder
	sb.WriteString("digraph Graph {\n")
	if opts.Horizontal {
		sb.WriteString("    rankdir=LR;\n")
	}
	sb.WriteString("    node [shape=box, style=rounded];\n\n")

	entry := graph.GetEntryPoint()
	interrupts := interruptsOf(graph)

	if opts.ShowStartEnd {
		fmt.Fprintf(&sb, "    %q [shape=circle, label=\"\", width=0.3, style=filled, fillcolor=green];\n", constants.Start)
		fmt.Fprintf(&sb, "    %q [shape=doublecircle, label=\"\", width=0.3, style=filled, fillcolor=red];\n\n", constants.End)
	}

	nodes := graph.GetNodes()
	sort.Strings(nodes)
	for _, node := range nodes {
		attrs := []string{fmt.Sprintf("label=%q", node)}
		switch {
		case node == entry:
			attrs = append(attrs, "style=filled", "fillcolor=lightblue")
		case opts.NodeStyles[node] != "":
			attrs = append(attrs, "style=filled", "fillcolor="+opts.NodeStyles[node])
		}
		if interrupts[node] {
			attrs = append(attrs, "peripheries=2")
		}
		fmt.Fprintf(&sb, "    %q [%s];\n", node, strings.Join(attrs, ", "))
	}
	sb.WriteString("\n")

	if opts.ShowStartEnd && entry != "" {
		fmt.Fprintf(&sb, "    %q -> %q;\n", constants.Start, entry)
	}
	for _, edge := range graph.GetEdges() {
		from, to := edge[0], edge[1]
		if to == constants.End && !opts.ShowStartEnd {
			continue
		}
		attrs := ""
		if style, ok := opts.EdgeStyles[from+"->"+to]; ok {
			attrs = fmt.Sprintf(" [%s]", style)
		}
		fmt.Fprintf(&sb, "    %q -> %q%s;\n", from, to, attrs)
	}
	for _, edge := range graph.GetConditionalEdges() {
		from, label, to := edge[0], edge[1], edge[2]
		if to == constants.End && !opts.ShowStartEnd {
			continue
		}
		fmt.Fprintf(&sb, "    %q -> %q [label=%q, style=dashed];\n", from, to, sanitizeLabel(label))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func drawASCII(graph GraphProvider) string {
	var sb strings.Builder
	sb.WriteString("Graph Structure:\n")
	sb.WriteString(strings.Repeat("=", 50))
	sb.WriteString("\n\n")

	entry := graph.GetEntryPoint()
	interrupts := interruptsOf(graph)
	fmt.Fprintf(&sb, "Entry Point: %s\n\n", entry)

	sb.WriteString("Nodes:\n")
	for _, node := range graph.GetNodes() {
		marker := "  "
		if node == entry {
			marker = "* "
		}
		suffix := ""
		if interrupts[node] {
			suffix = " (interrupt)"
		}
		fmt.Fprintf(&sb, "  %s%s%s\n", marker, node, suffix)
	}

	sb.WriteString("\nEdges:\n")
	for _, edge := range graph.GetEdges() {
		fmt.Fprintf(&sb, "  %s --> %s\n", edge[0], edge[1])
	}

	if cond := graph.GetConditionalEdges(); len(cond) > 0 {
		sb.WriteString("\nConditional Edges:\n")
		for _, edge := range cond {
			fmt.Fprintf(&sb, "  %s --[%s]--> %s\n", edge[0], edge[1], edge[2])
		}
	}
	return sb.String()
}

// sanitizeNodeID creates a valid Mermaid node ID.
func sanitizeNodeID(name string) string {
	id := strings.NewReplacer("-", "_", " ", "_", ".", "_", ":", "_").Replace(name)
	if len(id) > 0 && id[0] >= '0' && id[0] <= '9' {
		id = "_" + id
	}
	return id
}

func sanitizeLabel(label string) string {
	label = strings.ReplaceAll(label, "\"", "'")
	if len(label) > 50 {
		label = label[:47] + "..."
	}
	return label
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DrawMermaid draws graph as a Mermaid flowchart.
func DrawMermaid(graph GraphProvider, horizontal bool) (string, error) {
	opts := DefaultDrawOptions()
	opts.Horizontal = horizontal
	return DrawGraph(graph, opts)
}

// DrawGraphviz draws graph in Graphviz DOT format. Render it with
// dot -Tpng graph.dot -o graph.png.
func DrawGraphviz(graph GraphProvider, horizontal bool) (string, error) {
	opts := DefaultDrawOptions()
	opts.Format = FormatGraphviz
	opts.Horizontal = horizontal
	return DrawGraph(graph, opts)
}

// DrawASCII draws graph as a plain text listing.
func DrawASCII(graph GraphProvider) (string, error) {
	opts := DefaultDrawOptions()
	opts.Format = FormatASCII
	return DrawGraph(graph, opts)
}
