package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

func TestAddNodeErrors(t *testing.T) {
	g := NewStateGraph()
	require.NoError(t, g.AddNode("a", set("a", 1), WithTags("io"), WithMetadata(map[string]interface{}{"owner": "ops"})))

	node, ok := g.GetNode("a")
	require.True(t, ok)
	assert.Equal(t, []string{"io"}, node.Tags)
	assert.Equal(t, "ops", node.Metadata["owner"])

	err := g.AddNode("a", set("a", 2))
	assert.True(t, errors.IsDuplicateNodeError(err))
	assert.Equal(t, errors.ErrorCodeDuplicateNode, errors.GetErrorCode(err))

	assert.Equal(t, errors.ErrorCodeInvalidNode, errors.GetErrorCode(g.AddNode(constants.Start, set("a", 1))))
	assert.Equal(t, errors.ErrorCodeInvalidNode, errors.GetErrorCode(g.AddNode(constants.End, set("a", 1))))
	assert.Equal(t, errors.ErrorCodeInvalidNode, errors.GetErrorCode(g.AddNode("", set("a", 1))))
	assert.Equal(t, errors.ErrorCodeInvalidNode, errors.GetErrorCode(g.AddNode("nil", nil)))
	assert.Equal(t, errors.ErrorCodeInvalidNode,
		errors.GetErrorCode(g.AddNode("bad", set("a", 1), WithErrorPolicy("retry"))))

	assert.Equal(t, []string{"a"}, g.Nodes())
}

func TestAddEdgeErrors(t *testing.T) {
	g := NewStateGraph()
	require.NoError(t, g.AddNode("a", set("a", 1)))
	require.NoError(t, g.AddNode("b", set("b", 1)))

	assert.True(t, errors.IsNodeNotFoundError(g.AddEdge("a", "missing")))
	assert.True(t, errors.IsNodeNotFoundError(g.AddEdge("missing", "b")))
	assert.Equal(t, errors.ErrorCodeInvalidEdge, errors.GetErrorCode(g.AddEdge(constants.End, "a")))
	assert.Equal(t, errors.ErrorCodeInvalidEdge, errors.GetErrorCode(g.AddEdge("a", constants.Start)))

	router := route("x")
	assert.Equal(t, errors.ErrorCodeInvalidEdge, errors.GetErrorCode(g.AddConditionalEdges("a", nil, map[string]string{"x": "b"})))
	assert.Equal(t, errors.ErrorCodeInvalidEdge, errors.GetErrorCode(g.AddConditionalEdges("a", router, nil)))
	assert.Equal(t, errors.ErrorCodeInvalidEdge, errors.GetErrorCode(g.AddConditionalEdges(constants.Start, router, map[string]string{"x": "b"})))
	assert.True(t, errors.IsNodeNotFoundError(g.AddConditionalEdges("missing", router, map[string]string{"x": "b"})))
	assert.True(t, errors.IsNodeNotFoundError(g.AddConditionalEdges("a", router, map[string]string{"x": "missing"})))

	require.NoError(t, g.AddConditionalEdges("a", router, map[string]string{"x": "a", "y": "b", "z": constants.End}))
}

func TestCompileValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *StateGraph)
		node  string
	}{
		{
			name: "no entry point",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.SetFinishPoint("a")
			},
		},
		{
			name: "two entry points",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("b", set("b", 1))
				g.SetEntryPoint("a")
				g.SetEntryPoint("b")
				g.SetFinishPoint("a")
				g.SetFinishPoint("b")
			},
			node: constants.Start,
		},
		{
			name: "plain and conditional edges",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("b", set("b", 1))
				g.SetEntryPoint("a")
				g.AddEdge("a", "b")
				g.AddConditionalEdges("a", route("x"), map[string]string{"x": constants.End})
				g.SetFinishPoint("b")
			},
			node: "a",
		},
		{
			name: "two plain edges",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("b", set("b", 1))
				g.SetEntryPoint("a")
				g.AddEdge("a", "b")
				g.SetFinishPoint("a")
				g.SetFinishPoint("b")
			},
			node: "a",
		},
		{
			name: "two conditional edges",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.SetEntryPoint("a")
				g.AddConditionalEdges("a", route("x"), map[string]string{"x": constants.End})
				g.AddConditionalEdges("a", route("y"), map[string]string{"y": constants.End})
			},
			node: "a",
		},
		{
			name: "dead end",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("b", set("b", 1))
				g.SetEntryPoint("a")
				g.AddEdge("a", "b")
			},
			node: "b",
		},
		{
			name: "no inbound edge",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("orphan", set("b", 1))
				g.SetEntryPoint("a")
				g.SetFinishPoint("a")
				g.SetFinishPoint("orphan")
			},
			node: "orphan",
		},
		{
			name: "unreachable cycle",
			build: func(g *StateGraph) {
				g.AddNode("a", set("a", 1))
				g.AddNode("b", set("b", 1))
				g.AddNode("c", set("c", 1))
				g.SetEntryPoint("a")
				g.SetFinishPoint("a")
				g.AddEdge("b", "c")
				g.AddEdge("c", "b")
			},
			node: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewStateGraph()
			tt.build(g)

			require.Error(t, g.Validate())
			_, err := g.Compile()
			require.Error(t, err)
			assert.True(t, errors.IsGraphValidationError(err), "got %v", err)
			assert.Equal(t, errors.CategoryCompile, errors.CategoryOf(err))

			var gve *errors.GraphValidationError
			require.ErrorAs(t, err, &gve)
			assert.Equal(t, tt.node, gve.NodeName)
			assert.False(t, g.Sealed(), "a failed compile does not seal")
		})
	}
}

func TestCompileOptionValidation(t *testing.T) {
	build := func() *StateGraph {
		return chain(t, nil, "a", "b")
	}

	_, err := build().Compile(WithMaxSteps(0))
	assert.True(t, errors.IsGraphValidationError(err))

	_, err = build().Compile(WithOnNodeError("explode"))
	assert.True(t, errors.IsGraphValidationError(err))

	_, err = build().Compile(WithInterruptBefore("b"))
	assert.True(t, errors.IsGraphValidationError(err), "interrupts need a checkpointer")

	_, err = build().Compile(WithCheckpointer(checkpoint.NewMemorySaver()), WithInterruptBefore("a"))
	assert.True(t, errors.IsGraphValidationError(err), "entry cannot be an interrupt")

	_, err = build().Compile(WithCheckpointer(checkpoint.NewMemorySaver()), WithInterruptBefore("zzz"))
	assert.True(t, errors.IsNodeNotFoundError(err))
}

func TestCompileSealsBuilder(t *testing.T) {
	g := chain(t, nil, "a")
	cg, err := g.Compile(WithName("sealed"))
	require.NoError(t, err)
	assert.True(t, g.Sealed())
	assert.Equal(t, "sealed", cg.Name())

	assert.True(t, errors.IsGraphSealedError(g.AddNode("b", set("b", 1))))
	assert.True(t, errors.IsGraphSealedError(g.AddEdge("a", constants.End)))
	assert.True(t, errors.IsGraphSealedError(g.AddConditionalEdges("a", route("x"), map[string]string{"x": "a"})))
	assert.True(t, errors.IsGraphSealedError(g.SetReducer("k", channels.Append)))
	assert.True(t, errors.IsGraphSealedError(g.SetEntryPoint("a")))

	again, err := g.Compile(WithName("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", again.Name())

	state, err := cg.Invoke(context.Background(), types.NewState())
	require.NoError(t, err)
	last, _ := state.GetString("last")
	assert.Equal(t, "a", last)
}

func TestCompiledGraphIntrospection(t *testing.T) {
	g := NewStateGraph()
	require.NoError(t, g.AddNode("guard", set("status", "passed")))
	require.NoError(t, g.AddNode("risky", set("status", "ok")))
	require.NoError(t, g.SetEntryPoint("guard"))
	require.NoError(t, g.AddEdge("guard", "risky"))
	require.NoError(t, g.AddConditionalEdges("risky", route("done"),
		map[string]string{"retry": "risky", "done": constants.End}))
	cg, err := g.Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"guard", "risky"}, cg.GetNodes())
	assert.Equal(t, "guard", cg.GetEntryPoint())
	assert.Equal(t, [][2]string{{"guard", "risky"}}, cg.GetEdges())
	assert.Equal(t, [][3]string{
		{"risky", "done", constants.End},
		{"risky", "retry", "risky"},
	}, cg.GetConditionalEdges())
	assert.Nil(t, cg.Checkpointer())
}
