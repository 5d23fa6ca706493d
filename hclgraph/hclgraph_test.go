package hclgraph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/prebuilt"
	"github.com/langgraph-go/stategraph/types"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterNode("flaky", func(_ context.Context, s types.State) (types.State, error) {
		attempts, _ := s.GetInt("attempts")
		attempts++
		status := "error"
		if attempts >= 3 {
			status = "ok"
		}
		return types.StateOf("attempts", attempts, "status", status,
			"log", []interface{}{fmt.Sprintf("attempt %d", attempts)}), nil
	}))
	require.NoError(t, r.RegisterNode("report", func(context.Context, types.State) (types.State, error) {
		return types.StateOf("log", []interface{}{"report"}), nil
	}))
	require.NoError(t, r.RegisterNode("tick", func(_ context.Context, s types.State) (types.State, error) {
		n, _ := s.GetInt("n")
		return types.StateOf("n", n+1), nil
	}))
	require.NoError(t, r.RegisterRouter("attempts", prebuilt.AttemptRouter(prebuilt.AttemptRouterConfig{MaxAttempts: 3})))
	return r
}

func TestLoadRetryGraph(t *testing.T) {
	def, err := Load("testdata/retry.hcl", testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, "retry", def.Name)

	node, ok := def.Graph.GetNode("risky")
	require.True(t, ok)
	assert.Equal(t, []string{"external"}, node.Tags)

	cg, err := def.Compile()
	require.NoError(t, err)
	assert.Equal(t, "retry", cg.Name())
	assert.Equal(t, [][3]string{{"risky", "done", "report"}, {"risky", "retry", "risky"}}, cg.GetConditionalEdges())

	state, err := cg.Invoke(context.Background(), types.NewState())
	require.NoError(t, err)

	attempts, _ := state.GetInt("attempts")
	status, _ := state.GetString("status")
	log, _ := state.GetStrings("log")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", status)
	assert.Equal(t, []string{"attempt 1", "attempt 2", "attempt 3", "report"}, log)
}

func TestParseAppliesGraphSettings(t *testing.T) {
	src := `
graph "loop" {
  max_steps = 3

  node "tick" {}
  edge {
    from = start
    to   = "tick"
  }
  edge {
    from = "tick"
    to   = "tick"
  }
}
`
	def, err := Parse([]byte(src), "loop.hcl", testRegistry(t))
	require.NoError(t, err)

	cg, err := def.Compile()
	require.NoError(t, err)
	_, err = cg.Invoke(context.Background(), types.NewState())
	assert.Equal(t, errors.ErrorCodeStepBudgetExceeded, errors.GetErrorCode(err))

	cg, err = def.Compile(graph.WithMaxSteps(5))
	require.NoError(t, err)
	result, err := cg.Run(context.Background(), types.NewState())
	require.Error(t, err)
	assert.Equal(t, 5, result.Steps, "caller options override the file")
}

func TestParseNodePolicies(t *testing.T) {
	src := `
graph "policies" {
  on_node_error    = "continue"
  interrupt_before = ["report"]

  node "risky" {
    func     = "flaky"
    on_error = "fail"
    retry {
      max_attempts     = 4
      initial_interval = "10ms"
      max_interval     = "1s"
      backoff_factor   = 3
      jitter           = false
    }
  }
  node "report" {}
  edge {
    from = start
    to   = "risky"
  }
  edge {
    from = "risky"
    to   = "report"
  }
  edge {
    from = "report"
    to   = end
  }
}
`
	def, err := Parse([]byte(src), "policies.hcl", testRegistry(t))
	require.NoError(t, err)

	node, ok := def.Graph.GetNode("risky")
	require.True(t, ok)
	assert.Equal(t, types.ErrorPolicyFail, node.ErrorPolicy)
	require.NotNil(t, node.RetryPolicy)
	assert.Equal(t, 4, node.RetryPolicy.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, node.RetryPolicy.InitialInterval)
	assert.Equal(t, time.Second, node.RetryPolicy.MaxInterval)
	assert.Equal(t, 3.0, node.RetryPolicy.BackoffFactor)
	assert.False(t, node.RetryPolicy.Jitter)

	_, err = def.Compile()
	assert.True(t, errors.IsGraphValidationError(err), "interrupts need a checkpointer")

	cg, err := def.Compile(graph.WithCheckpointer(checkpoint.NewMemorySaver()))
	require.NoError(t, err)
	assert.Equal(t, []string{"report"}, cg.Interrupts())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "syntax",
			src:  `graph "x" {`,
			want: "failed to parse",
		},
		{
			name: "unknown block",
			src:  "graph \"x\" {\n  wire {}\n}",
			want: "failed to decode",
		},
		{
			name: "no graph",
			src:  ``,
			want: "exactly one graph block",
		},
		{
			name: "two graphs",
			src:  "graph \"a\" {}\ngraph \"b\" {}",
			want: "exactly one graph block",
		},
		{
			name: "unknown node function",
			src: `
graph "x" {
  node "ghost" {}
}`,
			want: `no node function registered as "ghost"`,
		},
		{
			name: "unknown router",
			src: `
graph "x" {
  node "tick" {}
  route "tick" {
    router  = "nope"
    targets = { a = end }
  }
}`,
			want: `no router registered as "nope"`,
		},
		{
			name: "bad graph policy",
			src: `
graph "x" {
  on_node_error = "retry"
}`,
			want: "unknown node error policy",
		},
		{
			name: "bad node policy",
			src: `
graph "x" {
  node "tick" { on_error = "ignore" }
}`,
			want: "unknown node error policy",
		},
		{
			name: "bad retry",
			src: `
graph "x" {
  node "tick" {
    retry { max_attempts = 0 }
  }
}`,
			want: "max_attempts must be at least 1",
		},
		{
			name: "bad duration",
			src: `
graph "x" {
  node "tick" {
    retry {
      max_attempts     = 2
      initial_interval = "soon"
    }
  }
}`,
			want: "initial_interval",
		},
		{
			name: "bad reducer",
			src: `
graph "x" {
  reducer "log" { policy = "concat" }
}`,
			want: `unknown reducer policy "concat"`,
		},
		{
			name: "edge to missing node",
			src: `
graph "x" {
  node "tick" {}
  edge {
    from = "tick"
    to   = "ghost"
  }
}`,
			want: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.hcl", testRegistry(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseRequiresRegistry(t *testing.T) {
	_, err := Parse([]byte(`graph "x" {}`), "x.hcl", nil)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, types.State) (types.State, error) { return types.State{}, nil }
	done := func(context.Context, types.State) (string, error) { return "done", nil }

	r.MustRegisterNode("b", noop).MustRegisterNode("a", noop).MustRegisterRouter("done", done)
	assert.Error(t, r.RegisterNode("a", noop))
	assert.Error(t, r.RegisterRouter("done", done))
	assert.Error(t, r.RegisterNode("", noop))
	assert.Error(t, r.RegisterRouter("x", nil))
	assert.Panics(t, func() { r.MustRegisterNode("a", noop) })

	nodes, routers := r.Names()
	assert.Equal(t, []string{"a", "b"}, nodes)
	assert.Equal(t, []string{"done"}, routers)
}
