package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraph-go/stategraph/channels"
	"github.com/langgraph-go/stategraph/checkpoint"
	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/prebuilt"
	"github.com/langgraph-go/stategraph/types"
)

func set(key string, value interface{}) types.NodeFunc {
	return func(context.Context, types.State) (types.State, error) {
		return types.StateOf(key, value), nil
	}
}

func fail(err error) types.NodeFunc {
	return func(context.Context, types.State) (types.State, error) {
		return types.State{}, err
	}
}

func route(label string) types.RouterFunc {
	return func(context.Context, types.State) (string, error) {
		return label, nil
	}
}

// chain builds start -> names[0] -> ... -> end.
func chain(t *testing.T, fns map[string]types.NodeFunc, names ...string) *StateGraph {
	t.Helper()
	g := NewStateGraph()
	for _, name := range names {
		fn := fns[name]
		if fn == nil {
			fn = set("last", name)
		}
		require.NoError(t, g.AddNode(name, fn))
	}
	require.NoError(t, g.SetEntryPoint(names[0]))
	for i := 0; i+1 < len(names); i++ {
		require.NoError(t, g.AddEdge(names[i], names[i+1]))
	}
	require.NoError(t, g.SetFinishPoint(names[len(names)-1]))
	return g
}

func runError(t *testing.T, err error, code errors.ErrorCode) *errors.RunError {
	t.Helper()
	require.Error(t, err)
	re, ok := errors.AsRunError(err)
	require.True(t, ok, "want *RunError, got %T: %v", err, err)
	assert.Equal(t, code, re.Code)
	return re
}

func TestLinearGraphVisitsChainOrder(t *testing.T) {
	var visited []string
	visit := func(name string) types.NodeFunc {
		return func(context.Context, types.State) (types.State, error) {
			visited = append(visited, name)
			return types.StateOf("last", name), nil
		}
	}
	g := chain(t, map[string]types.NodeFunc{"a": visit("a"), "b": visit("b"), "c": visit("c")}, "a", "b", "c")
	cg, err := g.Compile()
	require.NoError(t, err)

	res, err := cg.Run(context.Background(), types.StateOf("input", "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, visited)
	assert.Equal(t, types.StatusDone, res.Status)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, "c", res.LastNode)
	assert.Equal(t, []string{"input", "last"}, res.State.Keys())
	assert.NotEmpty(t, res.RunID)
}

func TestRetryGraphStopsAtThreshold(t *testing.T) {
	visits := 0
	risky := func(_ context.Context, s types.State) (types.State, error) {
		visits++
		attempts, _ := s.GetInt("attempts")
		attempts++
		if attempts < 3 {
			return types.StateOf("attempts", attempts, "status", "error",
				"message", fmt.Sprintf("simulated failure on attempt %d", attempts)), nil
		}
		return types.StateOf("attempts", attempts, "status", "ok", "message", "succeeded after retries"), nil
	}

	g := NewStateGraph()
	require.NoError(t, g.AddNode("risky", risky))
	require.NoError(t, g.SetEntryPoint("risky"))
	require.NoError(t, g.AddConditionalEdges("risky",
		prebuilt.AttemptRouter(prebuilt.AttemptRouterConfig{MaxAttempts: 3}),
		map[string]string{prebuilt.LabelRetry: "risky", prebuilt.LabelDone: constants.End}))
	cg, err := g.Compile()
	require.NoError(t, err)

	state, err := cg.Invoke(context.Background(), types.StateOf("attempts", 0, "message", "", "status", "ok"))
	require.NoError(t, err)
	assert.Equal(t, 3, visits)
	attempts, _ := state.GetInt("attempts")
	status, _ := state.GetString("status")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, "ok", status)
}

func TestAppendIsAssociativeAcrossSteps(t *testing.T) {
	appendNode := func(items ...interface{}) types.NodeFunc {
		return set("log", items)
	}
	run := func(g *StateGraph) []interface{} {
		require.NoError(t, g.SetReducer("log", channels.Append))
		cg, err := g.Compile()
		require.NoError(t, err)
		state, err := cg.Invoke(context.Background(), types.NewState())
		require.NoError(t, err)
		log, _ := state.GetList("log")
		return log
	}

	oneByOne := run(chain(t, map[string]types.NodeFunc{
		"a": appendNode("a"), "b": appendNode("b"), "c": appendNode("c"),
	}, "a", "b", "c"))
	grouped := run(chain(t, map[string]types.NodeFunc{
		"ab": appendNode("a", "b"), "c": appendNode("c"),
	}, "ab", "c"))

	assert.Equal(t, []interface{}{"a", "b", "c"}, oneByOne)
	assert.Equal(t, oneByOne, grouped)
}

func TestResumeContinuesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemorySaver()
	var seen types.State
	g := chain(t, map[string]types.NodeFunc{
		"b": func(_ context.Context, s types.State) (types.State, error) {
			seen = s
			return types.StateOf("n", 6), nil
		},
	}, "a", "b", "c")
	cg, err := g.Compile(WithCheckpointer(saver))
	require.NoError(t, err)

	snapshot := types.StateOf("n", 5, "who", "old", "kept", true)
	require.NoError(t, saver.Save(ctx, checkpoint.NewCheckpoint("s1", 5, snapshot, "a", "b")))

	res, err := cg.Run(ctx, types.StateOf("who", "new"), WithSessionID("s1"))
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 2, res.Steps)
	assert.True(t, seen.Equal(types.StateOf("n", 5, "who", "new", "kept", true)), "got %s", seen)

	history, err := cg.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 7, history[0].StepIndex)
	assert.Equal(t, "c", history[0].Node)
	assert.Equal(t, checkpoint.StatusDone, history[0].Status)
	assert.Equal(t, 6, history[1].StepIndex)
	assert.Equal(t, "b", history[1].Node)
	assert.Equal(t, "c", history[1].Next)
	assert.Equal(t, constants.SourceResumed, history[1].Metadata[constants.MetaSource])
	assert.Equal(t, res.RunID, history[1].Metadata[constants.MetaRunID])
}

func TestSnapshotMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemorySaver()
	var seen types.State
	g := chain(t, map[string]types.NodeFunc{
		"a": func(context.Context, types.State) (types.State, error) {
			return types.StateOf("score", 2.0, "big", int64(9007199254740993)), nil
		},
		"b": func(_ context.Context, s types.State) (types.State, error) {
			seen = s
			return types.State{}, nil
		},
	}, "a", "b")
	cg, err := g.Compile(WithCheckpointer(saver))
	require.NoError(t, err)

	_, err = cg.Invoke(ctx, types.NewState(), WithSessionID("numbers"), WithRunMaxSteps(1))
	runError(t, err, errors.ErrorCodeStepBudgetExceeded)

	snapshot, err := cg.GetState(ctx, "numbers")
	require.NoError(t, err)
	score, _ := snapshot.State.Get("score")
	assert.IsType(t, float64(0), score)
	big, _ := snapshot.State.GetInt("big")
	assert.Equal(t, 9007199254740993, big)

	_, err = cg.Invoke(ctx, types.NewState(), WithSessionID("numbers"))
	require.NoError(t, err)
	score, _ = seen.Get("score")
	assert.Equal(t, 2.0, score, "the resumed node reads the float it was given")
}

func TestResumeAfterFailureSkipsCompletedNodes(t *testing.T) {
	ctx := context.Background()
	var aCalls, bCalls int32
	g := NewStateGraph()
	require.NoError(t, g.AddNode("a", func(context.Context, types.State) (types.State, error) {
		atomic.AddInt32(&aCalls, 1)
		return types.StateOf("a", true), nil
	}))
	require.NoError(t, g.AddNode("b", func(context.Context, types.State) (types.State, error) {
		if atomic.AddInt32(&bCalls, 1) == 1 {
			return types.State{}, stderrors.New("transient outage")
		}
		return types.StateOf("b", true), nil
	}, WithErrorPolicy(types.ErrorPolicyFail)))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.SetFinishPoint("b"))
	cg, err := g.Compile(WithCheckpointer(checkpoint.NewMemorySaver()))
	require.NoError(t, err)

	_, err = cg.Invoke(ctx, types.NewState(), WithSessionID("s"))
	re := runError(t, err, errors.ErrorCodeNodeFailed)
	assert.Equal(t, "b", re.Node)
	assert.Equal(t, 1, re.Step)

	state, err := cg.Invoke(ctx, types.NewState(), WithSessionID("s"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&aCalls))
	assert.True(t, state.Has("a"))
	assert.True(t, state.Has("b"))

	cp, err := cg.GetState(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.StepIndex)
	assert.Equal(t, constants.End, cp.Next)
}

func TestFinishedSessionRestartsAtEntry(t *testing.T) {
	ctx := context.Background()
	g := chain(t, map[string]types.NodeFunc{"count": set("n", 1)}, "count")
	require.NoError(t, g.SetReducer("n", channels.Add))
	cg, err := g.Compile(WithCheckpointer(checkpoint.NewMemorySaver()))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := cg.Invoke(ctx, types.NewState(), WithSessionID("chat"))
		require.NoError(t, err)
	}
	cp, err := cg.GetState(ctx, "chat")
	require.NoError(t, err)
	n, _ := cp.State.GetInt("n")
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, cp.StepIndex)
}

func TestUndeclaredLabelFailsWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	saver := checkpoint.NewMemorySaver()
	var bCalls int32
	g := NewStateGraph()
	require.NoError(t, g.AddNode("a", set("a", 1)))
	require.NoError(t, g.AddNode("b", func(context.Context, types.State) (types.State, error) {
		atomic.AddInt32(&bCalls, 1)
		return types.State{}, nil
	}))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddConditionalEdges("a", route("nope"), map[string]string{"next": "b", "stop": constants.End}))
	require.NoError(t, g.SetFinishPoint("b"))
	cg, err := g.Compile(WithCheckpointer(saver))
	require.NoError(t, err)

	res, err := cg.Run(ctx, types.NewState(), WithSessionID("s"))
	re := runError(t, err, errors.ErrorCodeUnroutableLabel)
	assert.Equal(t, errors.CategoryRouting, re.Category())
	assert.Equal(t, "a", re.Node)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&bCalls))

	var ule *errors.UnroutableLabelError
	require.True(t, stderrors.As(err, &ule))
	assert.Equal(t, "nope", ule.Label)
	assert.Equal(t, []string{"next", "stop"}, ule.Declared)

	cp, err := saver.Load(ctx, "s")
	require.NoError(t, err)
	assert.Nil(t, cp, "no checkpoint for an unroutable step")
}

func TestRouterErrorFailsRun(t *testing.T) {
	g := NewStateGraph()
	require.NoError(t, g.AddNode("a", set("a", 1)))
	require.NoError(t, g.SetEntryPoint("a"))
	require.NoError(t, g.AddConditionalEdges("a", func(context.Context, types.State) (string, error) {
		return "", stderrors.New("no idea")
	}, map[string]string{"end": constants.End}))
	cg, err := g.Compile()
	require.NoError(t, err)

	_, err = cg.Invoke(context.Background(), types.NewState())
	runError(t, err, errors.ErrorCodeRouterFailed)
}

func TestSelfLoopExceedsStepBudget(t *testing.T) {
	var calls int32
	g := NewStateGraph()
	require.NoError(t, g.AddNode("loop", func(context.Context, types.State) (types.State, error) {
		atomic.AddInt32(&calls, 1)
		return types.State{}, nil
	}))
	require.NoError(t, g.SetEntryPoint("loop"))
	require.NoError(t, g.AddEdge("loop", "loop"))

	cg, err := g.Compile(WithMaxSteps(10))
	require.NoError(t, err)
	res, err := cg.Run(context.Background(), types.NewState())
	runError(t, err, errors.ErrorCodeStepBudgetExceeded)
	assert.True(t, errors.IsStepBudgetExceededError(err))
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls))
	assert.Equal(t, types.StatusFailed, res.Status)

	atomic.StoreInt32(&calls, 0)
	_, err = cg.Invoke(context.Background(), types.NewState(), WithRunMaxSteps(3))
	runError(t, err, errors.ErrorCodeStepBudgetExceeded)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	def, err := g.Compile()
	require.NoError(t, err)
	atomic.StoreInt32(&calls, 0)
	_, err = def.Invoke(context.Background(), types.NewState())
	runError(t, err, errors.ErrorCodeStepBudgetExceeded)
	assert.Equal(t, int32(constants.DefaultMaxSteps), atomic.LoadInt32(&calls))
}

func TestGuardScenario(t *testing.T) {
	guard, err := prebuilt.RestrictedTermGuard(prebuilt.GuardConfig{InputKey: "text", Terms: []string{"x"}})
	require.NoError(t, err)
	g := chain(t, map[string]types.NodeFunc{"guard": guard}, "guard")
	cg, err := g.Compile()
	require.NoError(t, err)

	blocked, err := cg.Invoke(context.Background(), types.StateOf("text", "contains x"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"text": "contains x", "status": "blocked", "reason": "restricted_terms",
	}, blocked.ToMap())

	passed, err := cg.Invoke(context.Background(), types.StateOf("text", "clean text"))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"text": "clean text", "status": "passed"}, passed.ToMap())
}

func TestSoftFailAndFailFast(t *testing.T) {
	boom := stderrors.New("boom")

	t.Run("continue merges the error", func(t *testing.T) {
		g := chain(t, map[string]types.NodeFunc{"b": fail(boom)}, "a", "b", "c")
		cg, err := g.Compile()
		require.NoError(t, err)

		state, err := cg.Invoke(context.Background(), types.NewState())
		require.NoError(t, err)
		msg, _ := state.GetString(constants.ErrorKey)
		assert.Equal(t, "b: boom", msg)
		last, _ := state.GetString("last")
		assert.Equal(t, "c", last)
	})

	t.Run("node policy fail", func(t *testing.T) {
		g := NewStateGraph()
		require.NoError(t, g.AddNode("a", fail(boom), WithErrorPolicy(types.ErrorPolicyFail)))
		require.NoError(t, g.SetEntryPoint("a"))
		require.NoError(t, g.SetFinishPoint("a"))
		cg, err := g.Compile()
		require.NoError(t, err)

		_, err = cg.Invoke(context.Background(), types.NewState())
		re := runError(t, err, errors.ErrorCodeNodeFailed)
		assert.Equal(t, "a", re.Node)
		assert.True(t, errors.IsNodeError(err))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("graph default fail, run override continue, node override wins", func(t *testing.T) {
		g := NewStateGraph()
		require.NoError(t, g.AddNode("soft", fail(boom)))
		require.NoError(t, g.AddNode("hard", fail(boom), WithErrorPolicy(types.ErrorPolicyFail)))
		require.NoError(t, g.SetEntryPoint("soft"))
		require.NoError(t, g.AddEdge("soft", "hard"))
		require.NoError(t, g.SetFinishPoint("hard"))
		cg, err := g.Compile(WithOnNodeError(types.ErrorPolicyFail))
		require.NoError(t, err)

		_, err = cg.Invoke(context.Background(), types.NewState())
		assert.Equal(t, "soft", runError(t, err, errors.ErrorCodeNodeFailed).Node)

		_, err = cg.Invoke(context.Background(), types.NewState(), WithRunOnNodeError(types.ErrorPolicyContinue))
		assert.Equal(t, "hard", runError(t, err, errors.ErrorCodeNodeFailed).Node)
	})

	t.Run("panic is a node failure", func(t *testing.T) {
		g := chain(t, map[string]types.NodeFunc{
			"a": func(context.Context, types.State) (types.State, error) { panic("kaboom") },
		}, "a")
		cg, err := g.Compile()
		require.NoError(t, err)

		state, err := cg.Invoke(context.Background(), types.NewState())
		require.NoError(t, err)
		msg, _ := state.GetString(constants.ErrorKey)
		assert.Contains(t, msg, "panic in node")
		assert.Contains(t, msg, "kaboom")
	})
}

func TestInvalidUpdateFailsRun(t *testing.T) {
	g := chain(t, map[string]types.NodeFunc{"a": set("x", "text"), "b": set("x", 1)}, "a", "b")
	cg, err := g.Compile()
	require.NoError(t, err)

	_, err = cg.Invoke(context.Background(), types.NewState())
	re := runError(t, err, errors.ErrorCodeInvalidUpdate)
	assert.Equal(t, "b", re.Node)
	assert.True(t, errors.IsInvalidUpdateError(err))
}

func TestErrorKeyHoldsText(t *testing.T) {
	boom := stderrors.New("boom")

	t.Run("non-text input is rejected before the first node", func(t *testing.T) {
		var calls int32
		g := chain(t, map[string]types.NodeFunc{
			"a": func(context.Context, types.State) (types.State, error) {
				atomic.AddInt32(&calls, 1)
				return types.State{}, boom
			},
		}, "a")
		cg, err := g.Compile()
		require.NoError(t, err)

		_, err = cg.Invoke(context.Background(), types.StateOf(constants.ErrorKey, false))
		re := runError(t, err, errors.ErrorCodeInvalidUpdate)
		assert.Equal(t, "a", re.Node)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("non-text update is rejected", func(t *testing.T) {
		g := chain(t, map[string]types.NodeFunc{"a": set(constants.ErrorKey, 404)}, "a")
		cg, err := g.Compile()
		require.NoError(t, err)

		_, err = cg.Invoke(context.Background(), types.NewState())
		re := runError(t, err, errors.ErrorCodeInvalidUpdate)
		assert.Equal(t, "a", re.Node)
	})

	t.Run("earlier error text is overwritten", func(t *testing.T) {
		g := chain(t, map[string]types.NodeFunc{"a": fail(boom)}, "a")
		cg, err := g.Compile()
		require.NoError(t, err)

		state, err := cg.Invoke(context.Background(), types.StateOf(constants.ErrorKey, "stale"))
		require.NoError(t, err)
		msg, _ := state.GetString(constants.ErrorKey)
		assert.Equal(t, "a: boom", msg)
	})
}

type failingSaver struct {
	checkpoint.Saver
	failStep int
}

func (s *failingSaver) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.StepIndex == s.failStep {
		return stderrors.New("disk full")
	}
	return s.Saver.Save(ctx, cp)
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	var cCalls int32
	g := chain(t, map[string]types.NodeFunc{
		"c": func(context.Context, types.State) (types.State, error) {
			atomic.AddInt32(&cCalls, 1)
			return types.State{}, nil
		},
	}, "a", "b", "c")
	saver := &failingSaver{Saver: checkpoint.NewMemorySaver(), failStep: 1}
	cg, err := g.Compile(WithCheckpointer(saver))
	require.NoError(t, err)

	_, err = cg.Invoke(context.Background(), types.NewState(), WithSessionID("s"))
	re := runError(t, err, errors.ErrorCodePersistence)
	assert.Equal(t, "b", re.Node)
	assert.True(t, errors.IsPersistenceError(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&cCalls))

	// without a session nothing is persisted
	_, err = cg.Invoke(context.Background(), types.NewState())
	require.NoError(t, err)
}

func TestStorageFailureKeepsDriverContext(t *testing.T) {
	saver, err := checkpoint.NewSqliteSaver(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	require.NoError(t, saver.Close())

	cg, err := chain(t, nil, "a").Compile(WithCheckpointer(saver))
	require.NoError(t, err)

	_, err = cg.Invoke(context.Background(), types.NewState(), WithSessionID("s"))
	runError(t, err, errors.ErrorCodePersistence)
	var pe *errors.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Operation)

	var ec *errors.ErrorContext
	require.ErrorAs(t, pe.Cause, &ec)
	assert.Equal(t, errors.ErrorCodePersistence, ec.ErrorCode)
	assert.Equal(t, "s", ec.Metadata["session_id"])
	assert.NotEmpty(t, errors.GetErrorStack(err))
}

func TestInterruptAndResume(t *testing.T) {
	ctx := context.Background()
	var reviewed types.State
	reviewCalled := false
	g := chain(t, map[string]types.NodeFunc{
		"draft": set("proposal", "raise limit"),
		"review": func(_ context.Context, s types.State) (types.State, error) {
			reviewed = s
			reviewCalled = true
			return types.StateOf("decision", "approved"), nil
		},
	}, "draft", "review", "apply")
	cg, err := g.Compile(WithCheckpointer(checkpoint.NewMemorySaver()), WithInterruptBefore("review"))
	require.NoError(t, err)
	assert.Equal(t, []string{"review"}, cg.Interrupts())

	res, err := cg.Run(ctx, types.NewState(), WithSessionID("s"))
	require.Error(t, err)
	assert.True(t, errors.IsGraphInterrupt(err))
	assert.Equal(t, types.StatusInterrupted, res.Status)
	assert.Equal(t, 1, res.Steps)
	assert.False(t, reviewCalled)

	cp, err := cg.GetState(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "review", cp.Next)
	assert.Equal(t, checkpoint.StatusInterrupted, cp.Status)

	state, err := cg.Invoke(ctx, types.StateOf("approver", "ops"), WithSessionID("s"))
	require.NoError(t, err)
	require.True(t, reviewCalled)
	who, _ := reviewed.GetString("approver")
	assert.Equal(t, "ops", who)
	last, _ := state.GetString("last")
	assert.Equal(t, "apply", last)

	_, err = cg.Invoke(ctx, types.NewState())
	assert.ErrorIs(t, err, errors.ErrSessionRequired)
}

func TestNodeRetryPolicy(t *testing.T) {
	var calls int32
	flaky := func(context.Context, types.State) (types.State, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return types.State{}, stderrors.New("flaky")
		}
		return types.StateOf("ok", true), nil
	}
	policy := types.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, BackoffFactor: 1}

	g := NewStateGraph()
	require.NoError(t, g.AddNode("flaky", flaky, WithRetryPolicy(policy), WithErrorPolicy(types.ErrorPolicyFail)))
	require.NoError(t, g.SetEntryPoint("flaky"))
	require.NoError(t, g.SetFinishPoint("flaky"))
	cg, err := g.Compile()
	require.NoError(t, err)

	res, err := cg.Run(context.Background(), types.NewState())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, res.Steps)

	atomic.StoreInt32(&calls, -10)
	_, err = cg.Invoke(context.Background(), types.NewState())
	runError(t, err, errors.ErrorCodeNodeFailed)
	var exhausted *RetryExhaustedError
	require.True(t, stderrors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := chain(t, map[string]types.NodeFunc{
		"a": func(context.Context, types.State) (types.State, error) {
			cancel()
			return types.StateOf("a", true), nil
		},
	}, "a", "b")
	cg, err := g.Compile()
	require.NoError(t, err)

	res, err := cg.Run(ctx, types.NewState())
	re := runError(t, err, errors.ErrorCodeCancelled)
	assert.Equal(t, "b", re.Node)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Steps)
	assert.True(t, res.State.Has("a"))
}

func TestStateSchemaRegistersReducers(t *testing.T) {
	type chatState struct {
		Messages []string `state:"messages" stategraph:"reducer=append"`
		Turns    int      `state:"turns" stategraph:"reducer=add,doc=turn counter"`
		Status   string   `state:"status"`
		Skipped  string   `state:"-"`
	}

	fields, err := ParseStateSchema(chatState{})
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "messages", fields[0].Key)
	assert.Equal(t, channels.PolicyAppend, fields[0].Reducer.Name())
	assert.Equal(t, "turn counter", fields[1].Metadata["doc"])
	assert.Equal(t, channels.PolicyReplace, fields[2].Reducer.Name())

	g := chain(t, map[string]types.NodeFunc{
		"hello": func(context.Context, types.State) (types.State, error) {
			return types.StateOf("messages", "hello", "turns", 1, "status", "greeted"), nil
		},
	}, "hello")
	require.NoError(t, g.SetStateSchema(&chatState{}))
	cg, err := g.Compile()
	require.NoError(t, err)

	state, err := cg.Invoke(context.Background(), types.StateOf("messages", []interface{}{"hi"}, "turns", 1))
	require.NoError(t, err)

	var out chatState
	require.NoError(t, state.Decode(&out))
	assert.Equal(t, []string{"hi", "hello"}, out.Messages)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, "greeted", out.Status)

	_, err = ParseStateSchema(map[string]interface{}{})
	assert.Error(t, err)
	type bad struct {
		A int `stategraph:"reducer=median"`
	}
	_, err = ParseStateSchema(bad{})
	assert.Error(t, err)
}

func TestSessionInspectionErrors(t *testing.T) {
	g := chain(t, nil, "a")
	cg, err := g.Compile()
	require.NoError(t, err)

	_, err = cg.GetState(context.Background(), "s")
	assert.ErrorIs(t, err, errors.ErrNoCheckpointer)

	withSaver, err := g.Compile(WithCheckpointer(checkpoint.NewMemorySaver()))
	require.NoError(t, err)
	_, err = withSaver.History(context.Background(), "", 10)
	assert.ErrorIs(t, err, errors.ErrSessionRequired)
	cp, err := withSaver.GetState(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestInvalidRunConfig(t *testing.T) {
	cg, err := chain(t, nil, "a").Compile()
	require.NoError(t, err)

	_, err = cg.Invoke(context.Background(), types.NewState(), WithRunMaxSteps(0))
	assert.Error(t, err)
	_, err = cg.Invoke(context.Background(), types.NewState(), WithRunOnNodeError("ignore"))
	assert.Error(t, err)

	it := cg.Stream(context.Background(), types.NewState(), WithRunMaxSteps(-1))
	_, err = it.Next(context.Background())
	assert.Error(t, err)
}
