package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/langgraph-go/stategraph/hclgraph"
	"github.com/langgraph-go/stategraph/prebuilt"
	"github.com/langgraph-go/stategraph/types"
)

// builtinRegistry holds the node and router names graph files can use.
//
// Nodes:
//
//	guard     blocks input containing a restricted term (status, reason)
//	mask_pii  masks phone numbers and e-mail addresses in input
//	flaky     fails until attempts reaches threshold (default 3)
//	approve   asks on the terminal whether to approve proposal
//	echo      appends an assistant message echoing input to messages
//	respond   sets response from input
//
// Routers:
//
//	attempts  retry / done by the attempts counter
//	decision  approved / rejected
//	status    the value of status
func builtinRegistry(guardConfig prebuilt.GuardConfig, in io.Reader, out io.Writer) (*hclgraph.Registry, error) {
	guard, err := prebuilt.RestrictedTermGuard(guardConfig)
	if err != nil {
		return nil, err
	}

	r := hclgraph.NewRegistry()
	r.MustRegisterNode("guard", guard).
		MustRegisterNode("mask_pii", prebuilt.PIIMasker("input")).
		MustRegisterNode("flaky", flaky).
		MustRegisterNode("approve", prebuilt.ApprovalNode(&prebuilt.PromptApprover{In: in, Out: out}, prebuilt.ApprovalConfig{})).
		MustRegisterNode("echo", prebuilt.AppendMessage("messages", echo)).
		MustRegisterNode("respond", respond).
		MustRegisterRouter("attempts", prebuilt.AttemptRouter(prebuilt.AttemptRouterConfig{})).
		MustRegisterRouter("decision", prebuilt.DecisionRouter("decision")).
		MustRegisterRouter("status", prebuilt.KeyRouter("status"))
	return r, nil
}

// flaky simulates an operation that succeeds on attempt number threshold.
func flaky(_ context.Context, state types.State) (types.State, error) {
	threshold, ok := state.GetInt("threshold")
	if !ok {
		threshold = 3
	}
	attempts, _ := state.GetInt("attempts")
	attempts++
	if attempts < threshold {
		return types.StateOf(
			"attempts", attempts,
			"status", "error",
			"message", fmt.Sprintf("simulated failure on attempt %d", attempts),
		), nil
	}
	return types.StateOf(
		"attempts", attempts,
		"status", "ok",
		"message", "succeeded after retries",
	), nil
}

func echo(_ context.Context, state types.State) (prebuilt.Message, error) {
	input, _ := state.GetString("input")
	return prebuilt.NewMessage(prebuilt.RoleAssistant, "you said: "+input), nil
}

func respond(_ context.Context, state types.State) (types.State, error) {
	input, _ := state.GetString("input")
	return types.StateOf("response", "processed: "+strings.TrimSpace(input)), nil
}
