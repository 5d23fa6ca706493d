package prebuilt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/langgraph-go/stategraph/types"
)

// Decisions written by ApprovalNode.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Approver decides on a proposal. Implementations may block on a human.
type Approver interface {
	Approve(ctx context.Context, proposal string) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, proposal string) (bool, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, proposal string) (bool, error) {
	return f(ctx, proposal)
}

// PromptApprover asks on Out and reads a yes/no answer from In.
type PromptApprover struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

// Approve implements Approver. Only "y" and "yes" approve.
func (p *PromptApprover) Approve(ctx context.Context, proposal string) (bool, error) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if _, err := fmt.Fprintf(p.Out, "Review required: %s\nApprove this action? (yes/no): ", proposal); err != nil {
		return false, err
	}

	answer := make(chan bool, 1)
	go func() {
		if p.scanner.Scan() {
			reply := strings.ToLower(strings.TrimSpace(p.scanner.Text()))
			answer <- reply == "y" || reply == "yes"
			return
		}
		close(answer)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case ok, open := <-answer:
		if !open {
			if err := p.scanner.Err(); err != nil {
				return false, err
			}
			return false, io.ErrUnexpectedEOF
		}
		return ok, nil
	}
}

// ApprovalConfig configures ApprovalNode.
type ApprovalConfig struct {
	// ProposalKey holds the text to approve. Defaults to "proposal".
	ProposalKey string
	// DecisionKey receives "approved" or "rejected". Defaults to "decision".
	DecisionKey string
}

// ApprovalNode returns a node that asks approver about the proposal in the
// State and records the decision.
func ApprovalNode(approver Approver, config ApprovalConfig) types.NodeFunc {
	if config.ProposalKey == "" {
		config.ProposalKey = "proposal"
	}
	if config.DecisionKey == "" {
		config.DecisionKey = "decision"
	}
	return func(ctx context.Context, state types.State) (types.State, error) {
		proposal, ok := state.GetString(config.ProposalKey)
		if !ok {
			return types.State{}, fmt.Errorf("proposal %q is missing or not text", config.ProposalKey)
		}
		approved, err := approver.Approve(ctx, proposal)
		if err != nil {
			return types.State{}, fmt.Errorf("approval failed: %w", err)
		}
		decision := DecisionRejected
		if approved {
			decision = DecisionApproved
		}
		return types.StateOf(config.DecisionKey, decision), nil
	}
}

// DecisionRouter routes on the decision written by ApprovalNode, returning
// DecisionApproved or DecisionRejected.
func DecisionRouter(decisionKey string) types.RouterFunc {
	if decisionKey == "" {
		decisionKey = "decision"
	}
	return func(_ context.Context, state types.State) (string, error) {
		decision, _ := state.GetString(decisionKey)
		if decision == DecisionApproved {
			return DecisionApproved, nil
		}
		return DecisionRejected, nil
	}
}
