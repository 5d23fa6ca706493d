package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/langgraph-go/stategraph/types"
)

// RetryExhaustedError is returned when a node fails on every attempt of its
// retry policy.
type RetryExhaustedError struct {
	NodeName string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempts: %v", e.NodeName, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// invokeNode calls the node function, retrying it under the node's retry
// policy. Panics are returned as errors.
func (cg *CompiledGraph) invokeNode(ctx context.Context, node *compiledNode, state types.State, logger *slog.Logger) (types.State, error) {
	if node.retry == nil || node.retry.MaxAttempts <= 1 {
		return callNode(ctx, node, state)
	}

	policy := node.retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		update, err := callNode(ctx, node, state)
		if err == nil {
			return update, nil
		}
		if policy.RetryOn != nil && !policy.RetryOn(err) {
			return types.State{}, err
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		backoff := policy.Backoff(attempt)
		logger.Debug("retrying node", "attempt", attempt, "backoff", backoff, "err", err)
		cg.telemetry.Metrics.RecordNodeRetry(ctx, cg.name, node.name, attempt)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.State{}, fmt.Errorf("node %s cancelled during retry: %w", node.name, ctx.Err())
		case <-timer.C:
		}
	}

	return types.State{}, &RetryExhaustedError{
		NodeName: node.name,
		Attempts: policy.MaxAttempts,
		LastErr:  lastErr,
	}
}

func callNode(ctx context.Context, node *compiledNode, state types.State) (update types.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in node %q: %v", node.name, r)
		}
	}()
	return node.fn(ctx, state)
}
