// Package prebuilt provides pre-built nodes and routers for common graph
// patterns: bounded retry loops, content guards, human approval and
// message histories.
package prebuilt

import (
	"context"
	"fmt"

	"github.com/langgraph-go/stategraph/types"
)

// Counting selects what the attempt counter of a retry loop counts.
type Counting int

const (
	// CountAttempts counts every visit of the retried node. MaxAttempts
	// bounds the total number of visits, so MaxAttempts=3 allows two
	// failures and a third, final try.
	CountAttempts Counting = iota
	// CountFailures counts failed visits only. MaxAttempts bounds the
	// retries after failures, so MaxAttempts=3 gives up after the third
	// retry has failed as well.
	CountFailures
)

func (c Counting) String() string {
	switch c {
	case CountAttempts:
		return "attempts"
	case CountFailures:
		return "failures"
	}
	return fmt.Sprintf("Counting(%d)", int(c))
}

// Default labels returned by AttemptRouter.
const (
	LabelRetry = "retry"
	LabelDone  = "done"
)

// AttemptRouterConfig configures AttemptRouter.
type AttemptRouterConfig struct {
	// AttemptKey holds the counter. Defaults to "attempts".
	AttemptKey string
	// StatusKey holds the outcome of the last visit. Defaults to "status".
	StatusKey string
	// SuccessValue marks a successful visit. Defaults to "ok".
	SuccessValue string
	// MaxAttempts bounds the loop, see Counting. Defaults to 3.
	MaxAttempts int
	Counting    Counting
	// Retry and Done are the labels returned. Default LabelRetry and LabelDone.
	Retry string
	Done  string
}

func (c AttemptRouterConfig) withDefaults() AttemptRouterConfig {
	if c.AttemptKey == "" {
		c.AttemptKey = "attempts"
	}
	if c.StatusKey == "" {
		c.StatusKey = "status"
	}
	if c.SuccessValue == "" {
		c.SuccessValue = "ok"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Retry == "" {
		c.Retry = LabelRetry
	}
	if c.Done == "" {
		c.Done = LabelDone
	}
	return c
}

// AttemptRouter returns a router for a node that routes back to itself
// until it succeeds or runs out of attempts. Map its Retry label to the
// retried node and its Done label to whatever follows.
func AttemptRouter(config AttemptRouterConfig) types.RouterFunc {
	cfg := config.withDefaults()
	return func(_ context.Context, state types.State) (string, error) {
		if status, _ := state.GetString(cfg.StatusKey); status == cfg.SuccessValue {
			return cfg.Done, nil
		}

		count := 0
		if v, ok := state.Get(cfg.AttemptKey); ok && v != nil {
			n, ok := types.ToInt(v)
			if !ok {
				return "", fmt.Errorf("attempt counter %q is not a number: %v", cfg.AttemptKey, v)
			}
			count = n
		}

		limit := cfg.MaxAttempts
		if cfg.Counting == CountFailures {
			limit++
		}
		if count < limit {
			return cfg.Retry, nil
		}
		return cfg.Done, nil
	}
}

// WithAttemptCounter wraps fn so that every successful call also
// increments the counter at key. fn sees the State before the increment.
func WithAttemptCounter(key string, fn types.NodeFunc) types.NodeFunc {
	return func(ctx context.Context, state types.State) (types.State, error) {
		count, _ := state.GetInt(key)
		update, err := fn(ctx, state)
		if err != nil {
			return update, err
		}
		return update.With(key, count+1), nil
	}
}

// KeyRouter routes by the string value at key, so a node's status output
// doubles as the routing label. A missing or non-string value is an error.
func KeyRouter(key string) types.RouterFunc {
	return func(_ context.Context, state types.State) (string, error) {
		v, ok := state.Get(key)
		if !ok {
			return "", fmt.Errorf("routing key %q is not set", key)
		}
		label, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("routing key %q holds %s, want string", key, types.KindOf(v))
		}
		return label, nil
	}
}
