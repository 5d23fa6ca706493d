// Package types provides the core types of stategraph: the State value,
// node and router signatures, policies and run configuration.
package types

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// NodeFunc is the signature of a node function. It receives the live State
// read-only and returns a partial State holding only the keys it changes.
type NodeFunc func(ctx context.Context, state State) (State, error)

// RouterFunc is the signature of a router. It inspects the post-merge State
// and returns one label of its conditional edge's mapping.
type RouterFunc func(ctx context.Context, state State) (string, error)

// ErrorPolicy decides what happens when a node fails.
type ErrorPolicy string

const (
	// ErrorPolicyContinue merges {error: <description>} into the State and
	// keeps routing.
	ErrorPolicyContinue ErrorPolicy = "continue"
	// ErrorPolicyFail ends the run in the FAILED state.
	ErrorPolicyFail ErrorPolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	return p == ErrorPolicyContinue || p == ErrorPolicyFail
}

// ParseErrorPolicy parses "continue" or "fail".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	p := ErrorPolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown node error policy %q (want continue or fail)", s)
	}
	return p, nil
}

// RunStatus is the state of the executor's state machine.
type RunStatus string

const (
	StatusReady       RunStatus = "READY"
	StatusRunning     RunStatus = "RUNNING"
	StatusDone        RunStatus = "DONE"
	StatusFailed      RunStatus = "FAILED"
	StatusInterrupted RunStatus = "INTERRUPTED"
)

// Terminal reports whether no further steps follow s.
func (s RunStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusInterrupted
}

// RetryPolicy configures in-step retries of a failing node. Retries happen
// inside one step; the node's ErrorPolicy applies once they are exhausted.
type RetryPolicy struct {
	// InitialInterval is the amount of time that must elapse before the first retry occurs.
	InitialInterval time.Duration
	// BackoffFactor is the multiplier by which the interval increases after each retry.
	BackoffFactor float64
	// MaxInterval is the maximum amount of time that may elapse between retries.
	MaxInterval time.Duration
	// MaxAttempts is the maximum number of attempts to make before giving up, including the first.
	MaxAttempts int
	// Jitter indicates whether to add random jitter to the interval between retries.
	Jitter bool
	// RetryOn returns true for errors that should trigger a retry.
	RetryOn func(error) bool
}

// DefaultRetryPolicy returns a default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     128 * time.Second,
		MaxAttempts:     3,
		Jitter:          true,
		RetryOn:         DefaultRetryOn,
	}
}

// DefaultRetryOn retries every error except context cancellation.
func DefaultRetryOn(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffFactor
	}
	d := time.Duration(backoff)
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	if p.Jitter {
		d -= time.Duration(float64(d) * 0.5 * rand.Float64())
	}
	return d
}
