// Package checkpoint persists per-session State snapshots so that a run can
// resume where an earlier one stopped.
//
// A session's checkpoints form a sequence ordered by StepIndex. Savers reject
// a Save whose StepIndex does not exceed the latest one of that session and
// never let one session's records leak into another.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/langgraph-go/stategraph/constants"
	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

// Status describes where a run stood when a checkpoint was written.
type Status string

const (
	// StatusRunning means the run continues with Next.
	StatusRunning Status = "running"
	// StatusInterrupted means the run paused before Next.
	StatusInterrupted Status = "interrupted"
	// StatusDone means Next is the end marker.
	StatusDone Status = "done"
)

// Checkpoint is the post-merge State of one node execution.
type Checkpoint struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	// StepIndex numbers node executions within a session, from 0.
	StepIndex int         `json:"step_index"`
	State     types.State `json:"state"`
	// Node is the node whose execution produced State.
	Node string `json:"node"`
	// Next is the node the run continues with, or the end marker.
	Next      string                 `json:"next"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewCheckpoint creates a checkpoint with a fresh ID and the current time.
func NewCheckpoint(sessionID string, step int, state types.State, node, next string) *Checkpoint {
	status := StatusRunning
	if next == constants.End {
		status = StatusDone
	}
	return &Checkpoint{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StepIndex: step,
		State:     state,
		Node:      node,
		Next:      next,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]interface{}),
	}
}

// Clone returns a copy of the checkpoint. State values are shared, which is
// safe since State is never modified in place.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// Validate checks the fields every saver relies on.
func (c *Checkpoint) Validate() error {
	if c.SessionID == "" {
		return errors.ErrSessionRequired
	}
	if c.StepIndex < 0 {
		return fmt.Errorf("step index must be >= 0, got %d", c.StepIndex)
	}
	return nil
}

// Saver stores checkpoints. Implementations are safe for concurrent use.
type Saver interface {
	// Load returns the latest checkpoint of a session, or nil if it has none.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)
	// Save appends a checkpoint. It fails with ErrStepConflict when
	// StepIndex does not exceed the session's latest one.
	Save(ctx context.Context, cp *Checkpoint) error
	// List returns up to limit checkpoints of a session, newest first.
	// limit <= 0 returns all of them.
	List(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error)
	// Delete removes every checkpoint of a session.
	Delete(ctx context.Context, sessionID string) error
	// Sessions returns the ids of all sessions with checkpoints, sorted.
	Sessions(ctx context.Context) ([]string, error)
}

// Serializer defines the interface for serializing/deserializing checkpoints.
type Serializer interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte, target interface{}) error
}

// JSONSerializer is the default JSON serializer.
type JSONSerializer struct{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(data []byte, target interface{}) error {
	return json.Unmarshal(data, target)
}

// storageError tags a backend failure with the persistence code and the
// session and step it concerned. A negative step is omitted.
func storageError(err error, op, sessionID string, step int) error {
	ec := errors.NewErrorContext(errors.ErrorCodePersistence, op, err)
	if sessionID != "" {
		ec.AddMetadata("session_id", sessionID)
	}
	if step >= 0 {
		ec.AddMetadata("step", step)
	}
	return ec
}

func stepConflict(sessionID string, step, latest int) error {
	return fmt.Errorf("%w: session %q step %d, latest %d", errors.ErrStepConflict, sessionID, step, latest)
}

func decodeCheckpoint(s Serializer, data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := s.Deserialize(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]interface{})
	}
	return &cp, nil
}
