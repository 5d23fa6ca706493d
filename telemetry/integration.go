package telemetry

import (
	"context"
	"time"

	"github.com/langgraph-go/stategraph/checkpoint"
)

// TracedSaver wraps a checkpoint.Saver with spans and duration metrics for
// Load and Save.
type TracedSaver struct {
	checkpoint.Saver
	provider *Provider
}

// InstrumentSaver returns saver wrapped with telemetry from provider.
// A nil provider returns saver unchanged.
func InstrumentSaver(saver checkpoint.Saver, provider *Provider) checkpoint.Saver {
	if saver == nil || provider == nil {
		return saver
	}
	if traced, ok := saver.(*TracedSaver); ok {
		saver = traced.Saver
	}
	return &TracedSaver{Saver: saver, provider: provider}
}

// Unwrap returns the underlying saver.
func (s *TracedSaver) Unwrap() checkpoint.Saver {
	return s.Saver
}

// Load implements checkpoint.Saver.
func (s *TracedSaver) Load(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	ctx, span := s.provider.TracerProvider.StartCheckpointSpan(ctx, "load", sessionID)
	defer span.End()

	start := time.Now()
	cp, err := s.Saver.Load(ctx, sessionID)
	s.provider.Metrics.RecordCheckpointLoad(ctx, time.Since(start), err)
	SetSpanError(span, err)
	if cp != nil {
		span.SetAttributes(
			SpanAttributes.CheckpointID.String(cp.ID),
			SpanAttributes.Step.Int(cp.StepIndex),
		)
	}
	return cp, err
}

// Save implements checkpoint.Saver.
func (s *TracedSaver) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	ctx, span := s.provider.TracerProvider.StartCheckpointSpan(ctx, "save", cp.SessionID)
	defer span.End()
	span.SetAttributes(
		SpanAttributes.CheckpointID.String(cp.ID),
		SpanAttributes.Step.Int(cp.StepIndex),
		SpanAttributes.NodeName.String(cp.Node),
		SpanAttributes.Next.String(cp.Next),
	)

	start := time.Now()
	err := s.Saver.Save(ctx, cp)
	s.provider.Metrics.RecordCheckpointSave(ctx, time.Since(start), err)
	SetSpanError(span, err)
	return err
}
