package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySaver is an in-memory checkpoint saver. Checkpoints are kept
// serialized so callers never share memory with stored records.
type MemorySaver struct {
	mu         sync.RWMutex
	sessions   map[string][]memoryEntry
	serializer Serializer
}

type memoryEntry struct {
	step int
	data []byte
}

// NewMemorySaver creates a new in-memory checkpoint saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{
		sessions:   make(map[string][]memoryEntry),
		serializer: JSONSerializer{},
	}
}

// Load returns the latest checkpoint of a session.
func (s *MemorySaver) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sessions[sessionID]
	if len(entries) == 0 {
		return nil, nil
	}
	return decodeCheckpoint(s.serializer, entries[len(entries)-1].data)
}

// Save appends a checkpoint.
func (s *MemorySaver) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := s.serializer.Serialize(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.sessions[cp.SessionID]
	if n := len(entries); n > 0 && entries[n-1].step >= cp.StepIndex {
		return stepConflict(cp.SessionID, cp.StepIndex, entries[n-1].step)
	}
	s.sessions[cp.SessionID] = append(entries, memoryEntry{step: cp.StepIndex, data: data})
	return nil
}

// List returns checkpoints of a session, newest first.
func (s *MemorySaver) List(ctx context.Context, sessionID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.sessions[sessionID]
	result := make([]*Checkpoint, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		cp, err := decodeCheckpoint(s.serializer, entries[i].data)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// Delete removes a session.
func (s *MemorySaver) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Sessions returns the stored session ids.
func (s *MemorySaver) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
