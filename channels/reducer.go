package channels

import (
	"sort"
	"sync"

	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

// Registry maps State keys to reducers. Keys without an entry use Replace.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
	frozen   bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[string]Reducer)}
}

// Register sets the reducer of key. It fails once the registry is frozen.
func (r *Registry) Register(key string, reducer Reducer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return &errors.GraphSealedError{Operation: "SetReducer"}
	}
	if reducer == nil {
		reducer = Replace
	}
	r.reducers[key] = reducer
	return nil
}

// Get returns the reducer of key.
func (r *Registry) Get(key string) Reducer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reducer, ok := r.reducers[key]; ok {
		return reducer
	}
	return Replace
}

// Keys returns the keys with an explicit reducer, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.reducers))
	for k := range r.reducers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Freeze returns a read-only copy of the registry.
func (r *Registry) Freeze() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{reducers: make(map[string]Reducer, len(r.reducers)), frozen: true}
	for k, v := range r.reducers {
		out.reducers[k] = v
	}
	return out
}

// Apply merges update into state key by key, in the update's key order,
// and returns the new State. state itself is not modified.
//
// A merge that changes the kind of a present, non-null key fails with
// an InvalidUpdateError.
func (r *Registry) Apply(state, update types.State) (types.State, error) {
	if update.IsEmpty() {
		return state, nil
	}

	b := state.Edit()
	var applyErr error
	update.Range(func(key string, value interface{}) bool {
		reducer := r.Get(key)
		current, present := state.Get(key)

		merged, err := reducer.Reduce(current, present, value)
		if err != nil {
			applyErr = &errors.InvalidUpdateError{Key: key, Message: err.Error()}
			return false
		}

		if present && current != nil && merged != nil {
			if types.KindOf(current) != types.KindOf(merged) {
				applyErr = &errors.InvalidUpdateError{Key: key, Message: kindMismatch(key, current, merged).Error()}
				return false
			}
		}

		b.Set(key, merged)
		return true
	})
	if applyErr != nil {
		return types.State{}, applyErr
	}
	return b.State(), nil
}

// ApplyAll merges a sequence of updates in order.
func (r *Registry) ApplyAll(state types.State, updates ...types.State) (types.State, error) {
	var err error
	for _, update := range updates {
		state, err = r.Apply(state, update)
		if err != nil {
			return types.State{}, err
		}
	}
	return state, nil
}
