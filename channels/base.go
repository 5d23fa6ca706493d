// Package channels provides the per-key merge policies of stategraph.
//
// Every State key is backed by a Reducer. When a node returns a partial
// update, the Registry folds each updated key into the current State with
// that key's Reducer; keys the update omits are left alone.
package channels

import (
	"fmt"

	"github.com/langgraph-go/stategraph/types"
)

// Reducer merges a node's update for one key into the current value.
type Reducer interface {
	// Name identifies the policy, e.g. "replace" or "append".
	Name() string
	// Reduce returns the merged value. present is false when the key is not
	// yet in the State.
	Reduce(current interface{}, present bool, update interface{}) (interface{}, error)
}

// BinaryOperator is a function that combines two values into one.
type BinaryOperator func(a, b interface{}) (interface{}, error)

// Policy names of the built-in reducers.
const (
	PolicyReplace = "replace"
	PolicyAppend  = "append"
	PolicyAdd     = "add"
	PolicyMerge   = "merge"
)

// ByName returns the built-in reducer for a policy name.
func ByName(name string) (Reducer, error) {
	switch name {
	case PolicyReplace, "":
		return Replace, nil
	case PolicyAppend:
		return Append, nil
	case PolicyAdd:
		return Add, nil
	case PolicyMerge:
		return Merge, nil
	}
	return nil, fmt.Errorf("unknown reducer policy %q", name)
}

func kindMismatch(key string, current, update interface{}) error {
	return fmt.Errorf("key %q holds a %s value, update is a %s",
		key, types.KindOf(current), types.KindOf(update))
}
