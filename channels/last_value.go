package channels

// LastValue keeps the most recent update, discarding the previous value.
// It is the policy of every key without a registered reducer.
type LastValue struct{}

// Replace is the default reducer.
var Replace Reducer = LastValue{}

// Name returns "replace".
func (LastValue) Name() string { return PolicyReplace }

// Reduce returns update.
func (LastValue) Reduce(_ interface{}, _ bool, update interface{}) (interface{}, error) {
	return update, nil
}
