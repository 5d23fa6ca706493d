package channels

import (
	"fmt"

	"github.com/langgraph-go/stategraph/types"
)

// BinaryOperatorAggregate reduces a key by applying a binary operator to the
// current value and each update. A missing key takes the update as is.
type BinaryOperatorAggregate struct {
	name     string
	operator BinaryOperator
}

// NewBinaryOperatorAggregate creates a reducer from a binary operator.
func NewBinaryOperatorAggregate(name string, operator BinaryOperator) *BinaryOperatorAggregate {
	return &BinaryOperatorAggregate{name: name, operator: operator}
}

// Name returns the reducer's name.
func (b *BinaryOperatorAggregate) Name() string { return b.name }

// Reduce applies the operator.
func (b *BinaryOperatorAggregate) Reduce(current interface{}, present bool, update interface{}) (interface{}, error) {
	if !present || current == nil {
		return update, nil
	}
	return b.operator(current, update)
}

// Built-in reducers backed by binary operators.
var (
	// Add sums numbers. Two ints stay an int, anything else becomes a float64.
	Add Reducer = NewBinaryOperatorAggregate(PolicyAdd, NumberAdd)
	// Merge shallow-merges records, update keys win.
	Merge Reducer = NewBinaryOperatorAggregate(PolicyMerge, MapMerge)
)

// NumberAdd adds two numbers.
func NumberAdd(a, b interface{}) (interface{}, error) {
	ai, aInt := a.(int)
	bi, bInt := b.(int)
	if aInt && bInt {
		return ai + bi, nil
	}
	af, ok1 := types.ToFloat(a)
	bf, ok2 := types.ToFloat(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("add needs numbers, got %s and %s", types.KindOf(a), types.KindOf(b))
	}
	return af + bf, nil
}

// MapMerge merges two map[string]interface{} values into a new map.
func MapMerge(a, b interface{}) (interface{}, error) {
	am, ok1 := a.(map[string]interface{})
	bm, ok2 := b.(map[string]interface{})
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("merge needs records, got %T and %T", a, b)
	}
	result := make(map[string]interface{}, len(am)+len(bm))
	for k, v := range am {
		result[k] = v
	}
	for k, v := range bm {
		result[k] = v
	}
	return result, nil
}
