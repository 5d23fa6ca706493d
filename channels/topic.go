package channels

import (
	"fmt"
	"reflect"

	"github.com/langgraph-go/stategraph/types"
)

// Topic accumulates updates into a list in arrival order. A list update is
// concatenated element by element, any other update is appended as a single
// element. Duplicates are kept.
type Topic struct{}

// Append is the reducer for conversational histories and other logs.
var Append Reducer = Topic{}

// Name returns "append".
func (Topic) Name() string { return PolicyAppend }

// Reduce concatenates update onto current.
func (Topic) Reduce(current interface{}, present bool, update interface{}) (interface{}, error) {
	if !present || current == nil {
		return flatten(update), nil
	}
	if types.KindOf(current) != types.KindList {
		return nil, fmt.Errorf("append needs a list, key holds a %s value", types.KindOf(current))
	}

	// Same slice type on both sides keeps the element type.
	cv, uv := reflect.ValueOf(current), reflect.ValueOf(update)
	if uv.IsValid() && cv.Type() == uv.Type() && cv.Kind() == reflect.Slice {
		out := reflect.MakeSlice(cv.Type(), 0, cv.Len()+uv.Len())
		out = reflect.AppendSlice(out, cv)
		out = reflect.AppendSlice(out, uv)
		return out.Interface(), nil
	}

	head, _ := types.ToList(current)
	tail := flatten(update)
	out := make([]interface{}, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...), nil
}

// flatten returns a fresh list holding update's elements, or update itself
// when it is not a list.
func flatten(update interface{}) []interface{} {
	if update == nil {
		return []interface{}{}
	}
	if list, ok := types.ToList(update); ok {
		out := make([]interface{}, len(list))
		copy(out, list)
		return out
	}
	return []interface{}{update}
}
