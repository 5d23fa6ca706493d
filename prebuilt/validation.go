package prebuilt

import (
	"context"
	"fmt"
	"reflect"

	"github.com/go-playground/validator"

	"github.com/langgraph-go/stategraph/types"
)

// ValidationNode returns a node that fails when validate rejects the State.
// It leaves the State unchanged otherwise.
func ValidationNode(validate func(types.State) error, errorMessage string) types.NodeFunc {
	return func(_ context.Context, state types.State) (types.State, error) {
		if err := validate(state); err != nil {
			return types.State{}, fmt.Errorf("%s: %w", errorMessage, err)
		}
		return types.State{}, nil
	}
}

// SchemaValidationNode returns a node that decodes the State into a fresh
// value of schema's struct type and checks its `validate` tags.
//
//	type Ticket struct {
//		Email string `state:"email" validate:"required,email"`
//		Turns int    `state:"turns" validate:"gte=0,lte=10"`
//	}
//	node := prebuilt.SchemaValidationNode(Ticket{})
func SchemaValidationNode(schema interface{}) types.NodeFunc {
	t := reflect.TypeOf(schema)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	v := validator.New()
	return ValidationNode(func(state types.State) error {
		target := reflect.New(t).Interface()
		if err := state.Decode(target); err != nil {
			return err
		}
		return v.Struct(target)
	}, "state validation failed")
}
