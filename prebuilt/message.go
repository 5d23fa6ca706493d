package prebuilt

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/langgraph-go/stategraph/types"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	ID      string                 `mapstructure:"id,omitempty"`
	Role    string                 `mapstructure:"role"`
	Content string                 `mapstructure:"content"`
	Extra   map[string]interface{} `mapstructure:"extra,omitempty"`
}

// NewMessage creates a new message without an ID.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ToMap converts the message to the record stored in a State.
func (m Message) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"role":    m.Role,
		"content": m.Content,
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if len(m.Extra) > 0 {
		out["extra"] = m.Extra
	}
	return out
}

// Messages decodes the history stored at key. A missing key is an empty
// history.
func Messages(state types.State, key string) ([]Message, error) {
	v, ok := state.Get(key)
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := types.ToList(v)
	if !ok {
		return nil, fmt.Errorf("messages %q is not a list", key)
	}
	out := make([]Message, 0, len(list))
	if err := mapstructure.Decode(list, &out); err != nil {
		return nil, fmt.Errorf("decode messages %q: %w", key, err)
	}
	return out, nil
}

// LastMessage returns the last message of the history at key with one of the
// given roles, or any role when none is given.
func LastMessage(state types.State, key string, roles ...string) (Message, bool) {
	msgs, err := Messages(state, key)
	if err != nil {
		return Message{}, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(roles) == 0 {
			return msgs[i], true
		}
		for _, role := range roles {
			if msgs[i].Role == role {
				return msgs[i], true
			}
		}
	}
	return Message{}, false
}

// MessageProducer creates the message a node appends.
type MessageProducer func(ctx context.Context, state types.State) (Message, error)

// AppendMessage returns a node that appends the produced message to the
// history at key. key should be registered with the append reducer.
func AppendMessage(key string, producer MessageProducer) types.NodeFunc {
	return func(ctx context.Context, state types.State) (types.State, error) {
		msg, err := producer(ctx, state)
		if err != nil {
			return types.State{}, err
		}
		return types.StateOf(key, []interface{}{msg.ToMap()}), nil
	}
}
