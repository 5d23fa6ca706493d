package graph

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/langgraph-go/stategraph/channels"
)

// FieldInfo describes one State key declared by a schema struct.
type FieldInfo struct {
	// Key is the State key, taken from the `state` tag or the field name.
	Key  string
	Type reflect.Type
	// Reducer is the merge policy named by the `stategraph` tag.
	Reducer channels.Reducer
	// Metadata holds the other options of the `stategraph` tag.
	Metadata map[string]string
}

// ParseStateSchema reads the State keys declared by a struct. Fields are
// matched the same way State.Decode matches them, so a schema struct can
// also be the decode target of the final State:
//
//	type ChatState struct {
//		Messages []string `state:"messages" stategraph:"reducer=append"`
//		Turns    int      `state:"turns" stategraph:"reducer=add"`
//		Status   string   `state:"status"`
//	}
func ParseStateSchema(schema interface{}) ([]FieldInfo, error) {
	if schema == nil {
		return nil, fmt.Errorf("state schema cannot be nil")
	}
	t := reflect.TypeOf(schema)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("state schema must be a struct, got %v", t.Kind())
	}

	fields := make([]FieldInfo, 0, t.NumField())
	seen := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		key := field.Name
		if tag, ok := field.Tag.Lookup("state"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name != "" {
				key = name
			}
		}
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("fields %s and %s both map to key %q", other, field.Name, key)
		}
		seen[key] = field.Name

		info, err := parseFieldTag(field.Tag.Get("stategraph"))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		info.Key = key
		info.Type = field.Type
		fields = append(fields, info)
	}
	return fields, nil
}

// parseFieldTag parses "reducer=append,doc=chat history".
func parseFieldTag(tag string) (FieldInfo, error) {
	info := FieldInfo{Reducer: channels.Replace, Metadata: make(map[string]string)}
	if tag == "" {
		return info, nil
	}
	for _, pair := range strings.Split(tag, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok {
			info.Metadata[key] = "true"
			continue
		}
		value = strings.TrimSpace(value)
		if key == "reducer" {
			reducer, err := channels.ByName(value)
			if err != nil {
				return info, err
			}
			info.Reducer = reducer
			continue
		}
		info.Metadata[key] = value
	}
	return info, nil
}

// SetStateSchema registers the reducers declared by a schema struct.
// See ParseStateSchema for the tag format.
func (g *StateGraph) SetStateSchema(schema interface{}) error {
	fields, err := ParseStateSchema(schema)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if err := g.SetReducer(f.Key, f.Reducer); err != nil {
			return err
		}
	}
	return nil
}
