package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langgraph-go/stategraph/errors"
	"github.com/langgraph-go/stategraph/types"
)

func TestReplaceIsDefault(t *testing.T) {
	r := NewRegistry()
	state := types.StateOf("status", "error", "input", "q")

	out, err := r.Apply(state, types.StateOf("status", "ok"))
	require.NoError(t, err)

	status, _ := out.GetString("status")
	assert.Equal(t, "ok", status)
	input, _ := out.GetString("input")
	assert.Equal(t, "q", input, "omitted keys stay unchanged")

	status, _ = state.GetString("status")
	assert.Equal(t, "error", status, "Apply must not modify its input")
}

func TestAppend_PreservesOrderAndDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("messages", Append))

	out, err := r.ApplyAll(types.NewState(),
		types.StateOf("messages", []interface{}{"hi"}),
		types.StateOf("messages", []interface{}{"hi", "there"}),
		types.StateOf("messages", "single"),
	)
	require.NoError(t, err)

	msgs, _ := out.GetList("messages")
	assert.Equal(t, []interface{}{"hi", "hi", "there", "single"}, msgs)
}

func TestAppend_Associative(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("log", Append))
	empty := types.StateOf("log", []interface{}{})

	oneByOne, err := r.ApplyAll(empty,
		types.StateOf("log", []interface{}{"a"}),
		types.StateOf("log", []interface{}{"b"}),
		types.StateOf("log", []interface{}{"c"}),
	)
	require.NoError(t, err)

	batched, err := r.ApplyAll(empty,
		types.StateOf("log", []interface{}{"a", "b"}),
		types.StateOf("log", []interface{}{"c"}),
	)
	require.NoError(t, err)

	a, _ := oneByOne.GetList("log")
	b, _ := batched.GetList("log")
	assert.Equal(t, []interface{}{"a", "b", "c"}, a)
	assert.Equal(t, a, b)
}

func TestAppend_KeepsSliceType(t *testing.T) {
	out, err := Append.Reduce([]string{"a"}, true, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)

	src := []string{"x"}
	out, err = Append.Reduce(nil, false, src)
	require.NoError(t, err)
	src[0] = "changed"
	assert.Equal(t, []interface{}{"x"}, out, "first append copies the update")
}

func TestAppend_RejectsNonList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("messages", Append))

	_, err := r.Apply(types.StateOf("messages", "oops"), types.StateOf("messages", []interface{}{"x"}))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidUpdateError(err))
}

func TestApply_KindStability(t *testing.T) {
	r := NewRegistry()
	state := types.StateOf("attempts", 1, "note", nil)

	_, err := r.Apply(state, types.StateOf("attempts", "two"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidUpdateError(err))

	out, err := r.Apply(state, types.StateOf("attempts", 2.5))
	require.NoError(t, err, "int and float are both numbers")
	f, _ := out.GetFloat("attempts")
	assert.Equal(t, 2.5, f)

	out, err = r.Apply(state, types.StateOf("note", "now text"))
	require.NoError(t, err, "null keys accept any kind")
	note, _ := out.GetString("note")
	assert.Equal(t, "now text", note)
}

func TestAddAndMerge(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("count", Add))
	require.NoError(t, r.Register("meta", Merge))

	out, err := r.ApplyAll(types.NewState(),
		types.StateOf("count", 1, "meta", map[string]interface{}{"a": 1}),
		types.StateOf("count", 2, "meta", map[string]interface{}{"b": 2}),
		types.StateOf("count", 0.5),
	)
	require.NoError(t, err)

	count, _ := out.GetFloat("count")
	assert.Equal(t, 3.5, count)
	meta, _ := out.Get("meta")
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, meta)

	_, err = r.Apply(out, types.StateOf("count", "x"))
	assert.True(t, errors.IsInvalidUpdateError(err))
}

func TestRegistry_Freeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("messages", Append))

	frozen := r.Freeze()
	assert.Equal(t, PolicyAppend, frozen.Get("messages").Name())
	assert.Equal(t, PolicyReplace, frozen.Get("other").Name())

	err := frozen.Register("x", Append)
	assert.True(t, errors.IsGraphSealedError(err))

	require.NoError(t, r.Register("later", Add))
	assert.Equal(t, PolicyReplace, frozen.Get("later").Name(), "frozen copy is detached")
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", PolicyReplace, PolicyAppend, PolicyAdd, PolicyMerge} {
		r, err := ByName(name)
		require.NoError(t, err)
		if name != "" {
			assert.Equal(t, name, r.Name())
		}
	}
	_, err := ByName("concat")
	assert.Error(t, err)
}
