package prefixtree

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	tr := New()

	*tr.Put([]byte("abc")) = 1
	*tr.Put([]byte("abd")) = 2
	*tr.Put([]byte("ab")) = 3
	*tr.Put([]byte("xyz")) = 4

	v, ok := tr.Get([]byte("abc"))
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = tr.Get([]byte("abd"))
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = tr.Get([]byte("ab"))
	require.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = tr.Get([]byte("a"))
	assert.False(t, ok)

	_, ok = tr.Get([]byte("abcd"))
	assert.False(t, ok)
}

func TestPut_OverwriteExistingKey(t *testing.T) {
	tr := New()
	*tr.Put([]byte("key")) = "first"
	*tr.Put([]byte("key")) = "second"

	v, ok := tr.Get([]byte("key"))
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestSiblingsSortedByFirstByte(t *testing.T) {
	tr := New()
	*tr.Put([]byte("zebra")) = 1
	*tr.Put([]byte("apple")) = 2
	*tr.Put([]byte("mango")) = 3

	firstBytes := make([]byte, len(tr.root.children))
	for i, c := range tr.root.children {
		firstBytes[i] = c.label[0]
	}
	assert.True(t, sort.SliceIsSorted(firstBytes, func(i, j int) bool { return firstBytes[i] < firstBytes[j] }))
}

func TestPrefixChoose(t *testing.T) {
	tr := New()
	*tr.Put([]byte("com.example")) = "example"
	*tr.Put([]byte("com.example.mail")) = "mail"

	v, n, ok := tr.PrefixChoose([]byte("com.example.mail.inbox"), nil)
	require.True(t, ok)
	assert.Equal(t, "mail", v)
	assert.Equal(t, len("com.example.mail"), n)

	v, n, ok = tr.PrefixChoose([]byte("com.example.web"), nil)
	require.True(t, ok)
	assert.Equal(t, "example", v)
	assert.Equal(t, len("com.example"), n)

	_, _, ok = tr.PrefixChoose([]byte("org.other"), nil)
	assert.False(t, ok)
}

func TestPrefixChoose_WithChooser(t *testing.T) {
	tr := New()
	*tr.Put([]byte("a")) = 1
	*tr.Put([]byte("ab")) = 2

	v, _, ok := tr.PrefixChoose([]byte("ab"), func(value any) bool {
		return value.(int) < 2
	})
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWalk_PreOrder(t *testing.T) {
	tr := New()
	*tr.Put([]byte("a")) = 1
	*tr.Put([]byte("ab")) = 2
	*tr.Put([]byte("b")) = 3

	got := map[string]any{}
	tr.Walk(func(key []byte, value any) {
		got[string(key)] = value
	})

	assert.Equal(t, map[string]any{"a": 1, "ab": 2, "b": 3}, got)
}

func TestContainsSubtree(t *testing.T) {
	tr := New()
	*tr.Put([]byte("com.example.mail")) = 1

	assert.True(t, tr.ContainsSubtree([]byte("com")))
	assert.True(t, tr.ContainsSubtree([]byte("com.example")))
	assert.True(t, tr.ContainsSubtree([]byte("com.example.mail")))
	assert.False(t, tr.ContainsSubtree([]byte("com.example.web")))
	assert.False(t, tr.ContainsSubtree([]byte("org")))
}

func TestDelete_VisitsEveryValue(t *testing.T) {
	tr := New()
	*tr.Put([]byte("a")) = 1
	*tr.Put([]byte("ab")) = 2
	*tr.Put([]byte("b")) = 3

	var disposed []any
	tr.Delete(func(value any) {
		disposed = append(disposed, value)
	})

	assert.ElementsMatch(t, []any{1, 2, 3}, disposed)

	_, ok := tr.Get([]byte("a"))
	assert.False(t, ok, "tree must be empty after delete")
}
