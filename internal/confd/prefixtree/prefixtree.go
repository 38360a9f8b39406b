// Package prefixtree implements a compressed byte-labeled trie used
// by several preference kinds to index reversed DNS names and other
// application-chosen byte strings.
package prefixtree

import "sort"

// node is one edge-compressed trie node. children is kept sorted by
// the first byte of each child's label.
type node struct {
	label    []byte
	value    any
	children []*node
}

// Tree is a compressed byte-trie.
type Tree struct {
	root *node
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{root: &node{}}
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// childIndex returns the index of n's child whose label starts with
// firstByte, or (-1, insertion index) if absent. The search relies on
// children being sorted by label[0].
func childIndex(n *node, firstByte byte) (int, int) {
	i := sort.Search(len(n.children), func(i int) bool {
		return n.children[i].label[0] >= firstByte
	})
	if i < len(n.children) && n.children[i].label[0] == firstByte {
		return i, i
	}
	return -1, i
}

// Put returns a pointer-to-value slot for key, splitting an existing
// edge along the longest common prefix as needed. Writing through the
// returned pointer sets the value stored at key.
func (t *Tree) Put(key []byte) *any {
	cur := t.root
	remaining := key

	for {
		if len(remaining) == 0 {
			return &cur.value
		}

		idx, insertAt := childIndex(cur, remaining[0])
		if idx < 0 {
			child := &node{label: append([]byte(nil), remaining...)}
			cur.children = append(cur.children, nil)
			copy(cur.children[insertAt+1:], cur.children[insertAt:])
			cur.children[insertAt] = child
			return &child.value
		}

		child := cur.children[idx]
		cpl := commonPrefixLen(child.label, remaining)

		switch {
		case cpl == len(child.label):
			// full edge matched, descend
			cur = child
			remaining = remaining[cpl:]

		default:
			// split the edge at cpl
			mid := &node{
				label:    append([]byte(nil), child.label[:cpl]...),
				children: []*node{child},
			}
			child.label = child.label[cpl:]
			cur.children[idx] = mid
			cur = mid
			remaining = remaining[cpl:]
		}
	}
}

// Get performs an exact-key lookup.
func (t *Tree) Get(key []byte) (any, bool) {
	cur := t.root
	remaining := key

	for len(remaining) > 0 {
		idx, _ := childIndex(cur, remaining[0])
		if idx < 0 {
			return nil, false
		}
		child := cur.children[idx]
		cpl := commonPrefixLen(child.label, remaining)
		if cpl != len(child.label) {
			return nil, false
		}
		cur = child
		remaining = remaining[cpl:]
	}
	return cur.value, cur.value != nil
}

// Chooser decides whether a candidate value at a prefix boundary is
// acceptable. PrefixChoose stops descending past the deepest node
// whose value passes it.
type Chooser func(value any) bool

// PrefixChoose walks as far as key allows, returning the value of the
// deepest node whose value passes chooser (or is merely non-nil, if
// chooser is nil), along with the matched prefix length.
func (t *Tree) PrefixChoose(key []byte, chooser Chooser) (any, int, bool) {
	cur := t.root
	remaining := key
	matchedLen := 0

	var bestValue any
	bestLen := 0
	found := false

	if accept(cur.value, chooser) {
		bestValue, bestLen, found = cur.value, 0, true
	}

	for len(remaining) > 0 {
		idx, _ := childIndex(cur, remaining[0])
		if idx < 0 {
			break
		}
		child := cur.children[idx]
		cpl := commonPrefixLen(child.label, remaining)
		if cpl != len(child.label) {
			break
		}
		cur = child
		remaining = remaining[cpl:]
		matchedLen += cpl

		if accept(cur.value, chooser) {
			bestValue, bestLen, found = cur.value, matchedLen, true
		}
	}

	return bestValue, bestLen, found
}

func accept(value any, chooser Chooser) bool {
	if value == nil {
		return false
	}
	if chooser == nil {
		return true
	}
	return chooser(value)
}

// WalkFunc is invoked for every stored value during a Walk, with the
// full reconstructed key.
type WalkFunc func(key []byte, value any)

// Walk performs a pre-order traversal, invoking cb for every node
// with a non-nil value.
func (t *Tree) Walk(cb WalkFunc) {
	var buf []byte
	var rec func(n *node)
	rec = func(n *node) {
		if n.value != nil {
			cb(append([]byte(nil), buf...), n.value)
		}
		for _, c := range n.children {
			buf = append(buf, c.label...)
			rec(c)
			buf = buf[:len(buf)-len(c.label)]
		}
	}
	rec(t.root)
}

// ContainsSubtree reports whether any stored key starts with prefix.
func (t *Tree) ContainsSubtree(prefix []byte) bool {
	cur := t.root
	remaining := prefix

	for len(remaining) > 0 {
		idx, _ := childIndex(cur, remaining[0])
		if idx < 0 {
			return false
		}
		child := cur.children[idx]
		cpl := commonPrefixLen(child.label, remaining)
		if cpl < len(remaining) && cpl == len(child.label) {
			cur = child
			remaining = remaining[cpl:]
			continue
		}
		// remaining fits within or exactly matches this edge
		return cpl == len(remaining)
	}
	return true
}

// DeleteFunc is invoked for every disposed value during Delete.
type DeleteFunc func(value any)

// Delete disposes of the whole tree, post-order, invoking cb (if
// non-nil) for every stored value.
func (t *Tree) Delete(cb DeleteFunc) {
	var rec func(n *node)
	rec = func(n *node) {
		for _, c := range n.children {
			rec(c)
		}
		if cb != nil && n.value != nil {
			cb(n.value)
		}
	}
	rec(t.root)
	t.root = &node{}
}
