// Package domaintagging maps domain names to category bitsets using a
// PrefixTree keyed by the reversed DNS wire-format name. Small bitsets
// that pack into a machine word are stored inline in the tree
// (category.Pack's tagged representation); larger bitsets live in a
// contiguous value pool addressed by an offset, so the pool can grow
// without invalidating tree values.
package domaintagging

import (
	"bytes"
	"strings"

	"github.com/resolvercore/confd/internal/confd/category"
	"github.com/resolvercore/confd/internal/confd/prefixtree"
)

// Tagger holds the reversed-name trie and the overflow value pool.
type Tagger struct {
	tree *prefixtree.Tree
	pool []category.Bitset

	first []byte
	last  []byte
}

// New returns an empty Tagger.
func New() *Tagger {
	return &Tagger{tree: prefixtree.New()}
}

// reverseLabels turns "mail.example.com" into the reversed DNS
// wire-format key: each label keeps its own length-prefix byte, but
// the labels appear in reverse order ("com", "example", "mail"). This
// is not dot-joined text: a "." byte would let one domain's key
// become an accidental string prefix of an unrelated sibling's key
// (e.g. "ex.com" vs "exx.com"). Length-prefixing each label makes the
// byte boundaries line up with label boundaries, so PrefixChoose's
// longest-prefix match can only ever match at a real label boundary
// or partway through the single label currently being compared, never
// across one.
func reverseLabels(domain string) []byte {
	labels := strings.Split(domain, ".")
	var key []byte
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		if len(label) > 255 {
			label = label[:255]
		}
		key = append(key, byte(len(label)))
		key = append(key, label...)
	}
	return key
}

// Put stores cat for domain, merging with whatever bitset domain
// already held.
func (t *Tagger) Put(domain string, cat *category.Bitset) {
	key := reverseLabels(domain)
	t.updateRange(key)

	slot := t.tree.Put(key)
	if existing, ok := t.decode(*slot); ok {
		existing.Union(cat)
		cat = existing
	}
	*slot = t.encode(cat)
}

func (t *Tagger) updateRange(key []byte) {
	if t.first == nil || bytes.Compare(key, t.first) < 0 {
		t.first = append([]byte(nil), key...)
	}
	if t.last == nil || bytes.Compare(key, t.last) > 0 {
		t.last = append([]byte(nil), key...)
	}
}

// encode packs cat inline when possible, otherwise appends it to the
// value pool and stores an offset pointer.
func (t *Tagger) encode(cat *category.Bitset) any {
	if packed, ok := category.Pack(cat); ok {
		return packed
	}
	t.pool = append(t.pool, *cat)
	return offsetPtr((len(t.pool) - 1))
}

// offsetPtr is the pool-index encoding, stored as the plain index. The
// distinct type is what keeps it unambiguous against a packed inline
// value sharing the same any-typed tree slot (the packed form is a
// uint64, the offset form is this type).
type offsetPtr int

func (t *Tagger) decode(v any) (*category.Bitset, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case uint64:
		return category.Unpack(val)
	case offsetPtr:
		if int(val) < 0 || int(val) >= len(t.pool) {
			return nil, false
		}
		return &t.pool[val], true
	default:
		return nil, false
	}
}

// Lookup performs a longest-reversed-prefix match for domain and
// unions the matched bitset into acc. It reports whether any match
// was found. The first/last pre-filter short-circuits queries whose
// reversed key cannot possibly share a stored prefix.
func (t *Tagger) Lookup(domain string, acc *category.Bitset) bool {
	key := reverseLabels(domain)
	if t.first == nil {
		return false
	}
	if bytes.Compare(key, t.first) < 0 && !bytes.HasPrefix(t.first, key) {
		return false
	}
	if len(t.last) > 0 && bytes.Compare(key, t.last) > 0 && key[0] > t.last[0] {
		return false
	}

	value, _, ok := t.tree.PrefixChoose(key, func(value any) bool {
		_, decodable := t.decode(value)
		return decodable
	})
	if !ok {
		return false
	}

	bits, decodeOK := t.decode(value)
	if !decodeOK {
		return false
	}
	acc.Union(bits)
	return true
}
