// Package prefblock implements PrefBuilder, the incremental
// "alloc then add" constructor for a frozen PrefBlock, and the
// bundle-to-list reference resolution (attach) that ties a bundle to
// the lists it enforces.
package prefblock

import "fmt"

// ListType discriminates the kind of list a bundle slot refers to.
type ListType int

// ElementType discriminates what a list's elements encode.
type ElementType int

// Comparator orders two elements of the same list for canonical
// insertion; it returns <0, 0, >0 like bytes.Compare.
type Comparator func(a, b any) int

// List is one sorted array of elements of a single (ListType,
// ElementType) pair.
type List struct {
	Type     ListType
	Elem     ElementType
	ListID   int64
	elements []any
	less     Comparator
}

// ListRef is an internal reference: a bundle slot resolved to a list
// that lives in this same PrefBlock.
type ListRef struct {
	ListIdx int
}

// ExtListRef is an external reference: a bundle slot whose
// (ltype, listid) was not found locally and external refs are
// permitted for that slot.
type ExtListRef struct {
	Type   ListType
	ListID int64
}

// Chain is one bundle slot's resolved sublist: either a sequence of
// internal list references (one per element type that had a local
// match, in request order) or a single external reference when
// nothing resolved locally.
type Chain struct {
	ListRefIdx []int // indices into Block.ListRefs; empty when ExtRefIdx >= 0
	ExtRefIdx  int   // index into Block.ExtListRefs, or -1 if resolved internally
}

// Bundle groups the chains a single settinggroup slot resolved to, one per Attach call.
type Bundle struct {
	Chains []Chain
}

// SettingGroup is one named collection of bundles.
type SettingGroup struct {
	Name    string
	Bundles []int // indices into Bundles
}

// Org is one per-organization identity slot.
type Org struct {
	ID int64
}

// Identity is a preallocated identity-table row.
type Identity struct {
	Name string
}

// Block is the frozen output of a PrefBuilder: sorted list arrays
// plus the identity table, ready for lookups and immutable once
// consumed.
type Block struct {
	Lists         []*List
	ListRefs      []ListRef
	ExtListRefs   []ExtListRef
	Bundles       []Bundle
	SettingGroups []SettingGroup
	Orgs          []Org
	Identities    []Identity
}

// Builder incrementally constructs a Block.
type Builder struct {
	lists          []*List
	listIndex      map[listKey]int
	listRefs       []ListRef
	extListRefs    []ExtListRef
	bundles        []Bundle
	settingGroups  []SettingGroup
	orgs           []Org
	identities     []Identity
	identityWanted int
	consumed       bool
}

type listKey struct {
	t  ListType
	id int64
	e  ElementType
}

// NewBuilder returns an empty Builder. identityCount preallocates the
// identity table; Consume fails if fewer or more identities than this
// were ultimately added.
func NewBuilder(identityCount int) *Builder {
	return &Builder{
		listIndex:      map[listKey]int{},
		identityWanted: identityCount,
	}
}

// AddList inserts elem into the sorted array for (t, listID, e),
// creating the list on first use. Duplicates (per less) are rejected.
func (b *Builder) AddList(t ListType, listID int64, e ElementType, elem any, less Comparator) error {
	key := listKey{t: t, id: listID, e: e}
	idx, ok := b.listIndex[key]
	if !ok {
		b.lists = append(b.lists, &List{Type: t, Elem: e, ListID: listID, less: less})
		idx = len(b.lists) - 1
		b.listIndex[key] = idx
	}

	list := b.lists[idx]
	pos, dup := searchInsert(list.elements, elem, list.less)
	if dup {
		return fmt.Errorf("prefblock: duplicate element in list (type=%d id=%d elemtype=%d)", t, listID, e)
	}
	list.elements = append(list.elements, nil)
	copy(list.elements[pos+1:], list.elements[pos:])
	list.elements[pos] = elem
	return nil
}

// searchInsert finds elem's sorted insertion point in elements,
// reporting true if an equal element is already present.
func searchInsert(elements []any, elem any, less Comparator) (int, bool) {
	lo, hi := 0, len(elements)
	for lo < hi {
		mid := (lo + hi) / 2
		switch c := less(elements[mid], elem); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// AddIdentity appends one identity row.
func (b *Builder) AddIdentity(name string) int {
	b.identities = append(b.identities, Identity{Name: name})
	return len(b.identities) - 1
}

// AddOrg appends one org row.
func (b *Builder) AddOrg(id int64) int {
	b.orgs = append(b.orgs, Org{ID: id})
	return len(b.orgs) - 1
}

// AddSettingGroup appends a named setting group and returns its index.
func (b *Builder) AddSettingGroup(name string) int {
	b.settingGroups = append(b.settingGroups, SettingGroup{Name: name})
	return len(b.settingGroups) - 1
}

// Attach resolves a bundle slot's (ltype, listid) against lists
// already added for each of acceptedElementTypes, in order, appending
// a chained reference for every hit. If none of acceptedElementTypes
// resolves locally:
//   - when allowExternal is true, the slot is recorded as a single
//     ExtListRef and attach succeeds;
//   - otherwise (e.g. an EXCEPT slot, or external refs forbidden)
//     attach fails.
func (b *Builder) Attach(bundleIdx int, ltype ListType, listID int64, acceptedElementTypes []ElementType, allowExternal bool) error {
	if bundleIdx < 0 || bundleIdx >= len(b.bundles) {
		return fmt.Errorf("prefblock: attach to unknown bundle %d", bundleIdx)
	}

	var refs []int
	for _, et := range acceptedElementTypes {
		key := listKey{t: ltype, id: listID, e: et}
		if idx, ok := b.listIndex[key]; ok {
			b.listRefs = append(b.listRefs, ListRef{ListIdx: idx})
			refs = append(refs, len(b.listRefs)-1)
		}
	}

	chain := Chain{ExtRefIdx: -1}
	if len(refs) == 0 {
		if !allowExternal {
			return fmt.Errorf("prefblock: no local list for (type=%d id=%d) and external refs are forbidden here", ltype, listID)
		}
		b.extListRefs = append(b.extListRefs, ExtListRef{Type: ltype, ListID: listID})
		chain.ExtRefIdx = len(b.extListRefs) - 1
	} else {
		chain.ListRefIdx = refs
	}

	b.bundles[bundleIdx].Chains = append(b.bundles[bundleIdx].Chains, chain)
	return nil
}

// NewBundle appends an empty bundle slot and returns its index, for
// use with Attach.
func (b *Builder) NewBundle() int {
	b.bundles = append(b.bundles, Bundle{})
	return len(b.bundles) - 1
}

// Consume extracts the finished Block and transfers ownership out of
// the Builder, which is left empty and safe to discard. It fails if
// the identity table was not populated to exactly the preallocated count.
func (b *Builder) Consume() (*Block, error) {
	if b.consumed {
		return nil, fmt.Errorf("prefblock: builder already consumed")
	}
	if len(b.identities) != b.identityWanted {
		return nil, fmt.Errorf("prefblock: identity count mismatch: want %d, got %d", b.identityWanted, len(b.identities))
	}

	block := &Block{
		Lists:         b.lists,
		ListRefs:      b.listRefs,
		ExtListRefs:   b.extListRefs,
		Bundles:       b.bundles,
		SettingGroups: b.settingGroups,
		Orgs:          b.orgs,
		Identities:    b.identities,
	}

	b.consumed = true
	b.lists, b.listRefs, b.extListRefs, b.bundles, b.settingGroups, b.orgs, b.identities = nil, nil, nil, nil, nil, nil, nil
	b.listIndex = nil

	return block, nil
}
