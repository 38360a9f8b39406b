package prefblock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intLess(a, b any) int {
	x, y := a.(int), b.(int)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

func TestAddList_SortedInsertAndDuplicateRejected(t *testing.T) {
	b := NewBuilder(0)

	require.NoError(t, b.AddList(1, 100, 1, 30, intLess))
	require.NoError(t, b.AddList(1, 100, 1, 10, intLess))
	require.NoError(t, b.AddList(1, 100, 1, 20, intLess))

	err := b.AddList(1, 100, 1, 10, intLess)
	assert.Error(t, err)

	require.Len(t, b.lists, 1)
	assert.Equal(t, []any{10, 20, 30}, b.lists[0].elements)
}

func TestAddList_SeparateListsPerKey(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.AddList(1, 100, 1, 1, intLess))
	require.NoError(t, b.AddList(1, 100, 2, 1, intLess))
	require.NoError(t, b.AddList(2, 100, 1, 1, intLess))
	assert.Len(t, b.lists, 3)
}

func TestAttach_ResolvesInternalList(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.AddList(1, 100, 1, 42, intLess))

	bundleIdx := b.NewBundle()
	require.NoError(t, b.Attach(bundleIdx, 1, 100, []ElementType{1}, false))

	block, err := b.Consume()
	require.NoError(t, err)
	require.Len(t, block.Bundles[bundleIdx].Chains, 1)
	chain := block.Bundles[bundleIdx].Chains[0]
	assert.Equal(t, -1, chain.ExtRefIdx)
	require.Len(t, chain.ListRefIdx, 1)
	assert.Equal(t, 0, block.ListRefs[chain.ListRefIdx[0]].ListIdx)
}

func TestAttach_MultipleElementTypesChainTogether(t *testing.T) {
	b := NewBuilder(0)
	require.NoError(t, b.AddList(1, 100, 1, "a", func(x, y any) int {
		if x.(string) == y.(string) {
			return 0
		}
		return -1
	}))
	require.NoError(t, b.AddList(1, 100, 2, "b", func(x, y any) int {
		if x.(string) == y.(string) {
			return 0
		}
		return -1
	}))

	bundleIdx := b.NewBundle()
	require.NoError(t, b.Attach(bundleIdx, 1, 100, []ElementType{1, 2}, false))

	block, err := b.Consume()
	require.NoError(t, err)
	assert.Len(t, block.Bundles[bundleIdx].Chains[0].ListRefIdx, 2)
}

func TestAttach_MissLocalRecordsExternalRef(t *testing.T) {
	b := NewBuilder(0)
	bundleIdx := b.NewBundle()
	require.NoError(t, b.Attach(bundleIdx, 1, 999, []ElementType{1}, true))

	block, err := b.Consume()
	require.NoError(t, err)
	chain := block.Bundles[bundleIdx].Chains[0]
	require.GreaterOrEqual(t, chain.ExtRefIdx, 0)
	assert.Equal(t, int64(999), block.ExtListRefs[chain.ExtRefIdx].ListID)
}

func TestAttach_MissWithoutExternalAllowedFails(t *testing.T) {
	b := NewBuilder(0)
	bundleIdx := b.NewBundle()
	err := b.Attach(bundleIdx, 1, 999, []ElementType{1}, false)
	assert.Error(t, err)
}

func TestConsume_IdentityCountMismatchFails(t *testing.T) {
	b := NewBuilder(2)
	b.AddIdentity("only-one")
	_, err := b.Consume()
	assert.Error(t, err)
}

func TestConsume_TransfersOwnershipAndLeavesBuilderEmpty(t *testing.T) {
	b := NewBuilder(1)
	b.AddIdentity("org-a")
	require.NoError(t, b.AddList(1, 1, 1, 5, intLess))

	block, err := b.Consume()
	require.NoError(t, err)
	assert.Len(t, block.Identities, 1)
	assert.Len(t, block.Lists, 1)

	_, err = b.Consume()
	assert.Error(t, err, "a consumed builder must refuse a second Consume")
}
