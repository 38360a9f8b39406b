package domaintagging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvercore/confd/internal/confd/category"
)

func bitset(bits ...int) *category.Bitset {
	b := &category.Bitset{}
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestPutLookup_ExactDomain(t *testing.T) {
	tg := New()
	tg.Put("mail.example.com", bitset(3))

	var acc category.Bitset
	ok := tg.Lookup("mail.example.com", &acc)
	require.True(t, ok)
	assert.True(t, acc.Test(3))
}

func TestLookup_LongestPrefixWins(t *testing.T) {
	tg := New()
	tg.Put("example.com", bitset(1))
	tg.Put("mail.example.com", bitset(2))

	var acc category.Bitset
	ok := tg.Lookup("inbox.mail.example.com", &acc)
	require.True(t, ok)
	assert.True(t, acc.Test(2))
	assert.False(t, acc.Test(1), "longest match only, not every ancestor")
}

func TestLookup_FallsBackToShorterAncestor(t *testing.T) {
	tg := New()
	tg.Put("example.com", bitset(1))

	var acc category.Bitset
	ok := tg.Lookup("web.example.com", &acc)
	require.True(t, ok)
	assert.True(t, acc.Test(1))
}

func TestLookup_OutOfRangeDomainMisses(t *testing.T) {
	tg := New()
	tg.Put("example.com", bitset(1))

	var acc category.Bitset
	ok := tg.Lookup("zzz-unrelated.net", &acc)
	assert.False(t, ok)
}

func TestLookup_UnknownDomainWithNoStoredKeysMisses(t *testing.T) {
	tg := New()
	var acc category.Bitset
	ok := tg.Lookup("anything.com", &acc)
	assert.False(t, ok)
}

func TestPut_MergesOnRepeatedKey(t *testing.T) {
	tg := New()
	tg.Put("example.com", bitset(1))
	tg.Put("example.com", bitset(2))

	var acc category.Bitset
	ok := tg.Lookup("example.com", &acc)
	require.True(t, ok)
	assert.True(t, acc.Test(1))
	assert.True(t, acc.Test(2))
}

func TestPut_LargeBitsetUsesOffsetPool(t *testing.T) {
	tg := New()
	big := bitset(0, 10, 20, 30, 40, 50, 60, 70, 80)
	tg.Put("heavy.example.com", big)

	assert.Len(t, tg.pool, 1)

	var acc category.Bitset
	ok := tg.Lookup("heavy.example.com", &acc)
	require.True(t, ok)
	for _, i := range []int{0, 10, 20, 30, 40, 50, 60, 70, 80} {
		assert.True(t, acc.Test(i))
	}
}

func TestPut_SmallBitsetPacksInline(t *testing.T) {
	tg := New()
	tg.Put("small.example.com", bitset(5))
	assert.Len(t, tg.pool, 0)
}

func TestLookup_SiblingDomainWithSharedTextPrefixDoesNotMatch(t *testing.T) {
	tg := New()
	tg.Put("ex.com", bitset(1))

	var acc category.Bitset
	ok := tg.Lookup("exx.com", &acc)
	assert.False(t, ok, "exx.com is not a subdomain of ex.com even though the reversed names share a 6-byte text prefix")
	assert.False(t, acc.Test(1))
}

func TestLookup_SiblingLabelWithSharedTextPrefixDoesNotMatch(t *testing.T) {
	tg := New()
	tg.Put("a.example.com", bitset(1))

	var acc category.Bitset
	ok := tg.Lookup("aa.example.com", &acc)
	assert.False(t, ok, "aa.example.com is a sibling of a.example.com, not a descendant")
	assert.False(t, acc.Test(1))
}
