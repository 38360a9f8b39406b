package ccb

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleFile(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 1",
		"Alcohol:1:domaintagging:0",
	}
	f, err := Parse(lines)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Version)
	require.Len(t, f.Records, 1)
	assert.Equal(t, Record{Keyword: "Alcohol", Bit: 1, Handling: "domaintagging", Masked: false}, f.Records[0])
}

func TestParse_RejectsDuplicateBit(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 2",
		"Alcohol:1:domaintagging:0",
		"Gambling:1:domaintagging:0",
	}
	_, err := Parse(lines)
	assert.Error(t, err)
}

func TestParse_RejectsOutOfOrderBit(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 2",
		"Gambling:5:domaintagging:0",
		"Alcohol:1:domaintagging:0",
	}
	_, err := Parse(lines)
	assert.Error(t, err)
}

func TestParse_RejectsCountMismatch(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 2",
		"Alcohol:1:domaintagging:0",
	}
	_, err := Parse(lines)
	assert.Error(t, err)
}

// ScenarioA from the testable-properties end-to-end scenarios: a CCB
// file containing only bit 1 must fail baseline validation because
// none of the required bits (64-74, 85, 108, 110, 148, 151, 152) are
// present.
func TestValidate_ScenarioA_MissingBaselineFails(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 1",
		"Alcohol:1:domaintagging:0",
	}
	f, err := Parse(lines)
	require.NoError(t, err)

	err = Validate(f, BaselineBits(), BaselineHandling)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "category bit 64 must have handling domaintagging")
}

func TestValidate_FullBaselinePasses(t *testing.T) {
	bits := BaselineBits()
	lines := []string{"ccb 2", "count " + strconv.Itoa(len(bits))}
	for _, b := range bits {
		lines = append(lines, "K"+strconv.Itoa(b)+":"+strconv.Itoa(b)+":domaintagging:0")
	}

	f, err := Parse(lines)
	require.NoError(t, err)

	err = Validate(f, BaselineBits(), BaselineHandling)
	assert.NoError(t, err)
}

func TestValidate_WrongHandlingFails(t *testing.T) {
	lines := []string{
		"ccb 2",
		"count 1",
		"Something:64:block:0",
	}
	f, err := Parse(lines)
	require.NoError(t, err)

	err = Validate(f, []int{64}, BaselineHandling)
	assert.Error(t, err)
}

func TestBaselineBits_CoversDocumentedRanges(t *testing.T) {
	bits := BaselineBits()
	assert.Contains(t, bits, 64)
	assert.Contains(t, bits, 74)
	assert.Contains(t, bits, 85)
	assert.Contains(t, bits, 108)
	assert.Contains(t, bits, 110)
	assert.Contains(t, bits, 148)
	assert.Contains(t, bits, 151)
	assert.Contains(t, bits, 152)
	assert.NotContains(t, bits, 75)
}

