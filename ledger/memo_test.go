package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemo(t *testing.T) {
	root := strings.Repeat("ab", 32)
	memo := Memo("batch_m5k2x1_0a1b2c3d", root, 3, "2026-01-15T12:00:00.000Z")
	assert.Equal(t, "ioproof|batch|batch_m5k2x1_0a1b2c3d|"+root+"|3|2026-01-15T12:00:00.000Z", memo)

	fields, err := ParseMemo(memo)
	require.NoError(t, err)
	assert.Equal(t, &MemoFields{
		BatchID:    "batch_m5k2x1_0a1b2c3d",
		MerkleRoot: root,
		LeafCount:  3,
		Timestamp:  "2026-01-15T12:00:00.000Z",
	}, fields)

	fields, err = ParseMemo("[139] " + memo)
	require.NoError(t, err)
	assert.Equal(t, root, fields.MerkleRoot)
}

func TestParseMemoRejects(t *testing.T) {
	for _, memo := range []string{
		"",
		"hello world",
		"ioproof|batch|id|root|3",
		"ioproof|batch|id|root|x|ts",
		"ioproof|batch|id|root|-1|ts",
		"ioproof|proof|id|root|1|ts",
	} {
		_, err := ParseMemo(memo)
		assert.Error(t, err, memo)
	}
}
