package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

const memoPrefix = "ioproof|batch|"

// MemoFormat documents the memo layout for people verifying exports by hand.
const MemoFormat = "ioproof|batch|{batchId}|{merkleRoot}|{proofCount}|{timestamp}"

// Memo renders the on-chain memo for a batch.
func Memo(batchID, merkleRoot string, leafCount int, timestamp string) string {
	return fmt.Sprintf("%s%s|%s|%d|%s", memoPrefix, batchID, merkleRoot, leafCount, timestamp)
}

// MemoFields is a parsed memo.
type MemoFields struct {
	BatchID    string
	MerkleRoot string
	LeafCount  int
	Timestamp  string
}

// ParseMemo parses a memo produced by Memo. Some explorers show memos with a
// "[length] " prefix, which is ignored.
func ParseMemo(memo string) (*MemoFields, error) {
	if i := strings.Index(memo, memoPrefix); i > 0 {
		memo = memo[i:]
	}
	if !strings.HasPrefix(memo, memoPrefix) {
		return nil, fmt.Errorf("not an ioproof batch memo: %q", memo)
	}

	parts := strings.Split(strings.TrimPrefix(memo, memoPrefix), "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed batch memo: expected 4 fields, got %d", len(parts))
	}

	count, err := strconv.Atoi(parts[2])
	if err != nil || count < 0 {
		return nil, fmt.Errorf("malformed batch memo leaf count %q", parts[2])
	}

	return &MemoFields{
		BatchID:    parts[0],
		MerkleRoot: parts[1],
		LeafCount:  count,
		Timestamp:  parts[3],
	}, nil
}
