package attestation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Hash(nil))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashString("abc"))

	assert.Equal(t, vectorRequestHash, HashString(vectorRequestBody))
	assert.Equal(t, vectorResponseHash, HashString(vectorResponseBody))
}

func TestCombinedAndBlindHash(t *testing.T) {
	combined := CombinedHash(vectorRequestHash, vectorResponseHash, vectorTimestamp)
	assert.Equal(t, HashString(vectorRequestHash+"|"+vectorResponseHash+"|"+vectorTimestamp), combined)
	assert.True(t, IsHexDigest(combined))

	// Any change in the inputs changes the commitment.
	assert.NotEqual(t, combined, CombinedHash(vectorRequestHash, vectorResponseHash, "2026-01-15T12:00:00.001Z"))
	assert.NotEqual(t, combined, CombinedHash(vectorResponseHash, vectorRequestHash, vectorTimestamp))

	secret := strings.Repeat("ab", 32)
	blinded := BlindHash(combined, secret)
	assert.Equal(t, HashString(combined+"|"+secret), blinded)
	assert.Equal(t, blinded, BlindHash(combined, secret))
	assert.NotEqual(t, blinded, BlindHash(combined, strings.Repeat("ac", 32)))
	assert.NotEqual(t, combined, blinded)
}

func TestGenerateSecret(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		secret, err := GenerateSecret()
		require.NoError(t, err)
		require.True(t, IsHexDigest(secret), secret)
		require.False(t, seen[secret])
		seen[secret] = true
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 15, 13, 0, 0, 123456789, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-01-15T12:00:00.123Z", FormatTimestamp(ts))
	assert.Equal(t, vectorTimestamp, FormatTimestamp(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)))
}

func TestIsHexDigest(t *testing.T) {
	assert.True(t, IsHexDigest(vectorRequestHash))
	assert.False(t, IsHexDigest(""))
	assert.False(t, IsHexDigest(strings.ToUpper(vectorRequestHash)))
	assert.False(t, IsHexDigest(vectorRequestHash+"0"))
	assert.False(t, IsHexDigest(vectorRequestHash[:63]))
	assert.False(t, IsHexDigest(strings.Repeat("g", 64)))
	assert.False(t, IsHexDigest("0x"+vectorRequestHash[:62]))
}
