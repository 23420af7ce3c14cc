package attestation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// TimestampFormat is the ISO-8601 UTC millisecond layout used in combined
// hashes and ledger memos.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

var hexDigestRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString hashes the UTF-8 bytes of s.
func HashString(s string) string {
	return Hash([]byte(s))
}

// CombinedHash binds a request, a response and a timestamp together:
// Hash(req + "|" + resp + "|" + ts).
func CombinedHash(request, response, timestamp string) string {
	return HashString(request + "|" + response + "|" + timestamp)
}

// BlindHash commits to combinedHash with secret. The result is the only value
// published on the ledger.
func BlindHash(combinedHash, secret string) string {
	return HashString(combinedHash + "|" + secret)
}

// GenerateSecret returns 32 bytes from crypto/rand as 64 hex characters.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// FormatTimestamp renders t in TimestampFormat after converting to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// IsHexDigest reports whether s is exactly 64 lowercase hex characters.
func IsHexDigest(s string) bool {
	return hexDigestRe.MatchString(s)
}
