package providersig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// KeyPair holds an Ed25519 key pair as hex raw keys.
type KeyPair struct {
	PublicKey  string // 32-byte public key
	PrivateKey string // 32-byte seed
	KeyID      string // suggested id, YYYY-MM
}

// SignResult is the output of a signing operation.
type SignResult struct {
	Signature    string
	Timestamp    string
	KeyID        string
	RequestHash  string
	ResponseHash string
	Message      string
}

// SignFunc signs a request/response pair.
type SignFunc func(requestBody, responseBody []byte) (*SignResult, error)

// GenerateKeyPair creates a new key pair with a key id derived from now.
func GenerateKeyPair(now time.Time) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	now = now.UTC()
	return &KeyPair{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv.Seed()),
		KeyID:      fmt.Sprintf("%d-%02d", now.Year(), now.Month()),
	}, nil
}

func parseSeed(privateKeyHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// NewSigner returns a SignFunc that stamps each signature with now().
func NewSigner(privateKeyHex, keyID string, now func() time.Time) (SignFunc, error) {
	priv, err := parseSeed(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}

	return func(requestBody, responseBody []byte) (*SignResult, error) {
		return sign(priv, keyID, requestBody, responseBody, now().UTC().Format(timestampFormat)), nil
	}, nil
}

// SignWithTimestamp signs with an explicit timestamp.
func SignWithTimestamp(privateKeyHex, keyID string, requestBody, responseBody []byte, timestamp string) (*SignResult, error) {
	priv, err := parseSeed(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return sign(priv, keyID, requestBody, responseBody, timestamp), nil
}

func sign(priv ed25519.PrivateKey, keyID string, requestBody, responseBody []byte, timestamp string) *SignResult {
	reqHash := sha256Hex(requestBody)
	respHash := sha256Hex(responseBody)
	message := Message(reqHash, respHash, timestamp)

	return &SignResult{
		Signature:    base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message))),
		Timestamp:    timestamp,
		KeyID:        keyID,
		RequestHash:  reqHash,
		ResponseHash: respHash,
		Message:      message,
	}
}

// VerifySignature checks a base64 signature of message with a hex public key.
func VerifySignature(publicKeyHex, message, signatureB64 string) bool {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(message), sig)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
