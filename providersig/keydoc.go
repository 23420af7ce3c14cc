package providersig

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// KeyEntry is one published key.
type KeyEntry struct {
	KID       string `json:"kid"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"public_key"`
}

// KeyDocument is the body of {baseURL}/.well-known/ioproof.json.
type KeyDocument struct {
	Version string     `json:"version"`
	Keys    []KeyEntry `json:"keys"`
}

// Find returns the entry with the given key id.
func (d *KeyDocument) Find(keyID string) (KeyEntry, bool) {
	for _, k := range d.Keys {
		if k.KID == keyID {
			return k, true
		}
	}
	return KeyEntry{}, false
}

// WellKnownJSON renders a key document for the given keys. Empty algorithms
// are filled in as ed25519.
func WellKnownJSON(keys []KeyEntry) ([]byte, error) {
	doc := KeyDocument{
		Version: "1.0",
		Keys:    make([]KeyEntry, len(keys)),
	}
	for i, k := range keys {
		if k.Algorithm == "" {
			k.Algorithm = Algorithm
		}
		doc.Keys[i] = k
	}
	return json.Marshal(doc)
}

// ParsePublicKey decodes a hex raw Ed25519 public key.
func ParsePublicKey(publicKeyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func (k KeyEntry) usable() bool {
	return k.Algorithm == "" || strings.EqualFold(k.Algorithm, Algorithm)
}
