package providersig

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignWithTimestampMatchesVector(t *testing.T) {
	res, err := SignWithTimestamp(vector.PrivateKey, vector.KeyID, []byte(vector.RequestBody), []byte(vector.ResponseBody), vector.Timestamp)
	require.NoError(t, err)

	assert.Equal(t, vector.RequestHash, res.RequestHash)
	assert.Equal(t, vector.ResponseHash, res.ResponseHash)
	assert.Equal(t, vector.Message, res.Message)
	assert.Equal(t, vector.Signature, res.Signature)
	assert.Equal(t, vector.KeyID, res.KeyID)

	assert.True(t, VerifySignature(vector.PublicKey, vector.Message, vector.Signature))
}

func TestVerifySignatureRejects(t *testing.T) {
	assert.False(t, VerifySignature(vector.PublicKey, vector.Message+"x", vector.Signature))
	assert.False(t, VerifySignature("zz", vector.Message, vector.Signature))
	assert.False(t, VerifySignature(vector.PublicKey, vector.Message, "not base64!"))
	assert.False(t, VerifySignature(vector.PublicKey[:62], vector.Message, vector.Signature))
}

func TestGenerateKeyPair(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	kp, err := GenerateKeyPair(now)
	require.NoError(t, err)

	assert.Len(t, kp.PublicKey, 64)
	assert.Len(t, kp.PrivateKey, 64)
	assert.Equal(t, "2026-03", kp.KeyID)
	_, err = hex.DecodeString(kp.PublicKey)
	require.NoError(t, err)

	res, err := SignWithTimestamp(kp.PrivateKey, kp.KeyID, []byte("a"), []byte("b"), "2026-03-09T10:00:00.000Z")
	require.NoError(t, err)
	assert.True(t, VerifySignature(kp.PublicKey, res.Message, res.Signature))

	other, err := GenerateKeyPair(now)
	require.NoError(t, err)
	assert.NotEqual(t, kp.PublicKey, other.PublicKey)
}

func TestNewSignerUsesClock(t *testing.T) {
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	sign, err := NewSigner(vector.PrivateKey, vector.KeyID, func() time.Time { return fixed })
	require.NoError(t, err)

	res, err := sign([]byte(vector.RequestBody), []byte(vector.ResponseBody))
	require.NoError(t, err)
	assert.Equal(t, vector.Timestamp, res.Timestamp)
	assert.Equal(t, vector.Signature, res.Signature)
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("abcd", "k", nil)
	assert.Error(t, err)
	_, err = NewSigner("not-hex", "k", nil)
	assert.Error(t, err)
}

func TestWellKnownJSON(t *testing.T) {
	raw, err := WellKnownJSON([]KeyEntry{{KID: vector.KeyID, PublicKey: vector.PublicKey}})
	require.NoError(t, err)

	var doc KeyDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "1.0", doc.Version)
	require.Len(t, doc.Keys, 1)
	assert.Equal(t, Algorithm, doc.Keys[0].Algorithm)

	entry, ok := doc.Find(vector.KeyID)
	require.True(t, ok)
	assert.Equal(t, vector.PublicKey, entry.PublicKey)
}

func TestMiddlewareSignsResponse(t *testing.T) {
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	sign, err := NewSigner(vector.PrivateKey, vector.KeyID, func() time.Time { return fixed })
	require.NoError(t, err)

	var seenBody string
	handler := Middleware(sign, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(vector.ResponseBody))
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(vector.RequestBody))
	handler.ServeHTTP(rr, req)

	assert.Equal(t, vector.RequestBody, seenBody)
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, vector.ResponseBody, rr.Body.String())
	assert.Equal(t, vector.Signature, rr.Header().Get(HeaderSignature))
	assert.Equal(t, vector.Timestamp, rr.Header().Get(HeaderTimestamp))
	assert.Equal(t, vector.KeyID, rr.Header().Get(HeaderKeyID))
}

func TestMiddlewareOmitsHeadersOnSignError(t *testing.T) {
	failing := func(_, _ []byte) (*SignResult, error) { return nil, assert.AnError }
	handler := Middleware(failing, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.Empty(t, rr.Header().Get(HeaderSignature))
}

func TestParseDirectory(t *testing.T) {
	dir, err := ParseDirectory([]string{"openai=https://api.openai.com/", " acme = http://localhost:9000"})
	require.NoError(t, err)

	base, ok := dir.BaseURL("openai")
	assert.True(t, ok)
	assert.Equal(t, "https://api.openai.com", base)

	base, ok = dir.BaseURL("acme")
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:9000", base)

	_, ok = dir.BaseURL("unknown")
	assert.False(t, ok)

	for _, bad := range []string{"noequals", "=https://x", "x=", "x=ftp://host", "x=https://"} {
		_, err := ParseDirectory([]string{bad})
		assert.Error(t, err, bad)
	}
}
