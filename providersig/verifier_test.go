package providersig

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newKeyServer(t *testing.T, status int, keys []KeyEntry) *keyServer {
	ks := &keyServer{}
	doc, err := WellKnownJSON(keys)
	require.NoError(t, err)

	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.hits.Add(1)
		if r.URL.Path != WellKnownPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write(doc)
		}
	}))
	t.Cleanup(ks.Close)
	return ks
}

func newTestVerifier(t *testing.T, dir ProviderDirectory, clk clock.Clock) *Verifier {
	v, err := NewVerifier(VerifierConfig{
		Directory:       dir,
		Clock:           clk,
		Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})
	require.NoError(t, err)
	return v
}

func TestVerifyWithFetchedKey(t *testing.T) {
	ks := newKeyServer(t, http.StatusOK, []KeyEntry{{KID: vector.KeyID, PublicKey: vector.PublicKey}})
	v := newTestVerifier(t, StaticDirectory{"acme": ks.URL}, nil)

	res := v.Verify(context.Background(), vector.RequestHash, vector.ResponseHash, vector.Signature, vector.Timestamp, vector.KeyID, "acme")
	assert.Equal(t, OutcomeVerified, res.Outcome)
	assert.True(t, res.Verified)
	assert.Equal(t, vector.KeyID, res.KeyID)
	assert.Equal(t, vector.Timestamp, res.SignatureTimestamp)

	stored := res.JSON()
	require.NotNil(t, stored)
	assert.True(t, stored.Verified)
	assert.Empty(t, stored.Error)
}

func TestVerifyInvalidSignature(t *testing.T) {
	v := newTestVerifier(t, nil, nil)
	require.NoError(t, v.RegisterKey("acme", vector.KeyID, vector.PublicKey))

	res := v.Verify(context.Background(), vector.RequestHash, vector.ResponseHash, vector.Signature, "2026-01-15T12:00:00.001Z", vector.KeyID, "acme")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.False(t, res.Verified)
	assert.Empty(t, res.Error)
	require.NotNil(t, res.JSON())
	assert.False(t, res.JSON().Verified)

	res = v.Verify(context.Background(), vector.RequestHash, vector.ResponseHash, "%%%", vector.Timestamp, vector.KeyID, "acme")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.NotEmpty(t, res.Error)
}

func TestVerifyUnverifiableWithoutKey(t *testing.T) {
	ks := newKeyServer(t, http.StatusOK, []KeyEntry{{KID: "other", PublicKey: vector.PublicKey}})
	v := newTestVerifier(t, StaticDirectory{"acme": ks.URL}, nil)

	for _, provider := range []string{"acme", "unknown"} {
		res := v.Verify(context.Background(), vector.RequestHash, vector.ResponseHash, vector.Signature, vector.Timestamp, vector.KeyID, provider)
		assert.Equal(t, OutcomeUnverifiable, res.Outcome, provider)
		assert.Nil(t, res.JSON(), provider)
	}
}

func TestFetchPublicKeyCachesUntilExpiry(t *testing.T) {
	ks := newKeyServer(t, http.StatusOK, []KeyEntry{{KID: vector.KeyID, PublicKey: vector.PublicKey}})
	clk := clock.NewMock()
	v := newTestVerifier(t, StaticDirectory{"acme": ks.URL}, clk)
	ctx := context.Background()

	require.NotNil(t, v.FetchPublicKey(ctx, "acme", vector.KeyID))
	require.NotNil(t, v.FetchPublicKey(ctx, "acme", vector.KeyID))
	assert.EqualValues(t, 1, ks.hits.Load())

	clk.Add(59 * time.Minute)
	require.NotNil(t, v.FetchPublicKey(ctx, "acme", vector.KeyID))
	assert.EqualValues(t, 1, ks.hits.Load())

	clk.Add(time.Minute)
	require.NotNil(t, v.FetchPublicKey(ctx, "acme", vector.KeyID))
	assert.EqualValues(t, 2, ks.hits.Load())
}

func TestCachesAreOwnedPerVerifier(t *testing.T) {
	a := newTestVerifier(t, nil, nil)
	b := newTestVerifier(t, nil, nil)
	require.NoError(t, a.RegisterKey("acme", vector.KeyID, vector.PublicKey))

	assert.NotNil(t, a.FetchPublicKey(context.Background(), "acme", vector.KeyID))
	assert.Nil(t, b.FetchPublicKey(context.Background(), "acme", vector.KeyID))
}

func TestRegisterKeyRejectsMalformed(t *testing.T) {
	v := newTestVerifier(t, nil, nil)
	assert.Error(t, v.RegisterKey("acme", "k", "1234"))
	assert.Error(t, v.RegisterKey("acme", "k", "xyz"))
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	ks := newKeyServer(t, http.StatusInternalServerError, nil)
	v := newTestVerifier(t, StaticDirectory{"acme": ks.URL}, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		assert.Nil(t, v.FetchPublicKey(ctx, "acme", vector.KeyID))
	}
	assert.EqualValues(t, 2, ks.hits.Load())
}

func TestFetchTimeoutIsUnverifiable(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	v, err := NewVerifier(VerifierConfig{
		Directory:    StaticDirectory{"acme": slow.URL},
		FetchTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	res := v.Verify(context.Background(), vector.RequestHash, vector.ResponseHash, vector.Signature, vector.Timestamp, vector.KeyID, "acme")
	assert.Equal(t, OutcomeUnverifiable, res.Outcome)
}
