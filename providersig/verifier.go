package providersig

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/metrics"
	"github.com/sony/gobreaker"
)

const (
	DefaultKeyTTL          = time.Hour
	DefaultFetchTimeout    = 5 * time.Second
	DefaultCacheSize       = 1024
	DefaultBreakerTimeout  = 30 * time.Second
	DefaultBreakerFailures = 5

	maxKeyDocumentSize = 64 * 1024
)

// Outcome is the three-way result of a signature check.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeInvalid  Outcome = "invalid"
	// OutcomeUnverifiable means no public key could be obtained. It says
	// nothing about the signature itself.
	OutcomeUnverifiable Outcome = "unverifiable"
)

// Result of Verifier.Verify.
type Result struct {
	Outcome            Outcome
	Verified           bool
	KeyID              string
	SignatureTimestamp string
	Error              string
}

// JSON returns the stored form of the result, or nil when unverifiable.
func (r Result) JSON() *interfaces.ProviderSignatureResult {
	if r.Outcome == OutcomeUnverifiable {
		return nil
	}
	return &interfaces.ProviderSignatureResult{
		Verified:           r.Verified,
		KeyID:              r.KeyID,
		SignatureTimestamp: r.SignatureTimestamp,
		Error:              r.Error,
	}
}

// VerifierConfig configures a Verifier. Zero values take the defaults above.
type VerifierConfig struct {
	Directory ProviderDirectory
	Client    *http.Client
	Clock     clock.Clock
	Metrics   *metrics.Collector
	Log       *slog.Logger

	CacheSize       int
	KeyTTL          time.Duration
	FetchTimeout    time.Duration
	BreakerTimeout  time.Duration
	BreakerFailures uint32
}

type cachedKey struct {
	key       ed25519.PublicKey
	expiresAt time.Time
}

// Verifier checks provider signatures. It owns its key cache; two verifiers
// never share keys.
type Verifier struct {
	cfg   VerifierConfig
	log   *slog.Logger
	clock clock.Clock
	cache *lru.Cache[string, cachedKey]

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// NewVerifier creates a verifier. A nil directory resolves no providers, so
// only keys added with RegisterKey are usable.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Directory == nil {
		cfg.Directory = StaticDirectory{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = DefaultKeyTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	cache, err := lru.New[string, cachedKey](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}

	return &Verifier{
		cfg:      cfg,
		log:      cfg.Log,
		clock:    cfg.Clock,
		cache:    cache,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func cacheKey(provider, keyID string) string {
	return provider + ":" + keyID
}

// RegisterKey seeds the cache with a key, bypassing the key document fetch.
// The entry expires like any fetched key.
func (v *Verifier) RegisterKey(provider, keyID, publicKeyHex string) error {
	key, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return err
	}
	v.cache.Add(cacheKey(provider, keyID), cachedKey{key: key, expiresAt: v.clock.Now().Add(v.cfg.KeyTTL)})
	return nil
}

// FetchPublicKey returns the key or nil. Every failure (unknown provider,
// network error, timeout, open breaker, malformed document, missing kid)
// yields nil.
func (v *Verifier) FetchPublicKey(ctx context.Context, provider, keyID string) ed25519.PublicKey {
	ck := cacheKey(provider, keyID)
	if entry, ok := v.cache.Get(ck); ok {
		if entry.expiresAt.After(v.clock.Now()) {
			v.cfg.Metrics.KeyLookup("cache")
			return entry.key
		}
		v.cache.Remove(ck)
	}

	baseURL, ok := v.cfg.Directory.BaseURL(provider)
	if !ok {
		v.cfg.Metrics.KeyLookup("missing")
		return nil
	}

	res, err := v.breakerFor(provider).Execute(func() (interface{}, error) {
		return v.fetchDocument(ctx, baseURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		v.log.Debug("Key fetch short-circuited", slog.String("provider", provider), slog.String("err", err.Error()))
		v.cfg.Metrics.KeyLookup("breaker_open")
		return nil
	}
	if err != nil {
		v.log.Debug("Failed to fetch provider key document",
			slog.String("provider", provider),
			slog.String("baseURL", baseURL),
			slog.String("err", err.Error()))
		v.cfg.Metrics.KeyLookup("error")
		return nil
	}

	doc := res.(*KeyDocument)
	entry, found := doc.Find(keyID)
	if !found || !entry.usable() {
		v.cfg.Metrics.KeyLookup("missing")
		return nil
	}

	key, err := ParsePublicKey(entry.PublicKey)
	if err != nil {
		v.log.Debug("Provider published malformed key",
			slog.String("provider", provider),
			slog.String("keyID", keyID),
			slog.String("err", err.Error()))
		v.cfg.Metrics.KeyLookup("error")
		return nil
	}

	v.cache.Add(ck, cachedKey{key: key, expiresAt: v.clock.Now().Add(v.cfg.KeyTTL)})
	v.cfg.Metrics.KeyLookup("fetched")
	return key
}

func (v *Verifier) fetchDocument(ctx context.Context, baseURL string) (*KeyDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+WellKnownPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var doc KeyDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxKeyDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode key document: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("key document has no keys")
	}
	return &doc, nil
}

func (v *Verifier) breakerFor(provider string) *gobreaker.CircuitBreaker {
	v.breakersMu.Lock()
	defer v.breakersMu.Unlock()

	if cb, ok := v.breakers[provider]; ok {
		return cb
	}

	failures := v.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Timeout:     v.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			v.log.Info("Provider key fetch breaker changed state",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	v.breakers[provider] = cb
	return cb
}

// Verify checks signature over Message(requestHash, responseHash,
// signatureTimestamp) with the provider's key keyID.
func (v *Verifier) Verify(ctx context.Context, requestHash, responseHash, signature, signatureTimestamp, keyID, provider string) Result {
	result := Result{
		Outcome:            OutcomeInvalid,
		KeyID:              keyID,
		SignatureTimestamp: signatureTimestamp,
	}

	key := v.FetchPublicKey(ctx, provider, keyID)
	if key == nil {
		result.Outcome = OutcomeUnverifiable
		return result
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		result.Error = fmt.Sprintf("invalid signature encoding: %v", err)
		return result
	}
	if len(sig) != ed25519.SignatureSize {
		result.Error = fmt.Sprintf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
		return result
	}

	if ed25519.Verify(key, []byte(Message(requestHash, responseHash, signatureTimestamp)), sig) {
		result.Outcome = OutcomeVerified
		result.Verified = true
	}
	return result
}
