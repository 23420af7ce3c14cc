package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/metrics"
	"github.com/ruteri/ioproof-attestation-backend/providersig"
)

var (
	ErrMissingBodies   = fmt.Errorf("%w: request_body and response_body are required", interfaces.ErrInvalidInput)
	ErrMissingProvider = fmt.Errorf("%w: provider is required", interfaces.ErrInvalidInput)
)

// signatureOutcomeNone labels submissions that carried no provider signature.
const signatureOutcomeNone = "none"

// SignatureVerifier checks a provider's detached signature. Implemented by
// *providersig.Verifier.
type SignatureVerifier interface {
	Verify(ctx context.Context, requestHash, responseHash, signature, signatureTimestamp, keyID, provider string) providersig.Result
}

// Submission is one request/response pair to attest.
type Submission struct {
	RequestBody  string
	ResponseBody string
	Provider     string
	Endpoint     string

	// ResponseStatus defaults to 200 when zero.
	ResponseStatus int
	Metadata       json.RawMessage

	// ProviderHeaders are the provider's response headers, in any case.
	ProviderHeaders map[string]string
}

type AttestorConfig struct {
	Store interfaces.ProofStore

	// Optional. Without a payload store raw bodies are not retained.
	Payloads interfaces.PayloadStore

	// Optional. Without a verifier provider signatures are ignored.
	Signatures SignatureVerifier

	// Optional. Used for explorer links in receipts.
	Explorer interfaces.LedgerExplorer

	BaseURL string
	Clock   clock.Clock
	Metrics *metrics.Collector
	Log     *slog.Logger
}

// Attestor is the submission path: hash, blind, persist, receipt.
type Attestor struct {
	store      interfaces.ProofStore
	payloads   interfaces.PayloadStore
	signatures SignatureVerifier
	explorer   interfaces.LedgerExplorer
	baseURL    string
	clock      clock.Clock
	metrics    *metrics.Collector
	log        *slog.Logger
}

func NewAttestor(cfg AttestorConfig) (*Attestor, error) {
	if cfg.Store == nil {
		return nil, errors.New("attestor requires a proof store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Attestor{
		store:      cfg.Store,
		payloads:   cfg.Payloads,
		signatures: cfg.Signatures,
		explorer:   cfg.Explorer,
		baseURL:    cfg.BaseURL,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}, nil
}

// Submit attests sub and returns the owner's receipt. The proof record is the
// source of truth: a failing payload store is logged and does not fail the
// submission.
func (a *Attestor) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if sub.RequestBody == "" || sub.ResponseBody == "" {
		return nil, ErrMissingBodies
	}
	if sub.Provider == "" {
		return nil, ErrMissingProvider
	}

	now := a.clock.Now().UTC()
	requestHash := HashString(sub.RequestBody)
	responseHash := HashString(sub.ResponseBody)
	timestamp := FormatTimestamp(now)
	combinedHash := CombinedHash(requestHash, responseHash, timestamp)

	ownerSecret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	userSecret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	status := sub.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}

	proof := &interfaces.Proof{
		RequestHash:    requestHash,
		ResponseHash:   responseHash,
		CombinedHash:   combinedHash,
		BlindedHash:    BlindHash(combinedHash, ownerSecret),
		OwnerSecret:    ownerSecret,
		UserSecret:     userSecret,
		UserCommitment: BlindHash(combinedHash, userSecret),
		Timestamp:      timestamp,
		Provider:       sub.Provider,
		TargetURL:      sub.Endpoint,
		ResponseStatus: status,
		Metadata:       sub.Metadata,
		State:          interfaces.StatePendingBatch,
		CreatedAt:      now,
	}

	signatureOutcome := signatureOutcomeNone
	if len(sub.ProviderHeaders) > 0 {
		headers := ParseProviderHeaders(sub.ProviderHeaders)
		proof.ProviderRequestID = headers.RequestID
		proof.ProviderTimestamp = headers.Date

		if headers.HasSignature() && a.signatures != nil {
			result := a.signatures.Verify(ctx, requestHash, responseHash, headers.Signature, headers.SignatureTimestamp, headers.KeyID, sub.Provider)
			proof.ProviderSignature = result.JSON()
			signatureOutcome = string(result.Outcome)
		}
	}

	if err := a.store.Insert(ctx, proof); err != nil {
		return nil, fmt.Errorf("failed to store proof: %w", err)
	}

	if a.payloads != nil {
		payload := interfaces.Payload{Request: sub.RequestBody, Response: sub.ResponseBody}
		if err := a.payloads.Store(ctx, combinedHash, payload); err != nil {
			a.log.Error("Failed to store payload",
				slog.String("combinedHash", combinedHash),
				"err", err)
		}
	}

	a.metrics.SubmissionAccepted(signatureOutcome)
	a.log.Debug("Accepted submission",
		slog.String("combinedHash", combinedHash),
		slog.String("blindedHash", proof.BlindedHash),
		slog.String("provider", sub.Provider),
		slog.String("signature", signatureOutcome))

	return BuildReceipt(proof, a.baseURL, a.explorer), nil
}

// ProviderHeaders are the attestation-relevant response headers of a provider.
type ProviderHeaders struct {
	RequestID          string
	Date               string
	Signature          string
	SignatureTimestamp string
	KeyID              string
}

// HasSignature reports whether all three signature headers are present.
func (h ProviderHeaders) HasSignature() bool {
	return h.Signature != "" && h.SignatureTimestamp != "" && h.KeyID != ""
}

// ParseProviderHeaders matches header names case-insensitively. The request
// id is taken from the first of x-request-id, request-id and x-ds-trace-id.
func ParseProviderHeaders(raw map[string]string) ProviderHeaders {
	lower := make(map[string]string, len(raw))
	for k, v := range raw {
		lower[strings.ToLower(k)] = v
	}

	var h ProviderHeaders
	for _, name := range []string{"x-request-id", "request-id", "x-ds-trace-id"} {
		if v := lower[name]; v != "" {
			h.RequestID = v
			break
		}
	}
	h.Date = lower["date"]
	h.Signature = lower[strings.ToLower(providersig.HeaderSignature)]
	h.SignatureTimestamp = lower[strings.ToLower(providersig.HeaderTimestamp)]
	h.KeyID = lower[strings.ToLower(providersig.HeaderKeyID)]
	return h
}
