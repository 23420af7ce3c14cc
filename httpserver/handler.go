package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/common"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/verification"
)

// maxBodySize is the maximum accepted attestation request body (10MB).
const maxBodySize = 10 * 1024 * 1024

// Error codes returned in {"error":{"message","code"}} bodies.
const (
	CodeInvalidJSON     = "INVALID_JSON"
	CodeMissingFields   = "MISSING_FIELDS"
	CodeMissingProvider = "MISSING_PROVIDER"
	CodeInvalidHash     = "INVALID_HASH"
	CodeInvalidSecret   = "INVALID_SECRET"
	CodeMissingParams   = "MISSING_PARAMS"
	CodeNotFound        = "NOT_FOUND"
	CodePending         = "PENDING"
	CodeInternal        = "INTERNAL"
)

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Submitter is the write side. Implemented by *attestation.Attestor.
type Submitter interface {
	Submit(ctx context.Context, sub attestation.Submission) (*attestation.Receipt, error)
}

// Verifier is the read side. Implemented by *verification.Service.
type Verifier interface {
	Lookup(ctx context.Context, hash, secret string) (*verification.LookupResult, error)
	LookupBatch(ctx context.Context, batchID string) (*verification.BatchResult, error)
	Export(ctx context.Context, hash, secret string) (*verification.Bundle, error)
}

// HealthInfo is static service information reported on /health.
type HealthInfo struct {
	Providers        []string
	BatchInterval    time.Duration
	LedgerConfigured bool
	LedgerNetwork    string
}

// Handler serves the attestation and verification API.
type Handler struct {
	submitter Submitter
	verifier  Verifier
	health    HealthInfo
	log       *slog.Logger
}

func NewHandler(submitter Submitter, verifier Verifier, health HealthInfo, log *slog.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		verifier:  verifier,
		health:    health,
		log:       log,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/attest", h.HandleAttest)
	r.Get("/api/verify/export/{hash}", h.HandleExport)
	r.Get("/api/verify/batch/{batchId}", h.HandleBatch)
	r.Get("/api/verify/{hash}", h.HandleVerify)
	r.Get("/health", h.HandleHealth)
}

type attestRequest struct {
	RequestBody     json.RawMessage   `json:"request_body"`
	ResponseBody    json.RawMessage   `json:"response_body"`
	Provider        string            `json:"provider"`
	Endpoint        string            `json:"endpoint"`
	Metadata        json.RawMessage   `json:"metadata"`
	ProviderHeaders map[string]string `json:"provider_headers"`
}

// HandleAttest records a request/response pair.
//
// URL format: POST /v1/attest
//
// Request body: {request_body, response_body, provider, endpoint?, metadata?,
// provider_headers?}. Bodies may be JSON strings, which are hashed as is, or
// any other JSON value, which is hashed in compact form.
//
// Response: {"verification": receipt}
func (h *Handler) HandleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeInvalidJSON, Err: fmt.Errorf("invalid request body: %w", err)})
		return
	}

	requestBody, err := bodyString(req.RequestBody)
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeInvalidJSON, Err: err})
		return
	}
	responseBody, err := bodyString(req.ResponseBody)
	if err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeInvalidJSON, Err: err})
		return
	}

	metadata := req.Metadata
	if isNull(metadata) {
		metadata = nil
	}

	receipt, err := h.submitter.Submit(r.Context(), attestation.Submission{
		RequestBody:     requestBody,
		ResponseBody:    responseBody,
		Provider:        req.Provider,
		Endpoint:        req.Endpoint,
		Metadata:        metadata,
		ProviderHeaders: req.ProviderHeaders,
	})
	switch {
	case errors.Is(err, attestation.ErrMissingBodies):
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeMissingFields, Err: errors.New("request_body and response_body are required.")})
		return
	case errors.Is(err, attestation.ErrMissingProvider):
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeMissingProvider, Err: errors.New("provider is required.")})
		return
	case err != nil:
		h.log.Error("Failed to attest submission", "err", err, slog.String("provider", req.Provider))
		h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Code: CodeInternal, Err: errors.New("failed to record proof")})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"verification": receipt})
}

// bodyString turns a submitted body into the exact string that gets hashed.
// JSON values are only stripped of insignificant whitespace: string escapes
// such as \u00e9 or \/ are kept as sent, not normalised, so clients hashing
// locally must hash the compact form of the bytes they sent.
func bodyString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid string body: %w", err)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid body: %w", err)
	}
	return buf.String(), nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// HandleVerify looks a proof up by any of its hashes.
//
// URL format: GET /api/verify/{hash}?secret=
//
// Without a secret only public fields are returned; with the owner or user
// secret the full proof and payloads are disclosed.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	secret := r.URL.Query().Get("secret")

	if !attestation.IsHexDigest(hash) {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeInvalidHash, Err: errors.New("Invalid hash format. Expected 64-character hex string.")})
		return
	}
	if secret != "" && !attestation.IsHexDigest(secret) {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeInvalidSecret, Err: errors.New("Invalid secret format. Expected 64-character hex string.")})
		return
	}

	result, err := h.verifier.Lookup(r.Context(), hash, secret)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{"found": false, "hash": hash})
		return
	case err != nil:
		h.internalError(w, "Failed to look up proof", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleExport returns a self-contained proof bundle as a download.
//
// URL format: GET /api/verify/export/{hash}?secret=
//
// Responds 202 while the proof is still waiting for a batch.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	secret := r.URL.Query().Get("secret")

	bundle, err := h.verifier.Export(r.Context(), hash, secret)
	switch {
	case errors.Is(err, interfaces.ErrInvalidInput):
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Code: CodeMissingParams, Err: errors.New("Both hash and secret (64-char hex) are required.")})
		return
	case errors.Is(err, interfaces.ErrNotFound):
		h.writeError(w, &RequestError{StatusCode: http.StatusNotFound, Code: CodeNotFound, Err: errors.New("Proof not found.")})
		return
	case errors.Is(err, interfaces.ErrSecretMismatch):
		h.writeError(w, &RequestError{StatusCode: http.StatusForbidden, Code: CodeInvalidSecret, Err: errors.New("Invalid secret.")})
		return
	case errors.Is(err, interfaces.ErrNotAnchored):
		h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"error": errorBody{
				Message: "Proof not yet batched. Try again after the next batch cycle.",
				Code:    CodePending,
			},
			"solana_status": interfaces.StatePendingBatch,
		})
		return
	case err != nil:
		h.internalError(w, "Failed to export proof", err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ioproof-%s.json"`, hash[:12]))
	h.writeJSON(w, http.StatusOK, bundle)
}

// HandleBatch returns the public record of a batch.
//
// URL format: GET /api/verify/batch/{batchId}
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchId")

	result, err := h.verifier.LookupBatch(r.Context(), batchID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{"found": false, "batch_id": batchID})
		return
	case err != nil:
		h.internalError(w, "Failed to look up batch", err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// HandleHealth reports service configuration.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	providers := h.health.Providers
	if providers == nil {
		providers = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"service":           common.PackageName,
		"version":           common.Version,
		"providers":         providers,
		"batch_interval_ms": h.health.BatchInterval.Milliseconds(),
		"ledger_configured": h.health.LedgerConfigured,
		"ledger_network":    h.health.LedgerNetwork,
	})
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "err", err)
	h.writeError(w, &RequestError{StatusCode: http.StatusInternalServerError, Code: CodeInternal, Err: errors.New("internal error")})
}

func (h *Handler) writeError(w http.ResponseWriter, reqErr *RequestError) {
	h.writeJSON(w, reqErr.StatusCode, map[string]interface{}{
		"error": errorBody{Message: reqErr.Error(), Code: reqErr.Code},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
