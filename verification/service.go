package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/merkle"
	"github.com/ruteri/ioproof-attestation-backend/metrics"
)

// Access is the disclosure level granted by a secret.
type Access string

const (
	AccessNone  Access = ""
	AccessOwner Access = "owner"
	AccessUser  Access = "user"
)

// LookupResult is the answer to Lookup. Fields that are null in the wire
// format are pointers.
type LookupResult struct {
	Found        bool                  `json:"found"`
	BlindedHash  string                `json:"blinded_hash"`
	SolanaStatus interfaces.ProofState `json:"solana_status"`
	BatchID      *string               `json:"batch_id"`
	MerkleRoot   *string               `json:"merkle_root"`
	ExplorerURL  *string               `json:"explorer_url"`
	CreatedAt    time.Time             `json:"created_at"`

	// Present once the proof is batched.
	MerkleValid     *bool                        `json:"merkle_valid,omitempty"`
	MerkleProof     []interfaces.MerkleProofStep `json:"merkle_proof,omitempty"`
	BatchConsistent *bool                        `json:"batch_consistent,omitempty"`

	// Present when a secret was sent.
	SecretValid *bool  `json:"secret_valid,omitempty"`
	AccessType  Access `json:"access_type,omitempty"`

	*Disclosure
}

// Disclosure holds the fields revealed only to secret holders.
type Disclosure struct {
	CombinedHash    string  `json:"combined_hash"`
	RequestHash     string  `json:"request_hash"`
	ResponseHash    string  `json:"response_hash"`
	Timestamp       string  `json:"timestamp"`
	Provider        string  `json:"provider"`
	TargetURL       *string `json:"target_url"`
	ResponseStatus  *int    `json:"response_status"`
	SolanaSignature *string `json:"solana_signature"`
	SolanaSlot      *uint64 `json:"solana_slot"`
	RequestBody     *string `json:"request_body,omitempty"`
	ResponseBody    *string `json:"response_body,omitempty"`
}

// BatchResult is the answer to LookupBatch.
type BatchResult struct {
	Found           bool      `json:"found"`
	BatchID         string    `json:"batch_id"`
	MerkleRoot      string    `json:"merkle_root"`
	ProofCount      int       `json:"proof_count"`
	SolanaSignature *string   `json:"solana_signature"`
	SolanaSlot      *uint64   `json:"solana_slot"`
	ExplorerURL     *string   `json:"explorer_url"`
	CreatedAt       time.Time `json:"created_at"`
}

type Config struct {
	Store interfaces.ProofStore

	// Optional. Without it no payloads are disclosed or exported.
	Payloads interfaces.PayloadStore

	// Optional. Without it explorer links are null.
	Explorer interfaces.LedgerExplorer

	Clock   clock.Clock
	Metrics *metrics.Collector
	Log     *slog.Logger
}

// Service implements the read side: lookup, batch lookup and export.
type Service struct {
	store    interfaces.ProofStore
	payloads interfaces.PayloadStore
	explorer interfaces.LedgerExplorer
	clock    clock.Clock
	metrics  *metrics.Collector
	log      *slog.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("verification service requires a proof store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Service{
		store:    cfg.Store,
		payloads: cfg.Payloads,
		explorer: cfg.Explorer,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
	}, nil
}

// Lookup finds a proof by any of its hashes. secret may be empty. A wrong
// secret is not an error; it yields secret_valid=false and no disclosure.
// Returns ErrInvalidInput for malformed input and ErrNotFound for unknown
// hashes.
func (s *Service) Lookup(ctx context.Context, hash, secret string) (*LookupResult, error) {
	if !attestation.IsHexDigest(hash) {
		return nil, fmt.Errorf("%w: hash must be a 64-character hex string", interfaces.ErrInvalidInput)
	}
	if secret != "" && !attestation.IsHexDigest(secret) {
		return nil, fmt.Errorf("%w: secret must be a 64-character hex string", interfaces.ErrInvalidInput)
	}

	proof, err := s.findProof(ctx, hash, secret)
	if err != nil {
		return nil, err
	}

	result := &LookupResult{
		Found:        true,
		BlindedHash:  proof.BlindedHash,
		SolanaStatus: proof.State,
		BatchID:      nullable(proof.BatchID),
		MerkleRoot:   nullable(proof.MerkleRoot),
		ExplorerURL:  s.explorerURL(proof.LedgerSignature),
		CreatedAt:    proof.CreatedAt,
	}

	if proof.MerkleRoot != "" {
		valid := merkle.VerifyProof(proof.BlindedHash, proof.MerkleProof, proof.MerkleRoot)
		result.MerkleValid = &valid
		result.MerkleProof = proof.MerkleProof
		result.BatchConsistent = s.batchConsistent(ctx, proof)
	}

	access := AccessNone
	if secret != "" {
		access = CheckSecret(proof, secret)
		valid := access != AccessNone
		result.SecretValid = &valid
		result.AccessType = access
	}

	if access != AccessNone {
		result.Disclosure = s.disclose(ctx, proof)
	}

	s.metrics.Lookup(accessLabel(secret, access))
	return result, nil
}

// findProof resolves hash to a proof. Identical submissions can share a
// combined hash; when secret is not valid for the first match, the secret
// holder's own record is looked up through H(combined|secret), which is the
// blinded hash for an owner secret and the user commitment for a user secret.
func (s *Service) findProof(ctx context.Context, hash, secret string) (*interfaces.Proof, error) {
	proof, err := s.store.FindByHash(ctx, hash)
	if err != nil || secret == "" || CheckSecret(proof, secret) != AccessNone {
		return proof, err
	}

	own, err := s.store.FindByHash(ctx, attestation.BlindHash(proof.CombinedHash, secret))
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return proof, nil
	case err != nil:
		return nil, err
	case own.CombinedHash != proof.CombinedHash:
		return proof, nil
	}
	return own, nil
}

func accessLabel(secret string, access Access) string {
	switch {
	case secret == "":
		return "public"
	case access == AccessNone:
		return "denied"
	default:
		return string(access)
	}
}

// CheckSecret returns which secret, if any, secret matches. The owner secret
// is checked through the blinding commitment, the user secret by constant
// time comparison.
func CheckSecret(proof *interfaces.Proof, secret string) Access {
	if secret == "" {
		return AccessNone
	}
	expected := attestation.BlindHash(proof.CombinedHash, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(proof.BlindedHash)) == 1 {
		return AccessOwner
	}
	if proof.UserSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(proof.UserSecret)) == 1 {
		return AccessUser
	}
	return AccessNone
}

// batchConsistent cross-checks the proof against its batch record. nil means
// the batch could not be read.
func (s *Service) batchConsistent(ctx context.Context, proof *interfaces.Proof) *bool {
	if proof.BatchID == "" {
		return nil
	}
	consistent := false
	batch, err := s.store.FindBatch(ctx, proof.BatchID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		s.log.Warn("Failed to load batch for cross-check",
			slog.String("batchId", proof.BatchID),
			"err", err)
		return nil
	default:
		consistent = batch.MerkleRoot == proof.MerkleRoot && batch.ContainsLeaf(proof.BlindedHash)
	}
	return &consistent
}

func (s *Service) disclose(ctx context.Context, proof *interfaces.Proof) *Disclosure {
	d := &Disclosure{
		CombinedHash:    proof.CombinedHash,
		RequestHash:     proof.RequestHash,
		ResponseHash:    proof.ResponseHash,
		Timestamp:       proof.Timestamp,
		Provider:        proof.Provider,
		TargetURL:       nullable(proof.TargetURL),
		SolanaSignature: nullable(proof.LedgerSignature),
	}
	if proof.ResponseStatus != 0 {
		status := proof.ResponseStatus
		d.ResponseStatus = &status
	}
	if proof.LedgerSlot != 0 {
		slot := proof.LedgerSlot
		d.SolanaSlot = &slot
	}

	if payload := s.loadPayload(ctx, proof.CombinedHash); payload != nil {
		d.RequestBody = &payload.Request
		d.ResponseBody = &payload.Response
	}
	return d
}

func (s *Service) loadPayload(ctx context.Context, combinedHash string) *interfaces.Payload {
	if s.payloads == nil {
		return nil
	}
	payload, err := s.payloads.Load(ctx, combinedHash)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.log.Warn("Failed to load payload",
				slog.String("combinedHash", combinedHash),
				"err", err)
		}
		return nil
	}
	return payload
}

// LookupBatch returns the public record of a batch, or ErrNotFound.
func (s *Service) LookupBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	batch, err := s.store.FindBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		Found:           true,
		BatchID:         batch.BatchID,
		MerkleRoot:      batch.MerkleRoot,
		ProofCount:      batch.LeafCount,
		SolanaSignature: nullable(batch.LedgerSignature),
		ExplorerURL:     s.explorerURL(batch.LedgerSignature),
		CreatedAt:       batch.CreatedAt,
	}
	if batch.LedgerSlot != 0 {
		slot := batch.LedgerSlot
		result.SolanaSlot = &slot
	}
	return result, nil
}

func (s *Service) explorerURL(signature string) *string {
	if signature == "" || s.explorer == nil {
		return nil
	}
	url := s.explorer.ExplorerURL(signature)
	return &url
}

func (s *Service) network() string {
	if s.explorer == nil {
		return ""
	}
	return s.explorer.Network()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
