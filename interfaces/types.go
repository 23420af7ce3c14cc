package interfaces

import (
	"encoding/json"
	"time"
)

// ProofState is the batching state of a proof record. The only transition is
// PendingBatch -> Confirmed and it is performed by the batch scheduler.
type ProofState string

const (
	StatePendingBatch ProofState = "pending_batch"
	StateConfirmed    ProofState = "confirmed"
)

// Position tells on which side of the running hash a Merkle sibling sits.
type Position string

const (
	PositionLeft  Position = "left"
	PositionRight Position = "right"
)

// MerkleProofStep is one sibling on the path from a leaf to the root.
type MerkleProofStep struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// ProviderSignatureResult records the outcome of checking a provider's
// detached signature over a proof's request and response hashes.
type ProviderSignatureResult struct {
	Verified           bool   `json:"verified"`
	KeyID              string `json:"key_id"`
	SignatureTimestamp string `json:"signature_timestamp"`
	Error              string `json:"error,omitempty"`
}

// Proof is a single attested request/response pair.
//
// Everything except the batch fields is fixed at submission. BlindedHash must
// always equal BlindHash(CombinedHash, OwnerSecret); it is stored for indexing
// only. UserCommitment is BlindHash(CombinedHash, UserSecret) and lets a user
// secret resolve its own record when several proofs share a combined hash.
// LedgerSlot zero and empty strings stand for "not set".
type Proof struct {
	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash"`
	CombinedHash string `json:"combined_hash"`
	BlindedHash  string `json:"blinded_hash"`
	OwnerSecret  string `json:"owner_secret"`
	UserSecret   string `json:"user_secret,omitempty"`
	Timestamp    string `json:"timestamp"`

	UserCommitment string `json:"user_commitment,omitempty"`

	Provider          string                   `json:"provider"`
	TargetURL         string                   `json:"target_url,omitempty"`
	ResponseStatus    int                      `json:"response_status,omitempty"`
	Metadata          json.RawMessage          `json:"metadata,omitempty"`
	ProviderRequestID string                   `json:"provider_request_id,omitempty"`
	ProviderTimestamp string                   `json:"provider_timestamp,omitempty"`
	ProviderSignature *ProviderSignatureResult `json:"provider_signature,omitempty"`

	State           ProofState        `json:"state"`
	BatchID         string            `json:"batch_id,omitempty"`
	MerkleRoot      string            `json:"merkle_root,omitempty"`
	MerkleProof     []MerkleProofStep `json:"merkle_proof,omitempty"`
	LedgerSignature string            `json:"ledger_signature,omitempty"`
	LedgerSlot      uint64            `json:"ledger_slot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsConfirmed reports whether the proof has been included in a batch.
func (p *Proof) IsConfirmed() bool {
	return p.State == StateConfirmed
}

// MatchesHash reports whether hash is one of the proof's lookup keys.
func (p *Proof) MatchesHash(hash string) bool {
	if hash == "" {
		return false
	}
	return hash == p.CombinedHash || hash == p.RequestHash || hash == p.ResponseHash ||
		hash == p.BlindedHash || hash == p.UserCommitment
}

// BatchUpdate carries everything the scheduler writes into the proofs of a
// freshly built batch. Proofs is keyed by blinded hash.
type BatchUpdate struct {
	BatchID         string
	MerkleRoot      string
	Proofs          map[string][]MerkleProofStep
	LedgerSignature string
	LedgerSlot      uint64
}

// Batch is the immutable record of one batching cycle. Leaves keeps the exact
// order used to build the tree so any leaf's proof can be recomputed.
type Batch struct {
	BatchID         string    `json:"batch_id"`
	MerkleRoot      string    `json:"merkle_root"`
	LeafCount       int       `json:"leaf_count"`
	LedgerSignature string    `json:"ledger_signature,omitempty"`
	LedgerSlot      uint64    `json:"ledger_slot,omitempty"`
	LedgerBlockTime int64     `json:"ledger_block_time,omitempty"`
	Leaves          []string  `json:"leaves"`
	CreatedAt       time.Time `json:"created_at"`
}

// ContainsLeaf reports whether leaf was part of the batch.
func (b *Batch) ContainsLeaf(leaf string) bool {
	for _, l := range b.Leaves {
		if l == leaf {
			return true
		}
	}
	return false
}

// Payload holds the raw request and response bodies of a proof.
type Payload struct {
	Request  string `json:"request"`
	Response string `json:"response"`
}

// LedgerReceipt is what a ledger client returns once a memo is confirmed.
type LedgerReceipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime int64  `json:"block_time,omitempty"`
}
