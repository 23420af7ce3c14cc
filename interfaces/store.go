package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by stores when no record matches. Callers treat
	// it as a normal outcome, not a failure.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput is returned when a hash or secret is not a 64-char
	// lowercase hex string.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSecretMismatch is returned by operations that require a valid secret.
	ErrSecretMismatch = errors.New("secret does not match")

	// ErrNotAnchored is returned when a confirmed proof is required but the
	// proof is still pending.
	ErrNotAnchored = errors.New("proof not yet anchored")

	// ErrLedgerNotConfigured is returned by ledger clients without signing keys.
	ErrLedgerNotConfigured = errors.New("ledger client not configured")
)

// ProofStore persists proofs and batches. Implementations must make each
// record write atomic and be safe for concurrent use.
type ProofStore interface {
	// Insert stores a new proof. Proofs are identified by blinded hash:
	// Insert returns ErrAlreadyExists only if that is taken. Identical
	// submissions within one millisecond share a combined hash and are all
	// stored.
	Insert(ctx context.Context, proof *Proof) error

	// FindByHash returns the proof whose combined, request, response or
	// blinded hash or user commitment equals hash, or ErrNotFound. Among proofs sharing a
	// combined, request or response hash the earliest inserted wins.
	FindByHash(ctx context.Context, hash string) (*Proof, error)

	// ListPending returns all proofs in pending_batch state, oldest first.
	ListPending(ctx context.Context) ([]*Proof, error)

	// UpdateBatch confirms every pending proof whose blinded hash is listed,
	// applying update. Returns how many records changed. Backends may commit
	// in several transactions; on error the count covers what was written.
	UpdateBatch(ctx context.Context, blindedHashes []string, update BatchUpdate) (int, error)

	// InsertBatch stores an immutable batch record.
	InsertBatch(ctx context.Context, batch *Batch) error

	// FindBatch returns the batch with the given id, or ErrNotFound.
	FindBatch(ctx context.Context, batchID string) (*Batch, error)
}

// PayloadStore keeps raw request/response bodies keyed by combined hash.
type PayloadStore interface {
	Store(ctx context.Context, combinedHash string, payload Payload) error

	// Load returns ErrNotFound when nothing was stored for combinedHash.
	Load(ctx context.Context, combinedHash string) (*Payload, error)
}

// LedgerClient anchors a batch root on a public ledger by submitting the memo
// "ioproof|batch|{batchId}|{merkleRoot}|{leafCount}|{timestamp}" and waiting
// for confirmation.
type LedgerClient interface {
	Commit(ctx context.Context, batchID, merkleRoot string, leafCount int, timestamp string) (*LedgerReceipt, error)
}

// LedgerExplorer describes the ledger for humans reading receipts.
type LedgerExplorer interface {
	// Network names the ledger network, e.g. "devnet".
	Network() string

	// ExplorerURL links to a transaction in a public block explorer.
	ExplorerURL(signature string) string
}
