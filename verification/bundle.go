package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/ioproof-attestation-backend/attestation"
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
	"github.com/ruteri/ioproof-attestation-backend/ledger"
	"github.com/ruteri/ioproof-attestation-backend/merkle"
)

const BundleVersion = 1

// VerificationSteps are the human-readable checks shipped with every bundle.
var VerificationSteps = []string{
	"1. Re-hash: SHA-256(request_body) should equal proof.request_hash",
	"2. Re-hash: SHA-256(response_body) should equal proof.response_hash",
	`3. Combined: SHA-256(request_hash + "|" + response_hash + "|" + timestamp) should equal proof.combined_hash`,
	`4. Blinding: SHA-256(combined_hash + "|" + secret) should equal proof.blinded_hash`,
	"5. Merkle: walk merkle.proof from blinded_hash to merkle.root",
	"6. On-chain: fetch solana.signature, extract memo, confirm merkle_root matches",
}

// Bundle is a self-contained export of a confirmed proof.
type Bundle struct {
	Version           int                 `json:"version"`
	ExportedAt        string              `json:"exported_at"`
	Proof             BundleProof         `json:"proof"`
	Merkle            BundleMerkle        `json:"merkle"`
	Solana            BundleLedger        `json:"solana"`
	Batch             BundleBatch         `json:"batch"`
	Payloads          *interfaces.Payload `json:"payloads"`
	VerificationSteps []string            `json:"verification_steps"`
}

type BundleProof struct {
	RequestHash    string  `json:"request_hash"`
	ResponseHash   string  `json:"response_hash"`
	CombinedHash   string  `json:"combined_hash"`
	BlindedHash    string  `json:"blinded_hash"`
	Secret         string  `json:"secret"`
	SecretType     Access  `json:"secret_type,omitempty"`
	Timestamp      string  `json:"timestamp"`
	Provider       string  `json:"provider"`
	TargetURL      *string `json:"target_url"`
	ResponseStatus *int    `json:"response_status"`
}

type BundleMerkle struct {
	Root  string                       `json:"root"`
	Proof []interfaces.MerkleProofStep `json:"proof"`
}

type BundleLedger struct {
	Signature   *string `json:"signature"`
	Slot        *uint64 `json:"slot"`
	Cluster     string  `json:"cluster"`
	ExplorerURL *string `json:"explorer_url"`
	MemoFormat  string  `json:"memo_format"`
}

type BundleBatch struct {
	ID string `json:"id"`
}

// Export builds the bundle for a confirmed proof. Both hash and secret are
// required. Errors: ErrInvalidInput, ErrNotFound, ErrSecretMismatch,
// ErrNotAnchored.
func (s *Service) Export(ctx context.Context, hash, secret string) (*Bundle, error) {
	if !attestation.IsHexDigest(hash) || !attestation.IsHexDigest(secret) {
		return nil, fmt.Errorf("%w: both hash and secret (64-char hex) are required", interfaces.ErrInvalidInput)
	}

	proof, err := s.findProof(ctx, hash, secret)
	if err != nil {
		return nil, err
	}

	access := CheckSecret(proof, secret)
	if access == AccessNone {
		return nil, interfaces.ErrSecretMismatch
	}
	if !proof.IsConfirmed() {
		return nil, interfaces.ErrNotAnchored
	}

	path := proof.MerkleProof
	if path == nil {
		path = []interfaces.MerkleProofStep{}
	}

	bundle := &Bundle{
		Version:    BundleVersion,
		ExportedAt: attestation.FormatTimestamp(s.clock.Now()),
		Proof: BundleProof{
			RequestHash:  proof.RequestHash,
			ResponseHash: proof.ResponseHash,
			CombinedHash: proof.CombinedHash,
			BlindedHash:  proof.BlindedHash,
			Secret:       secret,
			SecretType:   access,
			Timestamp:    proof.Timestamp,
			Provider:     proof.Provider,
			TargetURL:    nullable(proof.TargetURL),
		},
		Merkle: BundleMerkle{
			Root:  proof.MerkleRoot,
			Proof: path,
		},
		Solana: BundleLedger{
			Signature:   nullable(proof.LedgerSignature),
			Cluster:     s.network(),
			ExplorerURL: s.explorerURL(proof.LedgerSignature),
			MemoFormat:  ledger.MemoFormat,
		},
		Batch:             BundleBatch{ID: proof.BatchID},
		Payloads:          s.loadPayload(ctx, proof.CombinedHash),
		VerificationSteps: VerificationSteps,
	}
	if proof.ResponseStatus != 0 {
		status := proof.ResponseStatus
		bundle.Proof.ResponseStatus = &status
	}
	if proof.LedgerSlot != 0 {
		slot := proof.LedgerSlot
		bundle.Solana.Slot = &slot
	}

	s.log.Debug("Exported proof bundle",
		slog.String("combinedHash", proof.CombinedHash),
		slog.String("batchId", proof.BatchID))
	return bundle, nil
}

// StepResult is the outcome of one verification step.
type StepResult struct {
	Step    int    `json:"step"`
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// MemoSource reads the batch memo of a ledger transaction. Implemented by
// *ledger.SolanaClient.
type MemoSource interface {
	FetchMemo(ctx context.Context, signature string) (*ledger.MemoFields, error)
}

// VerifyBundle re-runs the bundle's verification steps. Steps 1 to 5 are
// purely local. Step 6 needs memos; with a nil MemoSource it is skipped.
func VerifyBundle(ctx context.Context, b *Bundle, memos MemoSource) []StepResult {
	p := b.Proof
	results := make([]StepResult, 0, len(VerificationSteps))

	if b.Payloads == nil {
		results = append(results,
			StepResult{Step: 1, Name: "request hash", Skipped: true, Detail: "bundle has no payloads"},
			StepResult{Step: 2, Name: "response hash", Skipped: true, Detail: "bundle has no payloads"})
	} else {
		results = append(results,
			compare(1, "request hash", attestation.HashString(b.Payloads.Request), p.RequestHash),
			compare(2, "response hash", attestation.HashString(b.Payloads.Response), p.ResponseHash))
	}

	results = append(results,
		compare(3, "combined hash", attestation.CombinedHash(p.RequestHash, p.ResponseHash, p.Timestamp), p.CombinedHash))

	// A user secret does not open the blinding commitment.
	if p.SecretType == AccessUser {
		results = append(results, StepResult{Step: 4, Name: "blinded hash", Skipped: true, Detail: "bundle was exported with the user secret"})
	} else {
		results = append(results, compare(4, "blinded hash", attestation.BlindHash(p.CombinedHash, p.Secret), p.BlindedHash))
	}

	merkleOK := merkle.VerifyProof(p.BlindedHash, b.Merkle.Proof, b.Merkle.Root)
	merkleStep := StepResult{Step: 5, Name: "merkle proof", OK: merkleOK}
	if !merkleOK {
		merkleStep.Detail = "merkle path does not lead to merkle.root"
	}
	results = append(results, merkleStep)

	results = append(results, verifyMemo(ctx, b, memos))
	return results
}

func verifyMemo(ctx context.Context, b *Bundle, memos MemoSource) StepResult {
	step := StepResult{Step: 6, Name: "ledger memo"}
	switch {
	case b.Solana.Signature == nil:
		step.Skipped = true
		step.Detail = "batch was not anchored on a ledger"
		return step
	case memos == nil:
		step.Skipped = true
		step.Detail = "requires a ledger lookup of " + *b.Solana.Signature
		return step
	}

	fields, err := memos.FetchMemo(ctx, *b.Solana.Signature)
	if err != nil {
		step.Detail = err.Error()
		return step
	}

	switch {
	case fields.MerkleRoot != b.Merkle.Root:
		step.Detail = fmt.Sprintf("memo root %s does not match merkle.root", fields.MerkleRoot)
	case b.Batch.ID != "" && fields.BatchID != b.Batch.ID:
		step.Detail = fmt.Sprintf("memo batch %s does not match batch.id", fields.BatchID)
	default:
		step.OK = true
	}
	return step
}

func compare(step int, name, computed, expected string) StepResult {
	r := StepResult{Step: step, Name: name, OK: computed == expected}
	if !r.OK {
		r.Detail = fmt.Sprintf("computed %s, bundle says %s", computed, expected)
	}
	return r
}

// ErrBundleInvalid is returned by CheckBundle when a step failed.
var ErrBundleInvalid = errors.New("bundle verification failed")

// CheckBundle returns ErrBundleInvalid if any step that ran failed.
func CheckBundle(results []StepResult) error {
	for _, r := range results {
		if !r.Skipped && !r.OK {
			return fmt.Errorf("%w: step %d (%s): %s", ErrBundleInvalid, r.Step, r.Name, r.Detail)
		}
	}
	return nil
}
