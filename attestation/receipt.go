package attestation

import (
	"fmt"
	"strings"

	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

const (
	hashPrefix  = "sha256:"
	privacyNote = "Only the blinded_hash appears on-chain. Keep your secret to verify ownership."
)

// Receipt is returned to the submitter. It is the only place the owner
// secret is ever handed out.
type Receipt struct {
	RequestHash  string `json:"request_hash"`
	ResponseHash string `json:"response_hash"`
	CombinedHash string `json:"combined_hash"`
	BlindedHash  string `json:"blinded_hash"`
	Secret       string `json:"secret"`
	UserSecret   string `json:"user_secret,omitempty"`
	Timestamp    string `json:"timestamp"`

	BatchStatus interfaces.ProofState `json:"batch_status"`
	VerifyURL   string                `json:"verify_url"`
	PrivacyNote string                `json:"privacy_note"`

	ProviderRequestID string                              `json:"provider_request_id,omitempty"`
	ProviderTimestamp string                              `json:"provider_timestamp,omitempty"`
	ProviderSignature *interfaces.ProviderSignatureResult `json:"provider_signature,omitempty"`

	// Set only once the proof has been anchored.
	BatchID         string                       `json:"batch_id,omitempty"`
	MerkleRoot      string                       `json:"merkle_root,omitempty"`
	MerkleProof     []interfaces.MerkleProofStep `json:"merkle_proof,omitempty"`
	SolanaSignature string                       `json:"solana_signature,omitempty"`
	SolanaSlot      uint64                       `json:"solana_slot,omitempty"`
	ExplorerURL     string                       `json:"explorer_url,omitempty"`
}

// BuildReceipt renders proof for its owner. explorer may be nil, in which
// case no explorer link is produced.
func BuildReceipt(proof *interfaces.Proof, baseURL string, explorer interfaces.LedgerExplorer) *Receipt {
	receipt := &Receipt{
		RequestHash:       hashPrefix + proof.RequestHash,
		ResponseHash:      hashPrefix + proof.ResponseHash,
		CombinedHash:      hashPrefix + proof.CombinedHash,
		BlindedHash:       hashPrefix + proof.BlindedHash,
		Secret:            proof.OwnerSecret,
		UserSecret:        proof.UserSecret,
		Timestamp:         proof.Timestamp,
		BatchStatus:       interfaces.StatePendingBatch,
		VerifyURL:         VerifyURL(baseURL, proof.CombinedHash, proof.OwnerSecret),
		PrivacyNote:       privacyNote,
		ProviderRequestID: proof.ProviderRequestID,
		ProviderTimestamp: proof.ProviderTimestamp,
		ProviderSignature: proof.ProviderSignature,
	}

	if proof.LedgerSignature != "" {
		receipt.BatchStatus = interfaces.StateConfirmed
		receipt.BatchID = proof.BatchID
		receipt.MerkleRoot = proof.MerkleRoot
		receipt.MerkleProof = proof.MerkleProof
		receipt.SolanaSignature = proof.LedgerSignature
		receipt.SolanaSlot = proof.LedgerSlot
		if explorer != nil {
			receipt.ExplorerURL = explorer.ExplorerURL(proof.LedgerSignature)
		}
	}

	return receipt
}

// VerifyURL links to the public verification page for combinedHash.
func VerifyURL(baseURL, combinedHash, secret string) string {
	return fmt.Sprintf("%s/verify/%s?secret=%s", strings.TrimSuffix(baseURL, "/"), combinedHash, secret)
}
