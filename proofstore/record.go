package proofstore

import (
	"github.com/ruteri/ioproof-attestation-backend/interfaces"
)

func applyBatchUpdate(p *interfaces.Proof, update interfaces.BatchUpdate) {
	p.State = interfaces.StateConfirmed
	p.BatchID = update.BatchID
	p.MerkleRoot = update.MerkleRoot
	p.MerkleProof = append([]interfaces.MerkleProofStep(nil), update.Proofs[p.BlindedHash]...)
	p.LedgerSignature = update.LedgerSignature
	p.LedgerSlot = update.LedgerSlot
}

func cloneProof(p *interfaces.Proof) *interfaces.Proof {
	c := *p
	if p.Metadata != nil {
		c.Metadata = append([]byte(nil), p.Metadata...)
	}
	if p.MerkleProof != nil {
		c.MerkleProof = append([]interfaces.MerkleProofStep(nil), p.MerkleProof...)
	}
	if p.ProviderSignature != nil {
		sig := *p.ProviderSignature
		c.ProviderSignature = &sig
	}
	return &c
}

func cloneBatch(b *interfaces.Batch) *interfaces.Batch {
	c := *b
	c.Leaves = append([]string(nil), b.Leaves...)
	return &c
}
