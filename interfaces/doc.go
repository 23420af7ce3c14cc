// Package interfaces defines the data model and the contracts between the
// attestation engine and its collaborators, separating interface definitions
// from implementations.
//
// # Data Model
//
// Proof: one attested request/response pair. It carries the request, response
// and combined hashes, the owner secret (and optional user secret), the blinded
// hash that is the only value ever anchored, and the batch fields that the
// scheduler fills in at confirmation.
//
// Batch: the immutable record of a batching cycle, including the ordered leaf
// list used to build its Merkle tree.
//
// MerkleProofStep: a sibling hash and its side, folded leaf-to-root.
//
// # Store Interfaces
//
// ProofStore: durable proof and batch records (memory, badger, postgres).
//
// PayloadStore: raw request/response bodies keyed by combined hash, built on
// StorageBackend (file, S3, IPFS, Vault).
//
// # Ledger Interfaces
//
// LedgerClient: submits the batch memo and waits for confirmation.
//
// LedgerExplorer: network name and explorer links for receipts and bundles.
package interfaces
