// Package verification answers questions about stored proofs.
//
// Anyone can learn whether a hash is known, its blinded hash, batch and
// ledger anchor, and whether its Merkle path still leads to the batch root.
// Everything that identifies the attested interaction (the other hashes,
// timestamp, provider, target, payloads) is disclosed only to a caller
// presenting the owner secret or the user secret.
//
// Export produces a self-contained bundle that VerifyBundle can check
// without access to this service.
package verification
