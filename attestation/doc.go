// Package attestation turns a request/response pair into a blinded proof.
//
// A submission is hashed into a request hash, a response hash and a combined
// hash bound to a millisecond timestamp. The combined hash is then blinded
// with a random owner secret; only the blinded hash is ever published on the
// ledger. A second random user secret grants read access without revealing
// the owner secret.
//
// The Attestor persists the proof in pending_batch state and returns a
// Receipt. Batching and anchoring happen later in package batch.
package attestation
