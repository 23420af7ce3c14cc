// Package batch periodically folds pending proofs into Merkle batches and
// anchors each batch root on a ledger.
//
// A cycle collects every pending proof, builds a tree over the blinded
// hashes in store order, commits the root through a LedgerClient, then
// writes the Merkle path into each proof and records the batch. Cycles never
// overlap: a cycle triggered while another runs is skipped.
package batch
