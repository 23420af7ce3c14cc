// Package ledger anchors batch Merkle roots on public ledgers.
//
// Every client publishes the same memo,
//
//	ioproof|batch|{batchId}|{merkleRoot}|{leafCount}|{timestamp}
//
// and waits until the ledger confirms it. SolanaClient uses the SPL memo
// program, EVMClient puts the memo into the calldata of a zero-value
// transaction. RetryingClient wraps either with bounded exponential backoff.
package ledger
