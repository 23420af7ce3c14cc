// Package main (cmd/httpserver) runs the ioproof attestation server.
//
// It wires the proof store, payload storage, provider key directory, ledger
// client and batch scheduler together and serves the HTTP API. Proofs are
// batched every --batch-interval-ms and anchored on the configured ledger.
// The settings inherited from the original deployment are also read from
// PORT, BASE_URL, SOLANA_RPC_URL, SOLANA_KEYPAIR_SECRET, SOLANA_CLUSTER,
// BATCH_INTERVAL_MS and BATCH_MIN_PROOFS.
//
// The server shuts down gracefully on SIGINT/SIGTERM. A batch cycle that is
// already committing is allowed to finish.
//
// Example usage with a local badger store and Solana devnet:
//
//	ioproof-server --store=badger:///var/lib/ioproof \
//	    --payload-storage=file:///var/lib/ioproof/payloads \
//	    --provider=openai=https://api.openai.com \
//	    --solana-keypair-secret="$(cat payer.json)"
//
// Example usage anchoring on an EVM chain:
//
//	ioproof-server --ledger=evm --evm-rpc-url=http://localhost:8545 \
//	    --evm-private-key=$KEY --evm-network=anvil --evm-explorer=http://localhost:4000
package main
