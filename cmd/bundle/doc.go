// Package main (cmd/bundle) verifies exported proof bundles without trusting
// the server that produced them.
//
// Example:
//
//	ioproof-bundle fetch --server https://ioproof.example --hash $H --secret $S --out proof.json
//	ioproof-bundle verify --solana-cluster devnet proof.json
package main
