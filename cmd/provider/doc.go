// Package main (cmd/provider) is the provider-side signing kit.
//
// Commands:
//
//	keygen      generate an Ed25519 key pair with a YYYY-MM key id
//	sign        sign a request/response pair and print the signature headers
//	verify      check a signature against a public key
//	well-known  print a /.well-known/ioproof.json key document
//	serve       run a reverse proxy that signs every upstream response
package main
