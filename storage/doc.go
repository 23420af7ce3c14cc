// Package storage keeps the raw request and response bodies behind a proof on
// pluggable backends.
//
// Bodies are never part of a proof record: the record only holds their
// hashes. PayloadStore writes both bodies under the proof's combined hash and
// returns them when a secret holder asks for full disclosure.
//
// # Storage URI Format
//
// Backends are specified as URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//
//   - file:///var/lib/ioproof/payloads
//   - s3://bucket-name/prefix?region=us-west-2&endpoint=https://minio:9000
//   - ipfs://ipfs.example.com:5001/ioproof?timeout=30s
//   - vault://vault.example.com:8200/secret/ioproof
//
// Several URIs combine into a MultiStorageBackend, which writes to every
// available backend and reads from the first one holding the content.
//
// # Namespaces
//
// Every backend separates request bodies from response bodies
// (interfaces.RequestBodyType, interfaces.ResponseBodyType) and names objects
// by the hex combined hash.
//
// # Errors
//
// Backends report missing content as interfaces.ErrContentNotFound and
// unreachable services as interfaces.ErrBackendUnavailable. PayloadStore
// turns the former into interfaces.ErrNotFound.
package storage
