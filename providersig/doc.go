/*
Package providersig checks and produces detached Ed25519 signatures that API
providers attach to their responses.

A provider signs the message

	ioproof:v1:{requestHash}|{responseHash}|{timestamp}

where the hashes are lowercase hex SHA-256 of the raw bodies and timestamp is
the ISO-8601 UTC millisecond time the provider chose. The base64 signature
travels in X-IOProof-Sig, the timestamp in X-IOProof-Sig-Ts and the key id in
X-IOProof-Key-Id.

# Verification

Verifier resolves public keys from each provider's
{baseURL}/.well-known/ioproof.json document:

	{"version":"1.0","keys":[{"kid":"2026-01","algorithm":"ed25519","public_key":"<64 hex>"}]}

Keys are cached per verifier instance for an hour in a bounded LRU. Fetches
time out after five seconds and pass through a per-provider circuit breaker.
A key that cannot be obtained makes the result unverifiable, which is a
different outcome from a signature that fails to verify.

# Signing

The provider side of the protocol lives here as well: GenerateKeyPair,
NewSigner, SignWithTimestamp, WellKnownJSON and Middleware, which signs every
response of a net/http handler chain.
*/
package providersig
