package providersig

import "fmt"

// Response headers carrying a provider signature.
const (
	HeaderSignature = "X-IOProof-Sig"
	HeaderTimestamp = "X-IOProof-Sig-Ts"
	HeaderKeyID     = "X-IOProof-Key-Id"
)

// WellKnownPath is where providers publish their key document.
const WellKnownPath = "/.well-known/ioproof.json"

// Algorithm is the only signature algorithm in use.
const Algorithm = "ed25519"

// Message returns the canonical signed message for a request/response pair.
func Message(requestHash, responseHash, timestamp string) string {
	return fmt.Sprintf("ioproof:v1:%s|%s|%s", requestHash, responseHash, timestamp)
}
