package providersig

// Cross-implementation vector. Ed25519 is deterministic, so every
// implementation must produce exactly these values.
var vector = struct {
	PrivateKey   string
	PublicKey    string
	KeyID        string
	RequestBody  string
	ResponseBody string
	Timestamp    string
	RequestHash  string
	ResponseHash string
	Message      string
	Signature    string
}{
	PrivateKey:   "4c830864429505b175ea2fd113367a2b0671a24bd78a827fa24377c66d66b64f",
	PublicKey:    "24ab368303288a10e15205fa54f15d0761b7cd3363bb017a2d4afaec1db14703",
	KeyID:        "test-2026",
	RequestBody:  `{"model":"gpt-4o","messages":[{"role":"user","content":"Hello"}]}`,
	ResponseBody: `{"choices":[{"message":{"content":"Hi there!"}}]}`,
	Timestamp:    "2026-01-15T12:00:00.000Z",
	RequestHash:  "32b417167ac89a4a2469d959dcedebf471e94058668ae4c3dc4c84a8c80fbb02",
	ResponseHash: "018600114fec1d6995a43c74c6c26b97a4f65bd7a8d6afaf55af8fcd9deabfbf",
	Message:      "ioproof:v1:32b417167ac89a4a2469d959dcedebf471e94058668ae4c3dc4c84a8c80fbb02|018600114fec1d6995a43c74c6c26b97a4f65bd7a8d6afaf55af8fcd9deabfbf|2026-01-15T12:00:00.000Z",
	Signature:    "kz5LDmarkNtpwNa4up0Yvb+1+r/C7QIKr7R3WPvDEtdl5TQQp9bj7bG4LvcLRi+Lan1jEv0KugLC6q3ZVbnXCg==",
}
