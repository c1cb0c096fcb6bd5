package mockapi

import "time"

// CapturePolicy controls when an inbound request lands in the last-request
// slot relative to the auth check. The upstream emulations this mock stands
// in for disagreed on the ordering, so it is an explicit per-instance
// choice rather than an accident of handler layout.
type CapturePolicy int

const (
	// CaptureAlways records the request before any check runs; rejected
	// requests are still observable.
	CaptureAlways CapturePolicy = iota
	// CaptureAfterAuth records only requests that passed the auth gate.
	CaptureAfterAuth
)

// Config fixes a mock server's behavior for its whole lifetime. It is read
// on every request and never mutated after NewServer.
type Config struct {
	// RequireAuth demands Authorization: Bearer <token>. With APIKey set
	// the token must match exactly; otherwise any non-empty token passes.
	RequireAuth bool
	APIKey      string

	// ForceSSE streams the reply regardless of what the request asked for.
	ForceSSE bool

	// RequireInput rejects bodies without a top-level string "input" with
	// 400, modeling an upstream that wants a different payload shape and
	// forces the caller to retry. The mock never retries anything itself.
	RequireInput bool

	// SSEChunks is the delta fragment count; <= 0 still emits one delta.
	SSEChunks int
	SSEDelay  time.Duration

	// JSONDelay postpones non-streaming replies, for client timeout tests.
	JSONDelay time.Duration

	// ChunkedFraming switches the stream reply to explicit chunked
	// transfer framing over a hijacked connection.
	ChunkedFraming bool

	CapturePolicy CapturePolicy
}
