package mockapi

// CapturedRequest is what the scenario driver inspects after an exchange:
// the path hit, the headers as seen, the parsed body (empty when absent or
// malformed) and whether the request negotiated streaming.
type CapturedRequest struct {
	Path        string
	Headers     map[string]string
	Body        map[string]any
	WantsStream bool
}

// AuthHeader returns the raw Authorization value the mock observed.
func (c *CapturedRequest) AuthHeader() string {
	if c == nil {
		return ""
	}
	return c.Headers["Authorization"]
}
