package conformance

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Options struct {
	// ProxyCmd launches the subject-under-test, e.g.
	// {"chat2response"} or {"cargo", "run", "--bin", "chat2response"}.
	ProxyCmd []string

	// OutputDir receives one artifact directory per run.
	OutputDir string

	// Timeout bounds each scenario HTTP request.
	Timeout time.Duration

	// Retries re-sends a scenario request on network errors or 5xx.
	Retries int

	// ReadyTimeout bounds how long a spawned proxy may take to answer
	// its readiness probe.
	ReadyTimeout time.Duration

	// MaxKeepRuns prunes older run directories; <= 0 keeps everything.
	MaxKeepRuns int
}

func DefaultOptions() Options {
	return Options{
		ProxyCmd:     splitCommand(os.Getenv("C2R_PROXY_CMD")),
		OutputDir:    "artifacts/conformance",
		Timeout:      30 * time.Second,
		Retries:      2,
		ReadyTimeout: 60 * time.Second,
		MaxKeepRuns:  5,
	}
}

func splitCommand(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// ConfigError marks a failure that happened before any scenario ran:
// missing proxy command, unusable output directory and the like. Runners
// map it to exit code 2, distinct from scenario failures.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }
