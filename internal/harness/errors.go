package harness

import (
	"fmt"
	"strings"
	"time"
)

// ReadinessError reports a child process that never became reachable. It
// always carries the captured log tail so a failed spawn is diagnosable
// without re-running.
type ReadinessError struct {
	Command []string
	Elapsed time.Duration
	Tail    []string
	Err     error
}

func (e *ReadinessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "process %q not ready after %s: %v", strings.Join(e.Command, " "), e.Elapsed.Round(time.Millisecond), e.Err)
	if len(e.Tail) > 0 {
		b.WriteString("\n--- process output (tail) ---\n")
		b.WriteString(strings.Join(e.Tail, "\n"))
	}
	return b.String()
}

func (e *ReadinessError) Unwrap() error { return e.Err }
