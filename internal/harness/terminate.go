package harness

import (
	"context"
	"os"
	"time"

	"github.com/labiium/chat2response-harness/internal/logging"
)

// Terminate asks the child to shut down gracefully and escalates to a
// forced kill if it has not exited within timeout. Calling it on an
// already-exited process is a no-op beyond resource cleanup.
func (p *Proc) Terminate(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	defer p.cleanup()

	if p.exited() {
		p.setState(StateTerminated)
		return nil
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is not deliverable on every platform; skip straight
		// to the hard stop.
		_ = p.cmd.Process.Kill()
	}

	err := PollUntil(context.Background(), 100*time.Millisecond, timeout, p.exited)
	if err != nil {
		logging.Logger.Warn("graceful shutdown timed out, killing", "pid", p.PID())
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	p.setState(StateTerminated)
	return nil
}

func (p *Proc) cleanup() {
	if p.dir != "" {
		_ = os.RemoveAll(p.dir)
		p.dir = ""
	}
}
