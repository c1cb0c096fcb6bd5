package harness

import "sync"

const defaultTailLines = 100

// lineTail is a bounded line buffer: the drain goroutine appends, the main
// flow snapshots after the child has stopped or failed. The cap keeps a
// noisy or hung child from growing harness memory without bound.
type lineTail struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newLineTail(limit int) *lineTail {
	if limit <= 0 {
		limit = defaultTailLines
	}
	return &lineTail{limit: limit}
}

func (t *lineTail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *lineTail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
