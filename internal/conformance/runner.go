// Package conformance drives the proxy under test through its externally
// observable behaviors: it stands up a mock upstream per scenario, spawns
// the proxy wired to it, issues requests, and asserts on the responses and
// on what the mock captured.
package conformance

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labiium/chat2response-harness/internal/harness"
	"github.com/labiium/chat2response-harness/internal/logging"
	"github.com/labiium/chat2response-harness/internal/mockapi"
)

type Runner struct {
	opts Options

	runID  string
	runDir string

	warnings []string
	results  []caseResult
}

type caseDef struct {
	ID string
	// NeedsProxy lets proxy-less cases run even when no proxy command is
	// configured.
	NeedsProxy bool
	Run        func(context.Context, *caseContext) error
}

type caseResult struct {
	CaseID       string            `json:"case_id"`
	Passed       bool              `json:"passed"`
	Skipped      bool              `json:"skipped,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	StatusCodes  []int             `json:"status_codes"`
	Error        string            `json:"error,omitempty"`
	ArtifactPath string            `json:"artifact_path"`
	Assertions   []assertionResult `json:"assertions"`
}

type assertionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type caseContext struct {
	runner    *Runner
	id        string
	dir       string
	startedAt time.Time

	mu         sync.Mutex
	seq        int
	assertions []assertionResult
	requests   []requestLog
	responses  []responseLog
	streamRaw  strings.Builder

	cleanups []func()
}

// Run executes every scenario and writes the run summary. It returns a
// *ConfigError for pre-flight faults and a plain error when cases failed.
func Run(ctx context.Context, opts Options) error {
	r, err := newRunner(opts)
	if err != nil {
		return err
	}
	start := time.Now()

	if err := r.prepareRunDir(); err != nil {
		return &ConfigError{Reason: "prepare output dir", Err: err}
	}

	for _, c := range r.cases() {
		r.runCase(ctx, c)
	}

	end := time.Now()
	if err := r.writeSummary(start, end); err != nil {
		return err
	}
	if err := r.pruneOldRuns(); err != nil {
		r.warnings = append(r.warnings, "prune old runs: "+err.Error())
	}

	failed := 0
	for _, cs := range r.results {
		if !cs.Passed && !cs.Skipped {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("conformance failed: %d case(s) failed, see %s", failed, filepath.Join(r.runDir, "summary.md"))
	}
	return nil
}

func newRunner(opts Options) (*Runner, error) {
	if strings.TrimSpace(opts.OutputDir) == "" {
		opts.OutputDir = "artifacts/conformance"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	if len(opts.ProxyCmd) > 0 {
		if _, err := exec.LookPath(opts.ProxyCmd[0]); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("proxy command %q not found", opts.ProxyCmd[0]), Err: err}
		}
	}
	return &Runner{
		opts:  opts,
		runID: time.Now().UTC().Format("20060102T150405Z"),
	}, nil
}

func (r *Runner) prepareRunDir() error {
	r.runDir = filepath.Join(r.opts.OutputDir, r.runID)
	if err := os.MkdirAll(filepath.Join(r.runDir, "cases"), 0o755); err != nil {
		return err
	}
	return nil
}

// pruneOldRuns keeps the most recent MaxKeepRuns directories. Run IDs use
// the format "20060102T150405Z", so alphabetical order == chronological.
func (r *Runner) pruneOldRuns() error {
	keep := r.opts.MaxKeepRuns
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(r.opts.OutputDir)
	if err != nil {
		return err
	}
	var runDirs []string
	for _, e := range entries {
		if e.IsDir() {
			runDirs = append(runDirs, e.Name())
		}
	}
	if len(runDirs) <= keep {
		return nil
	}
	for _, name := range runDirs[:len(runDirs)-keep] {
		if err := os.RemoveAll(filepath.Join(r.opts.OutputDir, name)); err != nil {
			return err
		}
		logging.Logger.Info("pruned old run", "run_id", name)
	}
	return nil
}

func (r *Runner) runCase(ctx context.Context, c caseDef) {
	caseDir := filepath.Join(r.runDir, "cases", c.ID)
	_ = os.MkdirAll(caseDir, 0o755)
	cc := &caseContext{
		runner:    r,
		id:        c.ID,
		dir:       caseDir,
		startedAt: time.Now(),
	}

	if c.NeedsProxy && len(r.opts.ProxyCmd) == 0 {
		r.results = append(r.results, caseResult{
			CaseID:       c.ID,
			Passed:       true,
			Skipped:      true,
			ArtifactPath: caseDir,
		})
		logging.Logger.Warn("skipping case, no proxy command configured", "case", c.ID)
		return
	}

	logging.Logger.Info("running case", "case", c.ID)
	err := c.Run(ctx, cc)
	cc.runCleanups()
	duration := time.Since(cc.startedAt).Milliseconds()

	if err != nil {
		cc.assertions = append(cc.assertions, assertionResult{
			Name:   "case_error",
			Passed: false,
			Detail: err.Error(),
		})
	}
	passed := err == nil
	for _, a := range cc.assertions {
		if !a.Passed {
			passed = false
			break
		}
	}

	cs := caseResult{
		CaseID:       c.ID,
		Passed:       passed,
		DurationMS:   duration,
		StatusCodes:  uniqueStatusCodes(cc.responses),
		ArtifactPath: caseDir,
		Assertions:   cc.assertions,
	}
	if err != nil {
		cs.Error = err.Error()
	}
	_ = cc.flushArtifacts(cs)
	r.results = append(r.results, cs)
}

func (cc *caseContext) assert(name string, ok bool, detail string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.assertions = append(cc.assertions, assertionResult{Name: name, Passed: ok, Detail: detail})
}

func (cc *caseContext) onCleanup(fn func()) {
	cc.cleanups = append(cc.cleanups, fn)
}

func (cc *caseContext) runCleanups() {
	for i := len(cc.cleanups) - 1; i >= 0; i-- {
		cc.cleanups[i]()
	}
	cc.cleanups = nil
}

// startMock stands up a mock upstream with the given behavior and tears it
// down when the case ends.
func (cc *caseContext) startMock(cfg mockapi.Config) (*mockapi.Server, error) {
	mock := mockapi.NewServer(cfg)
	if err := mock.Start(); err != nil {
		return nil, err
	}
	cc.onCleanup(func() { _ = mock.Close() })
	return mock, nil
}

// spawnProxy launches the subject-under-test wired to the mock upstream.
// extraVars land in the proxy's private dotenv on top of the defaults.
func (cc *caseContext) spawnProxy(ctx context.Context, mock *mockapi.Server, extraVars map[string]string) (*harness.Proc, error) {
	vars := map[string]string{
		"OPENAI_BASE_URL": mock.URL("/v1"),
		"LOG_LEVEL":       "info",
	}
	for k, v := range extraVars {
		vars[k] = v
	}
	proc, err := harness.Spawn(ctx, harness.SpawnOptions{
		Command:      cc.runner.opts.ProxyCmd,
		ConfigVars:   vars,
		ReadyPath:    "/status",
		ReadyTimeout: cc.runner.opts.ReadyTimeout,
	})
	if err != nil {
		return nil, err
	}
	cc.onCleanup(func() {
		tail := proc.LogTail()
		if len(tail) > 0 {
			_ = os.WriteFile(filepath.Join(cc.dir, "proxy_tail.log"), []byte(strings.Join(tail, "\n")+"\n"), 0o644)
		}
		_ = proc.Terminate(10 * time.Second)
	})
	return proc, nil
}

func uniqueStatusCodes(in []responseLog) []int {
	set := map[int]struct{}{}
	for _, it := range in {
		if it.StatusCode > 0 {
			set[it.StatusCode] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for code := range set {
		out = append(out, code)
	}
	sortInts(out)
	return out
}
