package conformance

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

type runSummary struct {
	RunID       string         `json:"run_id"`
	StartedAt   string         `json:"started_at"`
	EndedAt     string         `json:"ended_at"`
	DurationMS  int64          `json:"duration_ms"`
	Stats       map[string]any `json:"stats"`
	Environment map[string]any `json:"environment"`
	Cases       []caseResult   `json:"cases"`
	Warnings    []string       `json:"warnings,omitempty"`
}

func (cc *caseContext) flushArtifacts(cs caseResult) error {
	if err := writeJSONFile(filepath.Join(cc.dir, "requests.json"), cc.requests); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(cc.dir, "responses.json"), cc.responses); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(cc.dir, "assertions.json"), cc.assertions); err != nil {
		return err
	}
	if cc.streamRaw.Len() > 0 {
		if err := os.WriteFile(filepath.Join(cc.dir, "stream.raw"), []byte(cc.streamRaw.String()), 0o644); err != nil {
			return err
		}
	}
	meta := map[string]any{
		"case_id":       cs.CaseID,
		"status":        map[bool]string{true: "passed", false: "failed"}[cs.Passed],
		"duration_ms":   cs.DurationMS,
		"status_codes":  cs.StatusCodes,
		"artifact_path": cs.ArtifactPath,
	}
	return writeJSONFile(filepath.Join(cc.dir, "meta.json"), meta)
}

func (r *Runner) writeSummary(start, end time.Time) error {
	passed, failed, skipped := 0, 0, 0
	for _, cs := range r.results {
		switch {
		case cs.Skipped:
			skipped++
		case cs.Passed:
			passed++
		default:
			failed++
		}
	}
	summary := runSummary{
		RunID:      r.runID,
		StartedAt:  start.Format(time.RFC3339Nano),
		EndedAt:    end.Format(time.RFC3339Nano),
		DurationMS: end.Sub(start).Milliseconds(),
		Stats: map[string]any{
			"total":   len(r.results),
			"passed":  passed,
			"failed":  failed,
			"skipped": skipped,
		},
		Environment: map[string]any{
			"go_version":      runtime.Version(),
			"os":              runtime.GOOS,
			"arch":            runtime.GOARCH,
			"proxy_cmd":       strings.Join(r.opts.ProxyCmd, " "),
			"retries":         r.opts.Retries,
			"timeout_seconds": int(r.opts.Timeout.Seconds()),
		},
		Cases:    r.results,
		Warnings: r.warnings,
	}
	if err := writeJSONFile(filepath.Join(r.runDir, "summary.json"), summary); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.runDir, "summary.md"), []byte(r.summaryMarkdown(summary)), 0o644)
}

func (r *Runner) summaryMarkdown(s runSummary) string {
	var b strings.Builder
	b.WriteString("# Conformance Run Summary\n\n")
	fmt.Fprintf(&b, "- Run ID: `%s`\n", s.RunID)
	fmt.Fprintf(&b, "- Started: `%s`\n", s.StartedAt)
	fmt.Fprintf(&b, "- Duration: `%d ms`\n", s.DurationMS)
	fmt.Fprintf(&b, "- Passed/Failed/Skipped: `%v/%v/%v`\n\n",
		s.Stats["passed"], s.Stats["failed"], s.Stats["skipped"])
	if len(s.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range s.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Failed Cases\n\n")
	hasFailed := false
	for _, c := range s.Cases {
		if c.Passed || c.Skipped {
			continue
		}
		hasFailed = true
		fmt.Fprintf(&b, "- `%s`: %s\n", c.CaseID, c.Error)
		fmt.Fprintf(&b, "  - artifact: `%s`\n", c.ArtifactPath)
	}
	if !hasFailed {
		b.WriteString("- none\n")
	}
	b.WriteString("\n## Case Table\n\n")
	b.WriteString("| case_id | status | duration_ms | statuses |\n")
	b.WriteString("|---|---:|---:|---|\n")
	for _, c := range s.Cases {
		status := "PASS"
		switch {
		case c.Skipped:
			status = "SKIP"
		case !c.Passed:
			status = "FAIL"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %v |\n", c.CaseID, status, c.DurationMS, c.StatusCodes)
	}
	return b.String()
}
