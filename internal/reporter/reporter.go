// Package reporter turns an execution result into artifacts: a JSON
// record in the run directory and a styled console summary. Reporting is
// best-effort by contract: it accepts whatever result it is given,
// including synthetic failures, and never blocks the run's exit path.
package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/runlog"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	skipStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pendStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	labelStyle  = lipgloss.NewStyle().Width(10).Foreground(lipgloss.Color("245"))
)

// Reporter writes run artifacts and prints the console summary.
type Reporter struct {
	cfg config.Reports
	out io.Writer
	run *runlog.RunContext
}

func New(cfg config.Reports, run *runlog.RunContext, out io.Writer) *Reporter {
	return &Reporter{cfg: cfg, out: out, run: run}
}

// Write persists the result in every configured format and prints the
// summary. Artifact failures are logged and returned but the summary is
// printed regardless: the console is the one report that must not be
// lost.
func (r *Reporter) Write(res *result.ExecutionResult) error {
	var firstErr error
	for _, format := range r.cfg.Formats {
		if err := r.writeFormat(format, res); err != nil {
			log.Warn().Err(err).Str("format", format).Msg("report artifact failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.printSummary(res)
	return firstErr
}

func (r *Reporter) writeFormat(format string, res *result.ExecutionResult) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		return r.writeArtifact("result.json", data)
	case "junit":
		data, err := marshalJUnit(res)
		if err != nil {
			return fmt.Errorf("encoding junit result: %w", err)
		}
		return r.writeArtifact("result.xml", data)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// writeArtifact stores the artifact in the run directory and mirrors it
// into the stable reports directory, which always holds the latest run.
func (r *Reporter) writeArtifact(name string, data []byte) error {
	if err := r.run.WriteArtifact(name, data); err != nil {
		return err
	}
	if r.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(r.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}
	return os.WriteFile(filepath.Join(r.cfg.Dir, name), data, 0644)
}

func (r *Reporter) printSummary(res *result.ExecutionResult) {
	s := res.Summary
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Run Summary"))
	b.WriteString("\n\n")

	b.WriteString(countLine("Features", s.TotalFeatures, s.PassedFeatures, s.FailedFeatures, s.SkippedFeatures, 0))
	b.WriteString(countLine("Scenarios", s.TotalScenarios, s.PassedScenarios, s.FailedScenarios, s.SkippedScenarios, s.PendingScenarios))
	b.WriteString(countLine("Steps", s.TotalSteps, s.PassedSteps, s.FailedSteps, s.SkippedSteps, s.PendingSteps))

	if s.TotalScenarios > 0 {
		pct := float64(s.PassedScenarios) / float64(s.TotalScenarios) * 100
		b.WriteString(fmt.Sprintf("\n%s %.1f%% scenarios passed\n", labelStyle.Render("Pass rate"), pct))
	}
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Duration"), res.Duration.Round(time.Millisecond)))

	for _, e := range res.Errors {
		b.WriteString(failStyle.Render("✗ " + e))
		b.WriteString("\n")
	}

	status := passStyle.Render("PASSED")
	if res.Status == result.Failed {
		status = failStyle.Render("FAILED")
	}
	b.WriteString(fmt.Sprintf("\n%s %s\n", labelStyle.Render("Status"), status))

	fmt.Fprint(r.out, b.String())
}

func countLine(label string, total, passed, failed, skipped, pending int) string {
	parts := []string{passStyle.Render(fmt.Sprintf("%d passed", passed))}
	if failed > 0 {
		parts = append(parts, failStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if skipped > 0 {
		parts = append(parts, skipStyle.Render(fmt.Sprintf("%d skipped", skipped)))
	}
	if pending > 0 {
		parts = append(parts, pendStyle.Render(fmt.Sprintf("%d pending", pending)))
	}
	return fmt.Sprintf("%s %d total, %s\n", labelStyle.Render(label), total, strings.Join(parts, ", "))
}
