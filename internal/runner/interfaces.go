package runner

import (
	"context"

	"github.com/pomelotool/pomelo/internal/feature"
	"github.com/pomelotool/pomelo/internal/loader"
	"github.com/pomelotool/pomelo/internal/result"
)

// Collaborator contracts. The orchestrator depends on these rather than
// the concrete packages so tests can substitute fakes.

// BrowserManager owns the browser under automation.
type BrowserManager interface {
	Initialize(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	Close(ctx context.Context) error
}

// StepLoader activates the step libraries a run needs.
type StepLoader interface {
	Initialize(featureFiles []string) error
	Capabilities() loader.Capabilities
	Reset()
}

// ScenarioExecutor runs a single scenario to completion.
type ScenarioExecutor interface {
	Execute(ctx context.Context, sc *feature.Scenario, featureTags []string) result.ScenarioResult
}

// ReportSink persists and displays a run's result.
type ReportSink interface {
	Write(res *result.ExecutionResult) error
}

// ResultUploader pushes the result record to an external service.
type ResultUploader interface {
	Enabled() bool
	Upload(ctx context.Context, res *result.ExecutionResult) error
}
