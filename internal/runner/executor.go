package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/feature"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

// ObjectCache is what the executor needs from the page-object lifecycle.
type ObjectCache interface {
	DiscardAll()
}

// Executor runs one scenario at a time: Before hooks, each step resolved
// against the registry with its timeout, After hooks, then the page-object
// boundary policy.
type Executor struct {
	registry    *stepdef.Registry
	cache       ObjectCache
	strategy    func() string
	stepTimeout time.Duration
}

func NewExecutor(registry *stepdef.Registry, cache ObjectCache, strategy func() string, stepTimeout time.Duration) *Executor {
	return &Executor{
		registry:    registry,
		cache:       cache,
		strategy:    strategy,
		stepTimeout: stepTimeout,
	}
}

// Execute runs a single scenario and returns its result. Hook and step
// failures are captured in the result, never returned: a broken scenario
// is data for the report, not an execution error.
func (e *Executor) Execute(ctx context.Context, sc *feature.Scenario, featureTags []string) result.ScenarioResult {
	start := time.Now()
	tags := combineTags(featureTags, sc.Tags)
	res := result.ScenarioResult{Name: sc.Name, Tags: tags}

	log.Debug().Str("scenario", sc.Name).Strs("tags", tags).Msg("scenario starting")

	failed := false
	if err := e.runHooks(ctx, stepdef.Before, tags); err != nil {
		res.Error = fmt.Sprintf("before hook: %v", err)
		failed = true
	}

	for _, step := range sc.Steps {
		sr := result.StepResult{Text: step.Text, Status: result.Skipped}
		if !failed {
			sr = e.runStep(ctx, step, tags)
			if sr.Status == result.Failed {
				failed = true
			}
		}
		res.Steps = append(res.Steps, sr)
	}

	// After hooks run even for failed scenarios so resources registered in
	// Before hooks are always released.
	if err := e.runHooks(ctx, stepdef.After, tags); err != nil {
		if res.Error == "" {
			res.Error = fmt.Sprintf("after hook: %v", err)
		}
		failed = true
	}

	if e.strategy() == config.StrategyNewPerScenario {
		e.cache.DiscardAll()
	}

	res.Status = result.RollupScenario(res.Steps)
	if failed && res.Status != result.Failed {
		res.Status = result.Failed
	}
	res.Duration = time.Since(start)
	return res
}

// runStep resolves and executes one step. Unmatched text is pending, not
// failed: the suite author gets a report of what needs a definition.
func (e *Executor) runStep(ctx context.Context, step *feature.Step, tags []string) result.StepResult {
	start := time.Now()
	sr := result.StepResult{Text: step.Text}

	match, err := e.registry.Find(step.Text)
	if err != nil {
		if errors.Is(err, stepdef.ErrNoMatchingStep) {
			sr.Status = result.Pending
			sr.Error = err.Error()
		} else {
			sr.Status = result.Failed
			sr.Error = err.Error()
		}
		sr.Duration = time.Since(start)
		return sr
	}

	if err := e.runHooks(ctx, stepdef.BeforeStep, tags); err != nil {
		sr.Status = result.Failed
		sr.Error = fmt.Sprintf("before-step hook: %v", err)
		sr.Duration = time.Since(start)
		return sr
	}

	timeout := match.Definition.Timeout
	if timeout == 0 {
		timeout = e.stepTimeout
	}
	err = e.invoke(ctx, timeout, match)

	if hookErr := e.runHooks(ctx, stepdef.AfterStep, tags); hookErr != nil && err == nil {
		err = fmt.Errorf("after-step hook: %w", hookErr)
	}

	if err != nil {
		sr.Status = result.Failed
		sr.Error = err.Error()
	} else {
		sr.Status = result.Passed
	}
	sr.Duration = time.Since(start)
	return sr
}

// invoke runs the handler under its timeout, converting panics to errors
// so one bad step cannot take down the run.
func (e *Executor) invoke(ctx context.Context, timeout time.Duration, match *stepdef.StepMatch) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("step panicked: %v", r)
			}
		}()
		done <- match.Definition.Handler(stepCtx, match.Parameters...)
	}()

	select {
	case err := <-done:
		return err
	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("step timed out after %s", timeout)
		}
		return stepCtx.Err()
	}
}

func (e *Executor) runHooks(ctx context.Context, t stepdef.HookType, tags []string) error {
	for _, h := range e.registry.GetHooks(t, tags...) {
		hookCtx := ctx
		cancel := func() {}
		if h.Timeout > 0 {
			hookCtx, cancel = context.WithTimeout(ctx, h.Timeout)
		}
		err := h.Handler(hookCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func combineTags(featureTags, scenarioTags []string) []string {
	seen := make(map[string]struct{}, len(featureTags)+len(scenarioTags))
	var out []string
	for _, t := range append(append([]string{}, featureTags...), scenarioTags...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
