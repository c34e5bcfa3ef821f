// Package runner orchestrates a full run: discovery, step loading,
// browser initialization, scenario execution, reporting, upload, and
// cleanup. Reporting always happens, whichever phase failed; a run that
// crashes during initialization still produces a result record.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/feature"
	"github.com/pomelotool/pomelo/internal/plan"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

// State of the orchestrator. Transitions only move forward:
// idle → initializing → running → stopped|error.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Process exit codes.
const (
	ExitSuccess          = 0
	ExitTestFailure      = 1
	ExitInitFailure      = 3
	ExitDiscoveryFailure = 4
)

// Orchestrator drives a single run. It is single-use: Execute may be
// called once, and the orchestrator ends in stopped or error.
type Orchestrator struct {
	cfg      *config.Config
	registry *stepdef.Registry
	loader   StepLoader
	browser  BrowserManager
	executor ScenarioExecutor
	reporter ReportSink
	uploader ResultUploader

	mu    sync.Mutex
	state State
	abort atomic.Bool
}

func New(cfg *config.Config, registry *stepdef.Registry, ld StepLoader, bm BrowserManager, ex ScenarioExecutor, rep ReportSink, up ResultUploader) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		loader:   ld,
		browser:  bm,
		executor: ex,
		reporter: rep,
		uploader: up,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	log.Debug().Str("state", string(s)).Msg("orchestrator state changed")
}

// Abort requests a graceful stop. The flag is honored at feature
// boundaries only; the in-flight feature's scenarios complete.
func (o *Orchestrator) Abort() {
	o.abort.Store(true)
}

// Execute runs the full pipeline and returns the process exit code.
// Whatever fails, a report is written before returning.
func (o *Orchestrator) Execute(ctx context.Context) int {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		log.Error().Str("state", string(o.state)).Msg("orchestrator is single-use")
		return ExitInitFailure
	}
	o.state = StateInitializing
	o.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Settings.Timeout)
	defer cancel()
	defer o.cleanup(ctx)

	// Discovery: feature files, parsed features, execution plan.
	features, err := o.discover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("discovery failed")
		return o.fail(ctx, start, err, ExitDiscoveryFailure)
	}

	pl, err := plan.Build(features, plan.Filter{
		Tags:     o.cfg.Features.Tags,
		Name:     o.cfg.Features.Name,
		Scenario: o.cfg.Features.Scenario,
	})
	if err != nil {
		return o.fail(ctx, start, err, ExitDiscoveryFailure)
	}

	// Initialization: step libraries by need, then the browser only if the
	// plan's steps require one.
	files := featureURIs(pl.Features)
	if err := o.loader.Initialize(files); err != nil {
		return o.fail(ctx, start, err, ExitInitFailure)
	}
	o.registry.Lock()

	if o.loader.Capabilities().UI {
		if err := o.browser.Initialize(ctx); err != nil {
			return o.fail(ctx, start, fmt.Errorf("initializing browser: %w", err), ExitInitFailure)
		}
	}

	if err := o.runGlobalHooks(ctx, stepdef.BeforeAll); err != nil {
		return o.fail(ctx, start, fmt.Errorf("before-all hook: %w", err), ExitInitFailure)
	}

	o.setState(StateRunning)
	res := o.execute(ctx, pl)
	res.Finalize()

	o.report(ctx, res)

	if res.Status == result.Failed {
		o.setState(StateStopped)
		return ExitTestFailure
	}
	o.setState(StateStopped)
	return ExitSuccess
}

// discover finds and parses feature files under the parse timeout. A slow
// parse is a discovery failure, not a hang.
func (o *Orchestrator) discover(ctx context.Context) ([]*feature.Feature, error) {
	files, err := feature.Discover(o.cfg.Features.Paths)
	if err != nil {
		return nil, err
	}

	parseCtx, cancel := context.WithTimeout(ctx, o.cfg.Settings.ParseTimeout)
	defer cancel()

	type parsed struct {
		features []*feature.Feature
		err      error
	}
	done := make(chan parsed, 1)
	go func() {
		fs, err := feature.ParseAll(files)
		done <- parsed{fs, err}
	}()

	select {
	case p := <-done:
		return p.features, p.err
	case <-parseCtx.Done():
		return nil, fmt.Errorf("parsing features: %w", parseCtx.Err())
	}
}

// execute runs every planned scenario. Abort and cancellation are
// honored at feature boundaries only, so the in-flight feature finishes;
// fail-fast stops at the failing scenario since it is a configured
// contract, not a cancellation. A panic anywhere in execution is
// converted into a run error so the report phase still runs.
func (o *Orchestrator) execute(ctx context.Context, pl *plan.Plan) (res *result.ExecutionResult) {
	res = result.New()
	defer func() {
		if r := recover(); r != nil {
			res.AddError(fmt.Errorf("execution panicked: %v", r))
		}
	}()

	if pl.TotalScenarios == 0 {
		log.Warn().Msg("no scenarios matched the filters")
		return res
	}

	stop := false
	for _, ft := range pl.Features {
		if stop || o.halted(ctx) {
			break
		}

		fstart := time.Now()
		fr := result.FeatureResult{Name: ft.Name, URI: ft.URI}
		for _, sc := range ft.Scenarios {
			sr := o.executor.Execute(ctx, sc, ft.Tags)
			fr.Scenarios = append(fr.Scenarios, sr)

			if sr.Status == result.Failed && o.cfg.Settings.FailFast {
				log.Warn().Str("scenario", sc.Name).Msg("stopping on first failure")
				stop = true
				break
			}
		}
		fr.Status = result.RollupFeature(fr.Scenarios)
		fr.Duration = time.Since(fstart)
		res.AppendFeature(fr)
	}

	if o.abort.Load() {
		res.AddError(fmt.Errorf("run aborted"))
	}
	if ctx.Err() != nil {
		res.AddError(fmt.Errorf("run cancelled: %w", ctx.Err()))
	}
	return res
}

func (o *Orchestrator) halted(ctx context.Context) bool {
	return o.abort.Load() || ctx.Err() != nil
}

// fail reports a synthetic result for a run that broke before producing
// per-test results, then returns the given exit code.
func (o *Orchestrator) fail(ctx context.Context, start time.Time, err error, code int) int {
	res := result.SyntheticFailure(start, err)
	o.report(ctx, res)
	o.setState(StateError)
	return code
}

// report writes artifacts and uploads. Neither outcome changes the exit
// code: reporting problems are logged, upload is best-effort by contract.
func (o *Orchestrator) report(ctx context.Context, res *result.ExecutionResult) {
	if err := o.reporter.Write(res); err != nil {
		log.Warn().Err(err).Msg("writing report failed")
	}
	if o.uploader != nil && o.uploader.Enabled() {
		if err := o.uploader.Upload(ctx, res); err != nil {
			log.Warn().Err(err).Msg("uploading results failed")
		}
	}
}

func (o *Orchestrator) runGlobalHooks(ctx context.Context, t stepdef.HookType) error {
	for _, h := range o.registry.GetHooks(t) {
		if err := h.Handler(ctx); err != nil {
			return err
		}
	}
	return nil
}

// cleanup runs global AfterAll hooks and releases run resources. It
// never fails the run; errors here are logged and swallowed, and they
// do not touch the result or the exit code.
func (o *Orchestrator) cleanup(ctx context.Context) {
	if err := o.runGlobalHooks(ctx, stepdef.AfterAll); err != nil {
		log.Warn().Err(err).Msg("after-all hook failed")
	}
	if o.browser != nil {
		if err := o.browser.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("closing browser failed")
		}
	}
	o.registry.Unlock()
	o.loader.Reset()
}

func featureURIs(features []*feature.Feature) []string {
	uris := make([]string, 0, len(features))
	for _, f := range features {
		uris = append(uris, f.URI)
	}
	return uris
}
