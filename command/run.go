package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pomelotool/pomelo/internal/browser"
	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/loader"
	"github.com/pomelotool/pomelo/internal/reporter"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/runlog"
	"github.com/pomelotool/pomelo/internal/runner"
	"github.com/pomelotool/pomelo/internal/stepdef"
	"github.com/pomelotool/pomelo/internal/steps"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the test suite",
	Description: `Discover feature files, load the step libraries they need, and execute
every matching scenario. Configuration comes from pomelo.yml; flags
override individual settings for this invocation.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Value:   "pomelo.yml",
			Usage:   "path to configuration file",
		},
		&cli.StringSliceFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "feature file or directory (repeatable, overrides config)",
		},
		&cli.StringFlag{
			Name:    "tags",
			Aliases: []string{"t"},
			Usage:   "tag expression, e.g. '@smoke and not @slow'",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "regular expression over feature names",
		},
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "regular expression over scenario names",
		},
		&cli.BoolFlag{
			Name:  "fail-fast",
			Usage: "stop after the first failing scenario",
		},
		&cli.StringFlag{
			Name:  "strategy",
			Usage: "browser strategy: reuse-browser or new-per-scenario",
		},
		&cli.StringFlag{
			Name:  "cdp-url",
			Usage: "connect to an already-running browser instead of launching one",
		},
		&cli.BoolFlag{
			Name:  "no-upload",
			Usage: "skip uploading results even if configured",
		},
	},
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := loadRunConfig(c)
	if err != nil {
		return initFailure(os.Stdout, err)
	}

	run, err := runlog.New()
	if err != nil {
		return initFailure(os.Stdout, fmt.Errorf("preparing run directory: %w", err))
	}
	log.Info().Str("run", run.ID).Str("dir", run.Dir).Msg("run starting")

	registry := stepdef.NewRegistry()
	session := browser.NewSession()
	lifecycle := browser.NewLifecycle(session, func() string { return cfg.Browser.Strategy })
	manager := browser.NewManager(func() config.Browser { return cfg.Browser })

	dbLib := steps.NewDatabaseLibrary(cfg.Database)
	defer dbLib.Close()

	entries := manifest(cfg,
		steps.NewBrowserLibrary(manager, session, lifecycle),
		steps.NewAPILibrary(cfg.API),
		dbLib,
	)
	ld := loader.New(registry, entries, filepath.Join(".pomelo", "cache"), cfg.Steps.IndexCacheEnabled())

	rep := reporter.New(cfg.Reports, run, os.Stdout)
	upload := cfg.Upload
	if c.Bool("no-upload") {
		upload.Enabled = false
	}

	executor := runner.NewExecutor(registry, lifecycle,
		func() string { return cfg.Browser.Strategy }, cfg.Settings.StepTimeout)

	orch := runner.New(cfg, registry, ld, manager, executor, rep, reporter.NewUploader(upload))

	ctx, stop := context.WithCancel(c.Context)
	defer stop()
	go handleSignals(orch, stop)

	code := orch.Execute(ctx)
	defer run.Cleanup()

	if code != runner.ExitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// initFailure handles a run that broke before the orchestrator could
// start. The synthetic-failure summary is still printed so even a config
// or run-directory crash leaves visible output, and the process exits
// with the initialization code.
func initFailure(out io.Writer, err error) error {
	log.Error().Err(err).Msg("initialization failed")

	res := result.SyntheticFailure(time.Now(), err)
	if werr := reporter.New(config.Reports{}, nil, out).Write(res); werr != nil {
		log.Warn().Err(werr).Msg("writing failure summary failed")
	}
	return cli.Exit("", runner.ExitInitFailure)
}

// loadRunConfig reads pomelo.yml and applies flag overrides. A missing
// file at the default location falls back to defaults; an explicit
// --config pointing nowhere is an error.
func loadRunConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")

	var cfg *config.Config
	if _, err := os.Stat(path); err != nil {
		if c.IsSet("config") {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("no config file, using defaults")
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if paths := c.StringSlice("path"); len(paths) > 0 {
		cfg.Features.Paths = paths
	}
	if c.IsSet("tags") {
		cfg.Features.Tags = c.String("tags")
	}
	if c.IsSet("name") {
		cfg.Features.Name = c.String("name")
	}
	if c.IsSet("scenario") {
		cfg.Features.Scenario = c.String("scenario")
	}
	if c.IsSet("fail-fast") {
		cfg.Settings.FailFast = c.Bool("fail-fast")
	}
	if c.IsSet("strategy") {
		cfg.Browser.Strategy = c.String("strategy")
	}
	if c.IsSet("cdp-url") {
		cfg.Browser.CDPURL = c.String("cdp-url")
	}

	switch cfg.Browser.Strategy {
	case config.StrategyReuseBrowser, config.StrategyNewPerScenario:
	default:
		return nil, fmt.Errorf("invalid browser strategy: %s", cfg.Browser.Strategy)
	}
	return cfg, nil
}

// manifest builds the loader entries, marking libraries named in the
// config's common list as always-load.
func manifest(cfg *config.Config, libs ...steps.Library) []loader.Entry {
	common := make(map[string]bool, len(cfg.Steps.Common))
	for _, name := range cfg.Steps.Common {
		common[name] = true
	}

	entries := make([]loader.Entry, 0, len(libs))
	for _, lib := range libs {
		entries = append(entries, loader.Entry{
			Library: lib,
			Common:  common[lib.Name()] || common[filepath.Base(lib.Name())],
		})
	}
	return entries
}

// handleSignals aborts gracefully on the first interrupt and exits hard
// on the second.
func handleSignals(orch *runner.Orchestrator, stop context.CancelFunc) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	<-ch
	log.Warn().Msg("interrupt received, finishing current scenario")
	orch.Abort()

	<-ch
	log.Error().Msg("second interrupt, exiting immediately")
	stop()
	os.Exit(runner.ExitTestFailure)
}
