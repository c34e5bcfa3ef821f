// Package command wires the CLI surface: run, steps, init, version.
package command

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/pomelotool/pomelo/internal/version"
)

func Run(args []string) error {
	app := &cli.App{
		Name:    "pomelo",
		Usage:   "Behavior-driven browser test automation",
		Version: version.Version,
		Description: `Pomelo runs Gherkin feature files against a real browser over the
DevTools protocol, plus HTTP APIs and SQL databases, with step
definitions loaded on demand. Configure everything in pomelo.yml.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Aliases: []string{"e"},
				Usage:   "environment variable file to load before reading config",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.Bool("verbose"))
			if envFile := c.String("env-file"); envFile != "" {
				return godotenv.Load(envFile)
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand,
			runCommand,
			stepsCommand,
			versionCommand,
		},
	}

	return app.Run(args)
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}
