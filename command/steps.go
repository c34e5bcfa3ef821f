package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/steps"
)

var stepsCommand = &cli.Command{
	Name:  "steps",
	Usage: "List available Gherkin steps",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "filter",
			Aliases: []string{"f"},
			Usage:   "Filter steps by keyword",
		},
		&cli.StringFlag{
			Name:    "category",
			Aliases: []string{"t"},
			Usage:   "Filter by category (browser, api, database)",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Output in JSON format",
		},
	},
	Action: runSteps,
}

func runSteps(c *cli.Context) error {
	filter := strings.ToLower(c.String("filter"))
	categoryFilter := strings.ToLower(c.String("category"))

	var filtered []steps.Category
	for _, cat := range builtinCategories() {
		if categoryFilter != "" && !strings.HasPrefix(strings.ToLower(cat.Name), categoryFilter) {
			continue
		}

		var matching []steps.Def
		for _, def := range cat.Steps {
			if filter != "" &&
				!strings.Contains(strings.ToLower(def.Description), filter) &&
				!strings.Contains(strings.ToLower(def.Pattern), filter) {
				continue
			}
			matching = append(matching, def)
		}
		if len(matching) == 0 {
			continue
		}

		filtered = append(filtered, steps.Category{
			Name:        cat.Name,
			Description: cat.Description,
			Steps:       matching,
		})
	}

	if c.Bool("json") {
		out, err := json.MarshalIndent(filtered, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding steps: %w", err)
		}
		fmt.Println(string(out))
		return nil
	}

	for _, cat := range filtered {
		fmt.Printf("\n%s\n", subtitleStyle.Render(cat.Name))
		fmt.Printf("%s\n\n", helpStyle.Render(cat.Description))
		for _, def := range cat.Steps {
			fmt.Printf("  %s\n", def.Description)
			fmt.Printf("  %s\n", selectedStyle.Render(def.Pattern))
			if def.Example != "" {
				fmt.Printf("  %s\n", helpStyle.Render("Example: "+def.Example))
			}
			fmt.Println()
		}
	}
	return nil
}

// builtinCategories instantiates the libraries with empty wiring just for
// their metadata; no step is ever invoked from here.
func builtinCategories() []steps.Category {
	cfg := config.Default()
	return []steps.Category{
		steps.NewBrowserLibrary(nil, nil, nil).Category(),
		steps.NewAPILibrary(cfg.API).Category(),
		steps.NewDatabaseLibrary(cfg.Database).Category(),
	}
}
