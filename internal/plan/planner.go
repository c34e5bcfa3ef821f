// Package plan filters parsed features and builds the ordered execution
// plan for a run.
package plan

import (
	"fmt"
	"regexp"
	"time"

	tagexpressions "github.com/cucumber/tag-expressions/go/v6"
	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/feature"
)

// estimate per step; only used for the plan's rough duration figure.
const stepEstimate = 500 * time.Millisecond

// Filter narrows which scenarios a run executes. Tags takes a full tag
// expression (for example "@smoke and not @slow"); Name and Scenario are
// regular expressions over feature and scenario names.
type Filter struct {
	Tags     string
	Name     string
	Scenario string
}

// Plan is the ordered list of features to run. Built once per run and
// immutable during execution; every scenario in it is already
// outline-expanded.
type Plan struct {
	Features          []*feature.Feature
	TotalFeatures     int
	TotalScenarios    int
	EstimatedDuration time.Duration
}

// Build applies the filter to the parsed features, preserving declaration
// order. Features left with zero scenarios are dropped. An empty plan is a
// valid outcome, not an error.
func Build(features []*feature.Feature, f Filter) (*Plan, error) {
	var tagEval tagexpressions.Evaluatable
	if f.Tags != "" {
		var err error
		tagEval, err = tagexpressions.Parse(f.Tags)
		if err != nil {
			return nil, fmt.Errorf("parsing tag expression %q: %w", f.Tags, err)
		}
	}

	var nameRe, scenarioRe *regexp.Regexp
	var err error
	if f.Name != "" {
		if nameRe, err = regexp.Compile(f.Name); err != nil {
			return nil, fmt.Errorf("invalid feature name filter: %w", err)
		}
	}
	if f.Scenario != "" {
		if scenarioRe, err = regexp.Compile(f.Scenario); err != nil {
			return nil, fmt.Errorf("invalid scenario filter: %w", err)
		}
	}

	p := &Plan{}
	steps := 0
	for _, ft := range features {
		if nameRe != nil && !nameRe.MatchString(ft.Name) {
			continue
		}

		kept := &feature.Feature{
			Name:        ft.Name,
			Description: ft.Description,
			URI:         ft.URI,
			Tags:        ft.Tags,
		}
		for _, sc := range ft.Scenarios {
			if scenarioRe != nil && !scenarioRe.MatchString(sc.Name) {
				continue
			}
			if tagEval != nil && !tagEval.Evaluate(sc.Tags) {
				continue
			}
			kept.Scenarios = append(kept.Scenarios, sc)
			steps += len(sc.Steps)
		}

		if len(kept.Scenarios) == 0 {
			continue
		}
		p.Features = append(p.Features, kept)
		p.TotalScenarios += len(kept.Scenarios)
	}

	p.TotalFeatures = len(p.Features)
	p.EstimatedDuration = time.Duration(steps) * stepEstimate

	log.Debug().
		Int("features", p.TotalFeatures).
		Int("scenarios", p.TotalScenarios).
		Dur("estimated", p.EstimatedDuration).
		Msg("execution plan built")

	return p, nil
}
