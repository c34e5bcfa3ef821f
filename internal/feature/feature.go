// Package feature parses Gherkin feature files into immutable
// Feature/Scenario/Step trees. Scenario outlines arrive already expanded:
// the pickle compiler substitutes example-table values, so no scenario in
// the output carries unresolved <placeholder> syntax.
package feature

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"
	"github.com/rs/zerolog/log"
)

const Extension = ".feature"

// Feature is a parsed feature file.
type Feature struct {
	Name        string
	Description string
	URI         string
	Tags        []string
	Scenarios   []*Scenario
}

// Scenario is a concrete, outline-expanded scenario. Tags is the combined
// feature+scenario (+examples) tag set.
type Scenario struct {
	ID    string
	Name  string
	Tags  []string
	Steps []*Step
}

// Step is a single Gherkin step line with its optional argument.
type Step struct {
	Text      string
	DocString string
	Table     [][]string
}

// Discover walks the given paths collecting feature files. Paths may be
// directories (searched recursively) or individual files.
func Discover(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("discovering features in %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), Extension) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	log.Debug().Int("count", len(files)).Msg("feature files discovered")
	return files, nil
}

// ParseAll parses every file into a Feature.
func ParseAll(files []string) ([]*Feature, error) {
	features := make([]*Feature, 0, len(files))
	for _, file := range files {
		f, err := ParseFile(file)
		if err != nil {
			return nil, err
		}
		if f != nil {
			features = append(features, f)
		}
	}
	return features, nil
}

// ParseFile parses a single feature file. Files without a Feature keyword
// yield nil.
func ParseFile(path string) (*Feature, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading feature %s: %w", path, err)
	}
	defer r.Close()

	newID := (&messages.Incrementing{}).NewId
	doc, err := gherkin.ParseGherkinDocument(r, newID)
	if err != nil {
		return nil, fmt.Errorf("parsing feature %s: %w", path, err)
	}
	if doc.Feature == nil {
		return nil, nil
	}
	doc.Uri = path

	return fromDocument(doc, newID), nil
}

// fromDocument converts a parsed document into the immutable model,
// expanding outlines through the pickle compiler.
func fromDocument(doc *messages.GherkinDocument, newID func() string) *Feature {
	f := &Feature{
		Name:        doc.Feature.Name,
		Description: strings.TrimSpace(doc.Feature.Description),
		URI:         doc.Uri,
		Tags:        tagNames(doc.Feature.Tags),
	}

	for _, pickle := range gherkin.Pickles(*doc, doc.Uri, newID) {
		s := &Scenario{
			ID:   pickle.Id,
			Name: pickle.Name,
		}
		for _, t := range pickle.Tags {
			s.Tags = append(s.Tags, t.Name)
		}
		for _, ps := range pickle.Steps {
			s.Steps = append(s.Steps, fromPickleStep(ps))
		}
		f.Scenarios = append(f.Scenarios, s)
	}

	return f
}

func fromPickleStep(ps *messages.PickleStep) *Step {
	step := &Step{Text: ps.Text}
	if arg := ps.Argument; arg != nil {
		if arg.DocString != nil {
			step.DocString = arg.DocString.Content
		}
		if arg.DataTable != nil {
			for _, row := range arg.DataTable.Rows {
				var cells []string
				for _, c := range row.Cells {
					cells = append(cells, c.Value)
				}
				step.Table = append(step.Table, cells)
			}
		}
	}
	return step
}

// StepTexts returns the distinct step texts across the given features, in
// first-seen order. Used by the step loader to decide which definition
// files a run actually needs.
func StepTexts(features []*Feature) []string {
	seen := make(map[string]struct{})
	var texts []string
	for _, f := range features {
		for _, s := range f.Scenarios {
			for _, st := range s.Steps {
				if _, ok := seen[st.Text]; ok {
					continue
				}
				seen[st.Text] = struct{}{}
				texts = append(texts, st.Text)
			}
		}
	}
	return texts
}

func tagNames(tags []*messages.Tag) []string {
	var out []string
	for _, t := range tags {
		out = append(out, t.Name)
	}
	return out
}
