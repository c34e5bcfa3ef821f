// Package steps ships the built-in step libraries. Each library is shaped
// like a resource handler: a struct owning its client state, structured
// step definitions for listing and documentation, and a Register method
// binding them into the step registry.
package steps

import (
	"fmt"

	"github.com/pomelotool/pomelo/internal/stepdef"
)

// Def is a structured step definition with metadata.
type Def struct {
	// Pattern is the placeholder pattern for matching Gherkin steps
	Pattern string `json:"pattern"`

	// Description explains what this step does
	Description string `json:"description"`

	// Example shows how to use this step in a feature file
	Example string `json:"example,omitempty"`

	// Handler is the function that implements the step
	Handler stepdef.StepHandler `json:"-"`
}

// Category groups related steps together.
type Category struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Steps       []Def  `json:"steps"`
}

// Library is a loadable bundle of step definitions.
type Library interface {
	// Name returns the library identifier used by the loader's index.
	Name() string

	// Category returns the structured step definitions for listing.
	Category() Category

	// Register binds the library's steps and hooks into the registry.
	Register(r *stepdef.Registry) error
}

// registerCategory binds every step of a category, using the library name
// as the registration source file so duplicate diagnostics point at the
// offending library.
func registerCategory(r *stepdef.Registry, lib string, c Category) error {
	for i, def := range c.Steps {
		meta := stepdef.StepMeta{File: lib, Line: i + 1}
		if err := r.RegisterStep(def.Pattern, def.Handler, meta); err != nil {
			return fmt.Errorf("registering %s steps: %w", lib, err)
		}
	}
	return nil
}

// Argument coercion helpers. Extraction guarantees positional order; these
// guard against a handler wired to the wrong pattern.

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}

func intArg(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	n, ok := args[i].(int)
	if !ok {
		return 0, fmt.Errorf("argument %d: expected int, got %T", i, args[i])
	}
	return n, nil
}
