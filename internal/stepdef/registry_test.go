package stepdef

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
)

func noopHandler(ctx context.Context, args ...any) error { return nil }

func mustRegister(t *testing.T, r *Registry, pattern string) {
	t.Helper()
	if err := r.RegisterStep(pattern, noopHandler, StepMeta{File: "steps_test", Line: 1}); err != nil {
		t.Fatalf("registering %q: %v", pattern, err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterStep(`I click {string}`, noopHandler, StepMeta{File: "login_steps.go", Line: 12}); err != nil {
		t.Fatal(err)
	}

	err := r.RegisterStep(`I click {string}`, noopHandler, StepMeta{File: "nav_steps.go", Line: 7})
	if !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}
	// Both registration sites must be named so the author can resolve the
	// conflict.
	for _, loc := range []string{"login_steps.go:12", "nav_steps.go:7"} {
		if !strings.Contains(err.Error(), loc) {
			t.Errorf("duplicate error missing %s: %v", loc, err)
		}
	}

	if err := r.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := r.RegisterStep(`I click {string}`, noopHandler, StepMeta{File: "login_steps.go", Line: 12}); err != nil {
		t.Errorf("re-registering after Clear: %v", err)
	}
}

func TestFindExtractsParameters(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		text    string
		want    []any
	}{
		{
			name:    "quoted strings are dequoted",
			pattern: `I fill {string} with {string}`,
			text:    `I fill "#email" with "user@example.com"`,
			want:    []any{"#email", "user@example.com"},
		},
		{
			name:    "integer literal coerces to int",
			pattern: `I wait {int} seconds`,
			text:    `I wait -3 seconds`,
			want:    []any{-3},
		},
		{
			name:    "decimal literal coerces to float64",
			pattern: `the price is {float}`,
			text:    `the price is 19.99`,
			want:    []any{19.99},
		},
		{
			name:    "word passes through as string",
			pattern: `I send a {word} request`,
			text:    `I send a POST request`,
			want:    []any{"POST"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			mustRegister(t, r, tt.pattern)

			match, err := r.Find(tt.text)
			if err != nil {
				t.Fatalf("Find(%q): %v", tt.text, err)
			}
			if len(match.Parameters) != len(tt.want) {
				t.Fatalf("got %d parameters, want %d", len(match.Parameters), len(tt.want))
			}
			for i, want := range tt.want {
				if match.Parameters[i] != want {
					t.Errorf("parameter %d = %#v, want %#v", i, match.Parameters[i], want)
				}
			}
		})
	}
}

func TestFindNormalizesWhitespace(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, `I click {string}`)

	match, err := r.Find("   I   click    \"#submit\"  ")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if match.Parameters[0] != "#submit" {
		t.Errorf("parameter = %#v, want %q", match.Parameters[0], "#submit")
	}
}

func TestFindNoMatch(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, `I click {string}`)

	_, err := r.Find(`I drag "#submit"`)
	if !errors.Is(err, ErrNoMatchingStep) {
		t.Fatalf("expected ErrNoMatchingStep, got %v", err)
	}
}

func TestFindLiteralBeatsPlaceholder(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, `I click {any}`)
	mustRegister(t, r, `I click the button`)

	match, err := r.Find(`I click the button`)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if match.Definition.Pattern != `I click the button` {
		t.Errorf("resolved %q, want the literal pattern", match.Definition.Pattern)
	}
	if len(match.Parameters) != 0 {
		t.Errorf("literal match should carry no parameters, got %v", match.Parameters)
	}
}

func TestFindFewerParamsBeatsMore(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, `I fill {string} with {string}`)
	mustRegister(t, r, `I fill {string} with "data"`)

	match, err := r.Find(`I fill "#name" with "data"`)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if match.Definition.Pattern != `I fill {string} with "data"` {
		t.Errorf("resolved %q, want the more specific pattern", match.Definition.Pattern)
	}
}

func TestFindAmbiguous(t *testing.T) {
	r := NewRegistry()
	// Equal length, equal parameter count, equal metacharacters: a true
	// specificity tie.
	mustRegister(t, r, `alpha {any}`)
	mustRegister(t, r, `{any} omega`)

	_, err := r.Find(`alpha middle omega`)
	if !errors.Is(err, ErrAmbiguousStep) {
		t.Fatalf("expected ErrAmbiguousStep, got %v", err)
	}
}

func TestRegisterStepRegex(t *testing.T) {
	r := NewRegistry()
	re := regexp.MustCompile(`^the list has (\d+) items(?: remaining)?$`)
	if err := r.RegisterStepRegex(re, noopHandler, StepMeta{File: "steps_test", Line: 1}); err != nil {
		t.Fatal(err)
	}

	match, err := r.Find(`the list has 7 items`)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if match.Parameters[0] != 7 {
		t.Errorf("parameter = %#v, want 7", match.Parameters[0])
	}
}

func TestLockSemantics(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, `I click {string}`)
	r.Lock()

	if err := r.RegisterStep(`I drag {string}`, noopHandler, StepMeta{}); !errors.Is(err, ErrRegistryLocked) {
		t.Errorf("step registration on locked registry: got %v, want ErrRegistryLocked", err)
	}
	if err := r.RegisterHook(Before, func(ctx context.Context) error { return nil }, HookOptions{}); !errors.Is(err, ErrRegistryLocked) {
		t.Errorf("scenario hook on locked registry: got %v, want ErrRegistryLocked", err)
	}
	if err := r.RegisterHook(AfterAll, func(ctx context.Context) error { return nil }, HookOptions{}); err != nil {
		t.Errorf("AfterAll hook on locked registry: %v", err)
	}
	if err := r.Clear(); !errors.Is(err, ErrRegistryLocked) {
		t.Errorf("Clear on locked registry: got %v, want ErrRegistryLocked", err)
	}

	// Lookups keep working while locked.
	if _, err := r.Find(`I click "#x"`); err != nil {
		t.Errorf("Find on locked registry: %v", err)
	}

	r.Unlock()
	if err := r.Clear(); err != nil {
		t.Errorf("Clear after unlock: %v", err)
	}
	if stats := r.GetStats(); stats.TotalSteps != 0 {
		t.Errorf("after Clear, TotalSteps = %d, want 0", stats.TotalSteps)
	}
}

func TestHookOrdering(t *testing.T) {
	r := NewRegistry()
	var got []string
	add := func(name string, order int) {
		if err := r.RegisterHook(Before, func(ctx context.Context) error {
			got = append(got, name)
			return nil
		}, HookOptions{Order: order}); err != nil {
			t.Fatal(err)
		}
	}
	add("second", 20)
	add("first", 10)
	add("third", 20)

	for _, h := range r.GetHooks(Before, "@any") {
		if err := h.Handler(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hook %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHookTagFiltering(t *testing.T) {
	r := NewRegistry()
	register := func(tags ...string) {
		if err := r.RegisterHook(Before, func(ctx context.Context) error { return nil }, HookOptions{Tags: tags}); err != nil {
			t.Fatal(err)
		}
	}
	register()                  // unrestricted
	register("@smoke")          // exact tag
	register("checkout")        // substring expression
	register("@slow", "@flaky") // any-match across listed tags

	tests := []struct {
		name string
		tags []string
		want int
	}{
		{"no tags returns only unrestricted", nil, 1},
		{"exact tag match", []string{"@smoke"}, 2},
		{"substring expression match", []string{"@checkout-flow"}, 2},
		{"any of the listed tags", []string{"@flaky"}, 2},
		{"unrelated tags", []string{"@other"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(r.GetHooks(Before, tt.tags...)); got != tt.want {
				t.Errorf("GetHooks(%v) returned %d hooks, want %d", tt.tags, got, tt.want)
			}
		})
	}
}
