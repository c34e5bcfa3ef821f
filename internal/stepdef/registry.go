package stepdef

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRegistryLocked is returned when registering on a locked registry.
	ErrRegistryLocked = errors.New("step registry is locked")
	// ErrDuplicateStep is returned when a literal pattern is registered twice.
	ErrDuplicateStep = errors.New("duplicate step definition")
	// ErrAmbiguousStep is returned when two or more patterns match a step
	// with equal specificity.
	ErrAmbiguousStep = errors.New("ambiguous step definition")
	// ErrNoMatchingStep is returned when no registered pattern matches.
	ErrNoMatchingStep = errors.New("no matching step definition")
)

// SourceLocation records where a step definition was registered, used only
// for duplicate-conflict diagnostics.
type SourceLocation struct {
	File string
	Line int
}

func (s SourceLocation) String() string {
	if s.File == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", s.File, s.Line)
}

// StepHandler is the executable bound to a step pattern. It receives the
// extracted parameters positionally and may return an error to fail the
// step.
type StepHandler func(ctx context.Context, args ...any) error

// StepMeta carries per-registration metadata.
type StepMeta struct {
	File    string
	Line    int
	Timeout time.Duration
}

// CompiledStep is an immutable registered step definition.
type CompiledStep struct {
	Pattern  string
	Matcher  *CompiledMatcher
	Handler  StepHandler
	Timeout  time.Duration
	Location SourceLocation
}

// StepMatch is the result of resolving step text against the registry.
type StepMatch struct {
	Definition *CompiledStep
	Parameters []any
}

// Stats summarizes registry contents.
type Stats struct {
	TotalSteps int
	TotalHooks int
	Locked     bool
}

// Registry is the catalog of step definitions and lifecycle hooks. It is
// mutated only during the registration phase (pre-lock) and read-only
// thereafter until explicitly cleared between runs.
type Registry struct {
	mu       sync.RWMutex
	compiler *Compiler

	initialized bool
	locked      bool

	steps     map[string]*CompiledStep  // normalized pattern key
	locations map[string]SourceLocation // literal pattern -> first registration
	hooks     map[HookType][]*Hook
	hookSeq   int
}

func NewRegistry() *Registry {
	r := &Registry{compiler: NewCompiler()}
	r.Initialize()
	return r
}

// Initialize prepares the registry maps. Idempotent: calling it on an
// initialized registry is a no-op.
func (r *Registry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	r.reset()
	r.initialized = true
}

func (r *Registry) reset() {
	r.steps = make(map[string]*CompiledStep)
	r.locations = make(map[string]SourceLocation)
	r.hooks = make(map[HookType][]*Hook)
	r.hookSeq = 0
}

// Lock forbids further step registration. Lookups keep working.
func (r *Registry) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
	log.Debug().Int("steps", len(r.steps)).Msg("step registry locked")
}

// Unlock re-enables registration.
func (r *Registry) Unlock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = false
}

// Clear empties all registrations. It refuses to run while the registry is
// locked, which protects against wiping step definitions mid-run.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return fmt.Errorf("clearing registry: %w", ErrRegistryLocked)
	}
	r.reset()
	return nil
}

// RegisterStep compiles and stores a placeholder pattern.
func (r *Registry) RegisterStep(pattern string, handler StepHandler, meta StepMeta) error {
	matcher, err := r.compiler.Compile(pattern)
	if err != nil {
		return err
	}
	return r.register(pattern, matcher, handler, meta)
}

// RegisterStepRegex stores a precompiled regular expression as-is.
func (r *Registry) RegisterStepRegex(re *regexp.Regexp, handler StepHandler, meta StepMeta) error {
	matcher := r.compiler.CompileRegex(re)
	return r.register(matcher.Source, matcher, handler, meta)
}

func (r *Registry) register(pattern string, matcher *CompiledMatcher, handler StepHandler, meta StepMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("registering step %q: %w", pattern, ErrRegistryLocked)
	}

	loc := SourceLocation{File: meta.File, Line: meta.Line}
	if prev, ok := r.locations[pattern]; ok {
		return fmt.Errorf("%w: %q registered at %s and %s", ErrDuplicateStep, pattern, prev, loc)
	}

	r.steps[normalize(pattern)] = &CompiledStep{
		Pattern:  pattern,
		Matcher:  matcher,
		Handler:  handler,
		Timeout:  meta.Timeout,
		Location: loc,
	}
	r.locations[pattern] = loc
	return nil
}

// RegisterHook appends a lifecycle hook. Scenario-scoped hook types are
// rejected on a locked registry; BeforeAll/AfterAll stay registrable.
func (r *Registry) RegisterHook(t HookType, handler HookHandler, opts HookOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked && t.scenarioScoped() {
		return fmt.Errorf("registering %s hook: %w", t, ErrRegistryLocked)
	}

	r.hookSeq++
	hooks := append(r.hooks[t], &Hook{
		Type:    t,
		Handler: handler,
		Order:   opts.Order,
		Tags:    opts.Tags,
		Timeout: opts.Timeout,
		seq:     r.hookSeq,
	})
	sortHooks(hooks)
	r.hooks[t] = hooks
	return nil
}

// GetHooks returns hooks of a type applicable to the given combined tag
// set, in execution order. With no tags supplied only unrestricted hooks
// are returned.
func (r *Registry) GetHooks(t HookType, tags ...string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Hook
	for _, h := range r.hooks[t] {
		if len(tags) == 0 {
			if len(h.Tags) == 0 {
				out = append(out, h)
			}
			continue
		}
		if h.appliesTo(tags) {
			out = append(out, h)
		}
	}
	return out
}

// Find resolves step text to a definition with extracted parameters.
//
// The fast path hits the normalized-key map and verifies the match (a key
// collision after normalization must not produce a false hit). The slow
// path scores every matching pattern by specificity; a tie at the top is a
// hard ambiguity error, never a silent pick, since choosing among tied
// patterns would make test behavior nondeterministic.
func (r *Registry) Find(stepText string) (*StepMatch, error) {
	text := collapseWhitespace(strings.TrimSpace(stepText))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if step, ok := r.steps[normalize(text)]; ok {
		if step.Matcher.Regex.MatchString(text) {
			return &StepMatch{Definition: step, Parameters: extract(text, step)}, nil
		}
	}

	type candidate struct {
		step  *CompiledStep
		score int
	}
	var matches []candidate
	for _, step := range r.steps {
		if step.Matcher.Regex.MatchString(text) {
			matches = append(matches, candidate{step, specificity(text, step)})
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w for %q", ErrNoMatchingStep, text)
	case 1:
		return &StepMatch{Definition: matches[0].step, Parameters: extract(text, matches[0].step)}, nil
	}

	best := matches[0]
	var tied []*CompiledStep
	for _, m := range matches[1:] {
		switch {
		case m.score > best.score:
			best = m
			tied = nil
		case m.score == best.score:
			tied = append(tied, m.step)
		}
	}
	if tied != nil {
		patterns := []string{best.step.Pattern}
		for _, s := range tied {
			patterns = append(patterns, s.Pattern)
		}
		return nil, fmt.Errorf("%w: step %q matches %s", ErrAmbiguousStep, text, strings.Join(quoteAll(patterns), ", "))
	}

	return &StepMatch{Definition: best.step, Parameters: extract(text, best.step)}, nil
}

// specificity scores a matching pattern; higher wins. Exact literal text
// beats everything, then shorter patterns, fewer captured parameters, and
// fewer regex metacharacters.
func specificity(text string, step *CompiledStep) int {
	score := 0
	if strings.EqualFold(step.Pattern, text) {
		score += 1000
	}
	score += 500 - len(step.Pattern)
	score += 100 - 10*step.Matcher.ParamCount
	score += 50 - metacharCount(step.Pattern)
	return score
}

// ExtractParameters re-runs the match and coerces captured values:
// integer literals to int, decimal literals to float64, double-quoted
// strings are dequoted, everything else passes through. Captures that did
// not participate in the match pass through as nil.
func (r *Registry) ExtractParameters(stepText string, step *CompiledStep) []any {
	text := collapseWhitespace(strings.TrimSpace(stepText))
	return extract(text, step)
}

var (
	intLiteral   = regexp.MustCompile(`^-?\d+$`)
	floatLiteral = regexp.MustCompile(`^-?\d*\.\d+$`)
)

func extract(text string, step *CompiledStep) []any {
	idx := step.Matcher.Regex.FindStringSubmatchIndex(text)
	if idx == nil {
		return nil
	}

	n := step.Matcher.Regex.NumSubexp()
	params := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		start, end := idx[2*i], idx[2*i+1]
		if start < 0 {
			params = append(params, nil)
			continue
		}
		params = append(params, coerce(text[start:end]))
	}
	return params
}

func coerce(raw string) any {
	switch {
	case intLiteral.MatchString(raw):
		v, _ := strconv.Atoi(raw)
		return v
	case floatLiteral.MatchString(raw):
		v, _ := strconv.ParseFloat(raw, 64)
		return v
	case len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`):
		return raw[1 : len(raw)-1]
	default:
		return raw
	}
}

// GetStats reports registry contents.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hooks := 0
	for _, hs := range r.hooks {
		hooks += len(hs)
	}
	return Stats{TotalSteps: len(r.steps), TotalHooks: hooks, Locked: r.locked}
}

// AllSteps returns every registered definition, for listing commands.
func (r *Registry) AllSteps() []*CompiledStep {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CompiledStep, 0, len(r.steps))
	for _, s := range r.steps {
		out = append(out, s)
	}
	return out
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, " ")
}

func normalize(s string) string {
	return strings.ToLower(collapseWhitespace(strings.TrimSpace(s)))
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strconv.Quote(s)
	}
	return out
}
