// Package loader activates only the step libraries a run actually needs.
// Feature files are parsed first to collect the required step texts; a
// pattern index (persisted on disk with a 24-hour freshness window) maps
// declared patterns to the libraries providing them, and only matching
// libraries plus a fixed common set are registered. Some libraries open
// resources or register hooks when activated, so skipping unrelated ones
// matters in large multi-domain suites.
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/feature"
	"github.com/pomelotool/pomelo/internal/stepdef"
	"github.com/pomelotool/pomelo/internal/steps"
)

const (
	cacheName   = "step-index.json"
	cacheMaxAge = 24 * time.Hour
)

// Entry is one activatable step library in the manifest. The manifest is
// built at construction time; there is no dynamic module loading.
type Entry struct {
	Library steps.Library
	// Common libraries load on every run regardless of matching: some
	// steps are used so pervasively that excluding them on a miss is
	// riskier than the cost of loading them.
	Common bool
}

// Capabilities classifies what a run's features require, so the
// orchestrator can initialize only the resources actually needed.
type Capabilities struct {
	UI       bool
	API      bool
	Database bool
}

type indexFile struct {
	BuiltAt  time.Time           `json:"built_at"`
	Patterns map[string][]string `json:"patterns"`
}

// Loader selects and registers step libraries for a run.
type Loader struct {
	registry *stepdef.Registry
	compiler *stepdef.Compiler
	entries  []Entry

	cacheDir     string
	cacheEnabled bool

	mu          sync.Mutex
	initialized bool
	loaded      map[string]bool
	failures    map[string]string
	caps        Capabilities
}

func New(registry *stepdef.Registry, entries []Entry, cacheDir string, cacheEnabled bool) *Loader {
	return &Loader{
		registry:     registry,
		compiler:     stepdef.NewCompiler(),
		entries:      entries,
		cacheDir:     cacheDir,
		cacheEnabled: cacheEnabled,
		loaded:       make(map[string]bool),
		failures:     make(map[string]string),
	}
}

// Initialize parses the feature files, selects the libraries whose
// patterns could match at least one required step text, and registers the
// selection exactly once. Idempotent once completed; per-library failures
// are recorded without aborting the batch.
func (l *Loader) Initialize(featureFiles []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.initialized {
		return nil
	}

	features, err := feature.ParseAll(featureFiles)
	if err != nil {
		return fmt.Errorf("scanning features for step loading: %w", err)
	}
	texts := feature.StepTexts(features)

	index := l.loadOrBuildIndex()

	needed := make(map[string]bool)
	for _, text := range texts {
		for pattern, libs := range index.Patterns {
			if !l.matchLoose(pattern, text) {
				continue
			}
			for _, lib := range libs {
				if !needed[lib] {
					needed[lib] = true
					l.noteCapability(lib)
				}
			}
		}
	}

	for _, e := range l.entries {
		name := e.Library.Name()
		if !e.Common && !needed[name] {
			log.Debug().Str("library", name).Msg("skipping unneeded step library")
			continue
		}
		if l.loaded[name] {
			continue
		}
		if err := e.Library.Register(l.registry); err != nil {
			l.failures[name] = err.Error()
			log.Warn().Err(err).Str("library", name).Msg("step library failed to load")
			continue
		}
		l.loaded[name] = true
	}

	l.initialized = true
	log.Debug().
		Int("required_steps", len(texts)).
		Int("loaded", len(l.loaded)).
		Int("failed", len(l.failures)).
		Msg("step libraries loaded")
	return nil
}

// Reset clears all derived state for a fresh run.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = false
	l.loaded = make(map[string]bool)
	l.failures = make(map[string]string)
	l.caps = Capabilities{}
}

// Capabilities reports what the matched step texts require. Common
// libraries do not force a capability: a pure-API run must not launch a
// browser just because browser steps are always loadable.
func (l *Loader) Capabilities() Capabilities {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.caps
}

// Failures returns per-library load errors.
func (l *Loader) Failures() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.failures))
	for k, v := range l.failures {
		out[k] = v
	}
	return out
}

func (l *Loader) noteCapability(lib string) {
	switch {
	case strings.HasSuffix(lib, "/browser"):
		l.caps.UI = true
	case strings.HasSuffix(lib, "/api"):
		l.caps.API = true
	case strings.HasSuffix(lib, "/database"):
		l.caps.Database = true
	}
}

// loadOrBuildIndex returns the pattern index, preferring a fresh on-disk
// cache, rebuilding from the manifest otherwise.
func (l *Loader) loadOrBuildIndex() *indexFile {
	path := filepath.Join(l.cacheDir, cacheName)

	if l.cacheEnabled {
		if idx := readIndex(path); idx != nil {
			log.Debug().Str("path", path).Msg("using cached step index")
			return idx
		}
	}

	idx := &indexFile{BuiltAt: time.Now(), Patterns: make(map[string][]string)}
	for _, e := range l.entries {
		name := e.Library.Name()
		for _, def := range e.Library.Category().Steps {
			idx.Patterns[def.Pattern] = append(idx.Patterns[def.Pattern], name)
		}
	}

	if l.cacheEnabled {
		writeIndex(path, idx)
	}
	return idx
}

func readIndex(path string) *indexFile {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("discarding corrupt step index")
		return nil
	}
	if time.Since(idx.BuiltAt) > cacheMaxAge {
		return nil
	}
	return &idx
}

func writeIndex(path string, idx *indexFile) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Debug().Err(err).Msg("cannot create step index directory")
		return
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Debug().Err(err).Str("path", path).Msg("cannot persist step index")
	}
}

// matchLoose tests whether a declared pattern could match a step text,
// falling back to substring containment on the pattern's longest literal
// chunk when the constructed regex is invalid.
func (l *Loader) matchLoose(pattern, text string) bool {
	m, err := l.compiler.Compile(pattern)
	if err == nil {
		return m.Regex.MatchString(strings.TrimSpace(text))
	}

	chunk := longestLiteralChunk(pattern)
	if chunk == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(chunk))
}

func longestLiteralChunk(pattern string) string {
	best := ""
	for _, part := range strings.Split(pattern, "{") {
		if i := strings.IndexByte(part, '}'); i >= 0 {
			part = part[i+1:]
		}
		part = strings.TrimSpace(part)
		if len(part) > len(best) {
			best = part
		}
	}
	return best
}
