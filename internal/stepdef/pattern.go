package stepdef

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Placeholder tokens accepted in step patterns. This set is the
// compatibility contract with existing suites; coercion rules live in
// ExtractParameters.
var placeholders = map[string]string{
	"{string}": `"([^"]*)"`,
	"{int}":    `(-?\d+)`,
	"{float}":  `(-?\d*\.?\d+)`,
	"{word}":   `(\S+)`,
	"{any}":    `(.*)`,
}

// CompiledMatcher is the matchable form of a step pattern.
type CompiledMatcher struct {
	// Regex matches the full step text. For string patterns it is anchored
	// and case-insensitive; raw regexes are taken as-is.
	Regex *regexp.Regexp
	// Source is the literal pattern string this matcher was compiled from,
	// or the regex source for raw regex registrations.
	Source string
	// ParamCount is the number of capture groups.
	ParamCount int
	// FromRegex reports whether the matcher came from a raw regular
	// expression rather than a placeholder pattern.
	FromRegex bool
}

// Compiler turns step patterns into matchers. Compiled matchers are cached
// by their literal pattern string so repeated registrations of identical
// text do not recompile.
type Compiler struct {
	mu    sync.Mutex
	cache map[string]*CompiledMatcher
}

func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*CompiledMatcher)}
}

// Compile converts a placeholder pattern into an anchored, case-insensitive
// matcher. Malformed patterns (unbalanced braces, invalid regex after
// substitution) fail here so broken definitions surface at registration
// time, not as steps that silently never match.
func (c *Compiler) Compile(pattern string) (*CompiledMatcher, error) {
	c.mu.Lock()
	if m, ok := c.cache[pattern]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	source, params, err := translate(pattern)
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile(`(?i)^` + source + `$`)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}

	m := &CompiledMatcher{
		Regex:      re,
		Source:     pattern,
		ParamCount: params,
	}

	c.mu.Lock()
	c.cache[pattern] = m
	c.mu.Unlock()

	return m, nil
}

// CompileRegex wraps a precompiled regular expression unmodified. Anchoring
// is the caller's responsibility for raw regexes.
func (c *Compiler) CompileRegex(re *regexp.Regexp) *CompiledMatcher {
	return &CompiledMatcher{
		Regex:      re,
		Source:     re.String(),
		ParamCount: re.NumSubexp(),
		FromRegex:  true,
	}
}

// translate escapes literal text and substitutes placeholder tokens with
// capture groups, returning the regex source and the capture-group count.
func translate(pattern string) (string, int, error) {
	var b strings.Builder
	params := 0
	rest := pattern

	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}

		b.WriteString(regexp.QuoteMeta(rest[:open]))
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return "", 0, fmt.Errorf("pattern %q: unbalanced brace at offset %d", pattern, open)
		}

		token := rest[open : open+closing+1]
		if sub, ok := placeholders[token]; ok {
			b.WriteString(sub)
			params++
		} else {
			// Unknown tokens are matched literally.
			b.WriteString(regexp.QuoteMeta(token))
		}
		rest = rest[open+closing+1:]
	}

	return b.String(), params, nil
}

// metacharCount counts regex metacharacters in a literal pattern string.
// Used by specificity scoring: literal patterns with fewer special
// characters are preferred over loosely-matching ones.
func metacharCount(pattern string) int {
	n := 0
	for _, r := range pattern {
		switch r {
		case '\\', '.', '+', '*', '?', '(', ')', '|', '[', ']', '{', '}', '^', '$':
			n++
		}
	}
	return n
}
