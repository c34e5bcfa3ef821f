package stepdef

import (
	"context"
	"sort"
	"strings"
	"time"
)

// HookType identifies when a hook runs in the execution lifecycle.
type HookType int

const (
	BeforeAll HookType = iota
	AfterAll
	Before
	After
	BeforeStep
	AfterStep
)

func (t HookType) String() string {
	switch t {
	case BeforeAll:
		return "before_all"
	case AfterAll:
		return "after_all"
	case Before:
		return "before"
	case After:
		return "after"
	case BeforeStep:
		return "before_step"
	case AfterStep:
		return "after_step"
	}
	return "unknown"
}

// scenarioScoped reports whether hooks of this type run per scenario or per
// step. Process-wide hooks (BeforeAll/AfterAll) stay registrable even on a
// locked registry since frameworks commonly register them from top-level
// setup that runs after the lock.
func (t HookType) scenarioScoped() bool {
	switch t {
	case Before, After, BeforeStep, AfterStep:
		return true
	}
	return false
}

// HookHandler is the implementation bound to a hook registration.
type HookHandler func(ctx context.Context) error

// Hook is a registered lifecycle callback. Hooks of the same type execute
// in ascending Order; equal orders preserve registration order.
type Hook struct {
	Type    HookType
	Handler HookHandler
	Order   int
	Tags    []string
	Timeout time.Duration

	seq int
}

// HookOptions configures a hook registration.
type HookOptions struct {
	Order   int
	Tags    []string
	Timeout time.Duration
}

func sortHooks(hooks []*Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Order != hooks[j].Order {
			return hooks[i].Order < hooks[j].Order
		}
		return hooks[i].seq < hooks[j].seq
	})
}

// appliesTo reports whether the hook should run for a scenario carrying the
// given combined (feature+scenario) tag set. A hook without tag restriction
// always applies. Restricted hooks use any-match semantics: any listed
// @-tag present in the set, or, for plain expressions, any scenario tag
// textually containing the expression.
func (h *Hook) appliesTo(tags []string) bool {
	if len(h.Tags) == 0 {
		return true
	}
	for _, want := range h.Tags {
		for _, have := range tags {
			if strings.HasPrefix(want, "@") {
				if strings.EqualFold(have, want) {
					return true
				}
			} else if strings.Contains(strings.ToLower(have), strings.ToLower(want)) {
				return true
			}
		}
	}
	return false
}
