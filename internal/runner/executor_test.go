package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/feature"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/stepdef"
)

type fakeCache struct {
	discards int
}

func (c *fakeCache) DiscardAll() { c.discards++ }

func newTestExecutor(t *testing.T, strategy string) (*Executor, *stepdef.Registry, *fakeCache) {
	t.Helper()
	reg := stepdef.NewRegistry()
	cache := &fakeCache{}
	ex := NewExecutor(reg, cache, func() string { return strategy }, time.Second)
	return ex, reg, cache
}

func scenario(steps ...string) *feature.Scenario {
	sc := &feature.Scenario{Name: "test scenario"}
	for _, s := range steps {
		sc.Steps = append(sc.Steps, &feature.Step{Text: s})
	}
	return sc
}

func register(t *testing.T, reg *stepdef.Registry, pattern string, h stepdef.StepHandler) {
	t.Helper()
	if err := reg.RegisterStep(pattern, h, stepdef.StepMeta{File: "executor_test", Line: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestExecutePassingScenario(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `step one`, func(ctx context.Context, args ...any) error { return nil })
	register(t, reg, `step two`, func(ctx context.Context, args ...any) error { return nil })

	res := ex.Execute(context.Background(), scenario("step one", "step two"), nil)
	if res.Status != result.Passed {
		t.Fatalf("status = %s, want passed (error: %s)", res.Status, res.Error)
	}
	for _, st := range res.Steps {
		if st.Status != result.Passed {
			t.Errorf("step %q = %s", st.Text, st.Status)
		}
	}
}

func TestExecuteFailureSkipsRemainingSteps(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `works`, func(ctx context.Context, args ...any) error { return nil })
	register(t, reg, `breaks`, func(ctx context.Context, args ...any) error { return errors.New("boom") })

	res := ex.Execute(context.Background(), scenario("works", "breaks", "works"), nil)
	if res.Status != result.Failed {
		t.Fatalf("status = %s, want failed", res.Status)
	}

	want := []result.Status{result.Passed, result.Failed, result.Skipped}
	for i, st := range res.Steps {
		if st.Status != want[i] {
			t.Errorf("step %d = %s, want %s", i, st.Status, want[i])
		}
	}
	if res.Steps[1].Error != "boom" {
		t.Errorf("failed step error = %q", res.Steps[1].Error)
	}
}

func TestExecuteUnmatchedStepIsPending(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `known step`, func(ctx context.Context, args ...any) error { return nil })

	res := ex.Execute(context.Background(), scenario("totally unknown step", "known step"), nil)
	if res.Steps[0].Status != result.Pending {
		t.Errorf("unmatched step = %s, want pending", res.Steps[0].Status)
	}
	// A pending step does not poison the rest of the scenario.
	if res.Steps[1].Status != result.Passed {
		t.Errorf("following step = %s, want passed", res.Steps[1].Status)
	}
	if res.Status != result.Pending {
		t.Errorf("scenario = %s, want pending", res.Status)
	}
}

func TestExecuteStepTimeout(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	if err := reg.RegisterStep(`slow step`, func(ctx context.Context, args ...any) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}, stepdef.StepMeta{Timeout: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := ex.Execute(context.Background(), scenario("slow step"), nil)
	if time.Since(start) > time.Second {
		t.Fatal("timeout was not enforced")
	}
	if res.Steps[0].Status != result.Failed {
		t.Fatalf("timed-out step = %s, want failed", res.Steps[0].Status)
	}
	if !strings.Contains(res.Steps[0].Error, "timed out") {
		t.Errorf("error = %q, want timeout message", res.Steps[0].Error)
	}
}

func TestExecuteStepPanic(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `explosive step`, func(ctx context.Context, args ...any) error {
		panic("nil dereference somewhere")
	})

	res := ex.Execute(context.Background(), scenario("explosive step"), nil)
	if res.Steps[0].Status != result.Failed {
		t.Fatalf("panicking step = %s, want failed", res.Steps[0].Status)
	}
	if !strings.Contains(res.Steps[0].Error, "panicked") {
		t.Errorf("error = %q", res.Steps[0].Error)
	}
}

func TestExecuteBeforeHookFailureSkipsSteps(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `a step`, func(ctx context.Context, args ...any) error { return nil })
	if err := reg.RegisterHook(stepdef.Before, func(ctx context.Context) error {
		return errors.New("setup failed")
	}, stepdef.HookOptions{}); err != nil {
		t.Fatal(err)
	}

	res := ex.Execute(context.Background(), scenario("a step"), nil)
	if res.Status != result.Failed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Steps[0].Status != result.Skipped {
		t.Errorf("step after failed before hook = %s, want skipped", res.Steps[0].Status)
	}
	if !strings.Contains(res.Error, "before hook") {
		t.Errorf("scenario error = %q", res.Error)
	}
}

func TestExecuteAfterHookRunsOnFailure(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `breaks`, func(ctx context.Context, args ...any) error { return errors.New("boom") })

	ran := false
	if err := reg.RegisterHook(stepdef.After, func(ctx context.Context) error {
		ran = true
		return nil
	}, stepdef.HookOptions{}); err != nil {
		t.Fatal(err)
	}

	ex.Execute(context.Background(), scenario("breaks"), nil)
	if !ran {
		t.Error("after hook must run even when the scenario failed")
	}
}

func TestExecuteHookSequence(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	var order []string
	hook := func(name string) stepdef.HookHandler {
		return func(ctx context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	for _, h := range []struct {
		t    stepdef.HookType
		name string
	}{
		{stepdef.Before, "before"},
		{stepdef.BeforeStep, "before_step"},
		{stepdef.AfterStep, "after_step"},
		{stepdef.After, "after"},
	} {
		if err := reg.RegisterHook(h.t, hook(h.name), stepdef.HookOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	register(t, reg, `a step`, func(ctx context.Context, args ...any) error {
		order = append(order, "step")
		return nil
	})

	ex.Execute(context.Background(), scenario("a step"), nil)

	want := []string{"before", "before_step", "step", "after_step", "after"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
}

func TestExecuteTaggedHooks(t *testing.T) {
	ex, reg, _ := newTestExecutor(t, config.StrategyReuseBrowser)
	register(t, reg, `a step`, func(ctx context.Context, args ...any) error { return nil })

	smokeRan, otherRan := false, false
	if err := reg.RegisterHook(stepdef.Before, func(ctx context.Context) error {
		smokeRan = true
		return nil
	}, stepdef.HookOptions{Tags: []string{"@smoke"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterHook(stepdef.Before, func(ctx context.Context) error {
		otherRan = true
		return nil
	}, stepdef.HookOptions{Tags: []string{"@payment"}}); err != nil {
		t.Fatal(err)
	}

	sc := scenario("a step")
	sc.Tags = []string{"@smoke"}
	ex.Execute(context.Background(), sc, []string{"@web"})

	if !smokeRan {
		t.Error("hook matching a scenario tag must run")
	}
	if otherRan {
		t.Error("hook with unrelated tags must not run")
	}
}

func TestExecuteDiscardsObjectsPerStrategy(t *testing.T) {
	tests := []struct {
		strategy     string
		wantDiscards int
	}{
		{config.StrategyNewPerScenario, 1},
		{config.StrategyReuseBrowser, 0},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			ex, reg, cache := newTestExecutor(t, tt.strategy)
			register(t, reg, `a step`, func(ctx context.Context, args ...any) error { return nil })

			ex.Execute(context.Background(), scenario("a step"), nil)
			if cache.discards != tt.wantDiscards {
				t.Errorf("discards = %d, want %d", cache.discards, tt.wantDiscards)
			}
		})
	}
}
