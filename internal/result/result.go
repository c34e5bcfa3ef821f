// Package result accumulates the outcome of a run. The summary is
// recomputed from the per-feature results on every mutation so its counts
// always equal the sums of the lower-level counts.
package result

import "time"

// Status of a step, scenario, feature, or run.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
	Pending Status = "pending"
)

type StepResult struct {
	Text     string        `json:"text"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ScenarioResult struct {
	Name     string        `json:"name"`
	Tags     []string      `json:"tags,omitempty"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Steps    []StepResult  `json:"steps"`
	Error    string        `json:"error,omitempty"`
}

type FeatureResult struct {
	Name      string           `json:"name"`
	URI       string           `json:"uri"`
	Status    Status           `json:"status"`
	Duration  time.Duration    `json:"duration"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// Summary holds rollup counts at feature, scenario, and step granularity.
type Summary struct {
	TotalFeatures   int `json:"total_features"`
	PassedFeatures  int `json:"passed_features"`
	FailedFeatures  int `json:"failed_features"`
	SkippedFeatures int `json:"skipped_features"`

	TotalScenarios   int `json:"total_scenarios"`
	PassedScenarios  int `json:"passed_scenarios"`
	FailedScenarios  int `json:"failed_scenarios"`
	SkippedScenarios int `json:"skipped_scenarios"`
	PendingScenarios int `json:"pending_scenarios"`

	TotalSteps   int `json:"total_steps"`
	PassedSteps  int `json:"passed_steps"`
	FailedSteps  int `json:"failed_steps"`
	SkippedSteps int `json:"skipped_steps"`
	PendingSteps int `json:"pending_steps"`
}

// ExecutionResult is the mutable accumulator for a run: created empty at
// run start, appended to as each feature completes, finalized when all
// features are processed or execution is aborted.
type ExecutionResult struct {
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Status    Status          `json:"status"`
	Features  []FeatureResult `json:"features"`
	Errors    []string        `json:"errors,omitempty"`
	Summary   Summary         `json:"summary"`
}

func New() *ExecutionResult {
	return &ExecutionResult{
		StartTime: time.Now(),
		Status:    Passed,
	}
}

// AppendFeature records a completed feature and rolls up the summary.
func (r *ExecutionResult) AppendFeature(fr FeatureResult) {
	r.Features = append(r.Features, fr)
	r.recount()
}

// AddError records a run-level error for diagnostics.
func (r *ExecutionResult) AddError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Finalize stamps the end time and computes the overall status.
func (r *ExecutionResult) Finalize() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.recount()
	if r.Summary.FailedScenarios > 0 || len(r.Errors) > 0 {
		r.Status = Failed
	} else {
		r.Status = Passed
	}
}

func (r *ExecutionResult) recount() {
	var s Summary
	for _, f := range r.Features {
		s.TotalFeatures++
		switch f.Status {
		case Passed:
			s.PassedFeatures++
		case Failed:
			s.FailedFeatures++
		case Skipped:
			s.SkippedFeatures++
		}
		for _, sc := range f.Scenarios {
			s.TotalScenarios++
			switch sc.Status {
			case Passed:
				s.PassedScenarios++
			case Failed:
				s.FailedScenarios++
			case Skipped:
				s.SkippedScenarios++
			case Pending:
				s.PendingScenarios++
			}
			for _, st := range sc.Steps {
				s.TotalSteps++
				switch st.Status {
				case Passed:
					s.PassedSteps++
				case Failed:
					s.FailedSteps++
				case Skipped:
					s.SkippedSteps++
				case Pending:
					s.PendingSteps++
				}
			}
		}
	}
	r.Summary = s
}

// SyntheticFailure manufactures a failed result from a run that crashed
// before producing any per-test results, so reporting always has a
// well-formed input. It depends on nothing but the clock and the error
// string and therefore cannot itself fail.
func SyntheticFailure(start time.Time, err error) *ExecutionResult {
	r := &ExecutionResult{
		StartTime: start,
		EndTime:   time.Now(),
		Status:    Failed,
	}
	r.Duration = r.EndTime.Sub(r.StartTime)
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
	return r
}

// RollupScenario derives a scenario status from its step results.
func RollupScenario(steps []StepResult) Status {
	status := Passed
	for _, st := range steps {
		switch st.Status {
		case Failed:
			return Failed
		case Pending:
			status = Pending
		case Skipped:
			if status == Passed {
				status = Skipped
			}
		}
	}
	if len(steps) == 0 {
		return Passed
	}
	return status
}

// RollupFeature derives a feature status from its scenario results.
func RollupFeature(scenarios []ScenarioResult) Status {
	status := Passed
	for _, sc := range scenarios {
		if sc.Status == Failed {
			return Failed
		}
	}
	return status
}
