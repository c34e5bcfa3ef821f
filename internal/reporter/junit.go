package reporter

import (
	"encoding/xml"
	"fmt"

	"github.com/pomelotool/pomelo/internal/result"
)

// JUnit layout as consumed by common CI dashboards: one testsuite per
// feature, one testcase per scenario.

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name    string        `xml:"name,attr"`
	Time    string        `xml:"time,attr"`
	Failure *junitFailure `xml:"failure,omitempty"`
	Skipped *struct{}     `xml:"skipped,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
}

func marshalJUnit(res *result.ExecutionResult) ([]byte, error) {
	suites := junitSuites{
		Tests:    res.Summary.TotalScenarios,
		Failures: res.Summary.FailedScenarios,
		Time:     fmt.Sprintf("%.3f", res.Duration.Seconds()),
	}
	for _, f := range res.Features {
		suite := junitSuite{
			Name: f.Name,
			Time: fmt.Sprintf("%.3f", f.Duration.Seconds()),
		}
		for _, sc := range f.Scenarios {
			c := junitCase{
				Name: sc.Name,
				Time: fmt.Sprintf("%.3f", sc.Duration.Seconds()),
			}
			switch sc.Status {
			case result.Failed:
				msg := sc.Error
				if msg == "" {
					msg = firstStepError(sc)
				}
				c.Failure = &junitFailure{Message: msg}
				suite.Failures++
			case result.Skipped, result.Pending:
				c.Skipped = &struct{}{}
				suite.Skipped++
			}
			suite.Tests++
			suite.Cases = append(suite.Cases, c)
		}
		suites.Suites = append(suites.Suites, suite)
	}

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), data...), nil
}

func firstStepError(sc result.ScenarioResult) string {
	for _, st := range sc.Steps {
		if st.Status == result.Failed && st.Error != "" {
			return st.Error
		}
	}
	return "scenario failed"
}
