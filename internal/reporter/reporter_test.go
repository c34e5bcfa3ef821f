package reporter

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/result"
	"github.com/pomelotool/pomelo/internal/runlog"
)

func sampleResult() *result.ExecutionResult {
	r := result.New()
	r.AppendFeature(result.FeatureResult{
		Name:   "Login",
		Status: result.Passed,
		Scenarios: []result.ScenarioResult{
			{
				Name:   "ok",
				Status: result.Passed,
				Steps:  []result.StepResult{{Text: "a", Status: result.Passed}},
			},
			{
				Name:   "broken",
				Status: result.Failed,
				Steps:  []result.StepResult{{Text: "b", Status: result.Failed, Error: "boom"}},
			},
		},
	})
	r.Finalize()
	return r
}

func newTestReporter(t *testing.T, formats ...string) (*Reporter, *runlog.RunContext, *bytes.Buffer) {
	t.Helper()
	t.Chdir(t.TempDir())

	run, err := runlog.New()
	if err != nil {
		t.Fatalf("runlog.New: %v", err)
	}
	var out bytes.Buffer
	return New(config.Reports{Formats: formats}, run, &out), run, &out
}

func TestWriteJSONArtifact(t *testing.T) {
	rep, run, _ := newTestReporter(t, "json")

	if err := rep.Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(run.ArtifactPath("result.json"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}

	var decoded result.ExecutionResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if decoded.Summary.FailedScenarios != 1 {
		t.Errorf("decoded summary = %+v", decoded.Summary)
	}
}

func TestWriteJUnitArtifact(t *testing.T) {
	rep, run, _ := newTestReporter(t, "junit")

	if err := rep.Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(run.ArtifactPath("result.xml"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	body := string(data)
	for _, want := range []string{"<testsuites", `tests="2"`, `failures="1"`, "boom"} {
		if !strings.Contains(body, want) {
			t.Errorf("junit artifact missing %q:\n%s", want, body)
		}
	}
}

func TestWriteUnknownFormatStillPrintsSummary(t *testing.T) {
	rep, _, out := newTestReporter(t, "csv")

	if err := rep.Write(sampleResult()); err == nil {
		t.Error("unknown format should surface an error")
	}
	if !strings.Contains(out.String(), "Run Summary") {
		t.Error("console summary must be printed even when artifacts fail")
	}
}

func TestSummaryContents(t *testing.T) {
	rep, _, out := newTestReporter(t, "json")
	if err := rep.Write(sampleResult()); err != nil {
		t.Fatal(err)
	}

	s := out.String()
	for _, want := range []string{"1 passed", "1 failed", "50.0%", "FAILED"} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q:\n%s", want, s)
		}
	}
}

func TestSummaryForSyntheticResult(t *testing.T) {
	rep, _, out := newTestReporter(t, "json")
	res := result.SyntheticFailure(time.Now().Add(-time.Second), errors.New("browser refused to start"))

	if err := rep.Write(res); err != nil {
		t.Fatalf("Write: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "browser refused to start") {
		t.Errorf("summary must show run-level errors:\n%s", s)
	}
	if !strings.Contains(s, "FAILED") {
		t.Errorf("summary must show failed status:\n%s", s)
	}
}

func TestUploaderPostsRecord(t *testing.T) {
	var received uploadRecord
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding upload: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	t.Setenv("POMELO_TEST_TOKEN", "sekret")
	u := NewUploader(config.Upload{
		Enabled:  true,
		URL:      srv.URL,
		TokenEnv: "POMELO_TEST_TOKEN",
		Project:  "web-suite",
	})

	if err := u.Upload(t.Context(), sampleResult()); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if received.Project != "web-suite" {
		t.Errorf("project = %q", received.Project)
	}
	if received.Result == nil || received.Result.Summary.TotalScenarios != 2 {
		t.Error("result record not transmitted")
	}
	if gotAuth != "Bearer sekret" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestUploaderErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	u := NewUploader(config.Upload{Enabled: true, URL: srv.URL})
	if err := u.Upload(t.Context(), sampleResult()); err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestUploaderDisabledIsNoop(t *testing.T) {
	u := NewUploader(config.Upload{})
	if u.Enabled() {
		t.Error("uploader without config must be disabled")
	}
	if err := u.Upload(t.Context(), sampleResult()); err != nil {
		t.Errorf("disabled upload must be a no-op, got %v", err)
	}
}
