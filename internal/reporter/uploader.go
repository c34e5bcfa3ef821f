package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pomelotool/pomelo/internal/config"
	"github.com/pomelotool/pomelo/internal/result"
)

// Uploader posts a run's result record to a results service. Uploads are
// fire-and-forget from the run's perspective: the error is surfaced so
// the orchestrator can log it, but it never affects the run outcome.
type Uploader struct {
	cfg    config.Upload
	client *http.Client
}

func NewUploader(cfg config.Upload) *Uploader {
	return &Uploader{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether uploading is configured for this run.
func (u *Uploader) Enabled() bool {
	return u.cfg.Enabled && u.cfg.URL != ""
}

type uploadRecord struct {
	Project    string                  `json:"project,omitempty"`
	UploadedAt time.Time               `json:"uploaded_at"`
	Result     *result.ExecutionResult `json:"result"`
}

// Upload sends the result record to the configured endpoint.
func (u *Uploader) Upload(ctx context.Context, res *result.ExecutionResult) error {
	if !u.Enabled() {
		return nil
	}

	record := uploadRecord{
		Project:    u.cfg.Project,
		UploadedAt: time.Now(),
		Result:     res,
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding upload record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.cfg.TokenEnv != "" {
		if token := os.Getenv(u.cfg.TokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("results service returned %s", resp.Status)
	}
	log.Debug().Str("url", u.cfg.URL).Msg("results uploaded")
	return nil
}
