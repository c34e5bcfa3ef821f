package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RunContext holds information about the current test run
type RunContext struct {
	ID        string    // Short unique identifier (8 chars)
	Timestamp time.Time // When the run started
	Dir       string    // Full path to the run directory
}

// New creates a new run context and initializes the run directory
func New() (*RunContext, error) {
	now := time.Now()
	shortID := uuid.New().String()[:8]

	// Format: .pomelo/runs/2025-01-15_143052_a1b2c3d4/
	dirName := fmt.Sprintf("%s_%s", now.Format("2006-01-02_150405"), shortID)
	runDir := filepath.Join(".pomelo", "runs", dirName)

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}

	return &RunContext{
		ID:        shortID,
		Timestamp: now,
		Dir:       runDir,
	}, nil
}

// ArtifactPath returns the full path for a named artifact in the run dir.
func (r *RunContext) ArtifactPath(name string) string {
	return filepath.Join(r.Dir, name)
}

// CreateLogFile creates a log file and returns the file handle
func (r *RunContext) CreateLogFile(name string) (*os.File, error) {
	return os.Create(filepath.Join(r.Dir, name+".log"))
}

// WriteArtifact writes content to a named file in the run directory.
func (r *RunContext) WriteArtifact(name string, content []byte) error {
	return os.WriteFile(r.ArtifactPath(name), content, 0644)
}

// ScratchDir returns the temp/download scratch directory for this run,
// creating it on first use. It is deleted during cleanup.
func (r *RunContext) ScratchDir() (string, error) {
	dir := filepath.Join(r.Dir, "scratch")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return dir, nil
}

// Cleanup removes the scratch directory, keeping report artifacts.
func (r *RunContext) Cleanup() error {
	return os.RemoveAll(filepath.Join(r.Dir, "scratch"))
}
