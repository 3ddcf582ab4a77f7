package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileStore persists runs as JSON directories on disk:
//
//	<root>/<run_id>/meta.json      run name, tags, start/end times
//	<root>/<run_id>/params.json    run-level parameters
//	<root>/<run_id>/metrics.jsonl  one metric observation per line
//	<root>/<run_id>/artifacts/     copies of logged artifact files
//
// Writes are append-only and re-opened per call, so duplicate log calls are
// harmless (at-least-once).
type FileStore struct {
	root string
}

// NewFileStore creates a file-based store rooted at dir (default "./runs").
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "./runs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

type runMeta struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
}

type metricLine struct {
	Key       string    `json:"key"`
	Value     float64   `json:"value"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

// StartRun creates the run directory and writes its metadata.
func (f *FileStore) StartRun(_ context.Context, name string, tags map[string]string) (string, error) {
	runID := uuid.New().String()
	dir := filepath.Join(f.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	meta := runMeta{
		RunID:     runID,
		Name:      name,
		Tags:      tags,
		StartTime: time.Now().UTC(),
	}
	if err := f.writeJSON(filepath.Join(dir, "meta.json"), meta); err != nil {
		return "", err
	}
	return runID, nil
}

// LogMetric appends one observation to metrics.jsonl.
func (f *FileStore) LogMetric(_ context.Context, runID, key string, value float64, step int) error {
	path := filepath.Join(f.root, runID, "metrics.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	defer file.Close()

	line := metricLine{Key: key, Value: value, Step: step, Timestamp: time.Now().UTC()}
	return json.NewEncoder(file).Encode(line)
}

// LogParams writes (or overwrites) params.json for the run.
func (f *FileStore) LogParams(_ context.Context, runID string, params map[string]float64) error {
	return f.writeJSON(filepath.Join(f.root, runID, "params.json"), params)
}

// LogArtifact copies the file into the run's artifacts directory.
func (f *FileStore) LogArtifact(_ context.Context, runID, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	dir := filepath.Join(f.root, runID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}

	dst, err := os.Create(filepath.Join(dir, filepath.Base(path)))
	if err != nil {
		return fmt.Errorf("create artifact copy: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy artifact: %w", err)
	}
	return nil
}

// EndRun stamps the run's end time in meta.json.
func (f *FileStore) EndRun(_ context.Context, runID string) error {
	path := filepath.Join(f.root, runID, "meta.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read run meta: %w", err)
	}

	var meta runMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("decode run meta: %w", err)
	}
	now := time.Now().UTC()
	meta.EndTime = &now
	return f.writeJSON(path, meta)
}

// LoadMeta reads a run's metadata back, for reporting tools and tests.
func (f *FileStore) LoadMeta(runID string) (name string, tags map[string]string, err error) {
	data, err := os.ReadFile(filepath.Join(f.root, runID, "meta.json"))
	if err != nil {
		return "", nil, err
	}
	var meta runMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", nil, err
	}
	return meta.Name, meta.Tags, nil
}

func (f *FileStore) writeJSON(path string, v any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
