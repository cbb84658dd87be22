// Package manifest reads and writes params.json, the per-run record that
// history, share pages and result pages are built from.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/relayer/internal/colorscale"
)

// Manifest is the JSON document stored at <run>/params.json.
type Manifest struct {
	Params       map[string]string `json:"params"`
	User         string            `json:"user"`
	ResultsURL   string            `json:"results_url"`
	ShareURL     string            `json:"share_url"`
	AssetsPath   string            `json:"assets_path"`
	RunDir       string            `json:"run_dir"`
	UniqResultID string            `json:"uniq_result_id"`
	ExitCode     *int              `json:"exit_code"`
	Scale        colorscale.Scale  `json:"scale"`
	Files        []File            `json:"files"`
	CreatedAt    time.Time         `json:"created_at"`
}

// File describes one input as it landed in the run directory.
type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Blake3 string `json:"blake3"`
}

// Read loads a manifest from path.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Write stores m at path through a temp file and rename, so readers never
// see a partial manifest.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".params-*.json")
	if err != nil {
		return fmt.Errorf("create manifest temp file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install manifest: %w", err)
	}
	return nil
}
