// Package inspect builds a per-run report from the ledger and the run
// directory.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// Ledger is the read side of the job ledger.
type Ledger interface {
	Get(ctx context.Context, owner, jobID string) (*ledger.Job, error)
	LatestArchive(ctx context.Context, owner, jobID string) (*ledger.ArchiveTask, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	JobID       string            `json:"job_id"`
	Owner       string            `json:"owner"`
	Status      ledger.Status     `json:"status"`
	RunDir      string            `json:"run_dir"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    string            `json:"duration,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Stderr      string            `json:"stderr,omitempty"`
	Present     bool              `json:"present"`
	Shared      bool              `json:"shared"`
	Params      map[string]string `json:"params,omitempty"`
	Inputs      []manifest.File   `json:"inputs,omitempty"`
	Scale       colorscale.Scale  `json:"scale"`
	Artifacts   []string          `json:"artifacts"`
	Archive     *Archive          `json:"archive,omitempty"`
}

// Archive summarizes the latest archive task for a run.
type Archive struct {
	Status    ledger.ArchiveStatus `json:"status"`
	Path      string               `json:"path"`
	LastError string               `json:"last_error,omitempty"`
}

// BuildReport renders a terminal-friendly report for one run.
func BuildReport(ctx context.Context, l Ledger, owner, jobID string) (string, error) {
	report, err := gatherReportData(ctx, l, owner, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Owner       : %s\n", report.Owner)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Exit code   : %s\n", renderExitCode(report.ExitCode))
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	if report.Duration != "" {
		fmt.Fprintf(&out, "Duration    : %s\n", report.Duration)
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Last error  : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "Run dir     : %s\n", renderRunDir(report))
	fmt.Fprintf(&out, "Shared      : %t\n", report.Shared)
	if report.Archive != nil {
		fmt.Fprintf(&out, "Archive     : %s (%s)\n", report.Archive.Status, report.Archive.Path)
		if report.Archive.LastError != "" {
			fmt.Fprintf(&out, "              %s\n", report.Archive.LastError)
		}
	} else {
		fmt.Fprintf(&out, "Archive     : <none>\n")
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Params) > 0 {
		keys := make([]string, 0, len(report.Params))
		for k := range report.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(&out, "params:\n")
		for _, k := range keys {
			fmt.Fprintf(&out, "  %s = %s\n", k, report.Params[k])
		}
	}
	if len(report.Inputs) > 0 {
		fmt.Fprintf(&out, "inputs:\n")
		for _, f := range report.Inputs {
			fmt.Fprintf(&out, "  - %s (%d bytes, blake3 %s)\n", f.Name, f.Size, f.Blake3)
		}
	}
	if len(report.Scale) > 0 {
		fmt.Fprintf(&out, "scale:\n")
		for _, s := range report.Scale {
			fmt.Fprintf(&out, "  %-4s %s\n", s.Fraction, s.Color)
		}
	}
	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "artifacts: <none>\n")
	} else {
		fmt.Fprintf(&out, "artifacts:\n")
		for _, a := range report.Artifacts {
			fmt.Fprintf(&out, "  - %s\n", a)
		}
	}
	if report.Stderr != "" {
		fmt.Fprintf(&out, "stderr:\n")
		for _, line := range strings.Split(strings.TrimRight(report.Stderr, "\n"), "\n") {
			fmt.Fprintf(&out, "  %s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, l Ledger, owner, jobID string) (string, error) {
	report, err := gatherReportData(ctx, l, owner, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, l Ledger, owner, jobID string) (*Report, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("owner and job_id are required")
	}

	job, err := l.Get(ctx, owner, jobID)
	if errors.Is(err, ledger.ErrJobNotFound) {
		return nil, fmt.Errorf("job %q for %q not found", jobID, owner)
	}
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:       job.ID,
		Owner:       job.Owner,
		Status:      job.Status,
		RunDir:      job.RunDir,
		ExitCode:    job.ExitCode,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Scale:       colorscale.Scale{},
		Artifacts:   []string{},
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		report.Duration = job.CompletedAt.Sub(*job.StartedAt).Round(time.Millisecond).String()
	}
	if job.LastError != nil {
		report.LastError = *job.LastError
	}
	if job.Stderr != nil {
		report.Stderr = *job.Stderr
	}

	task, err := l.LatestArchive(ctx, owner, jobID)
	switch {
	case err == nil:
		report.Archive = &Archive{Status: task.Status, Path: task.Path}
		if task.LastError != nil {
			report.Archive.LastError = *task.LastError
		}
	case !errors.Is(err, ledger.ErrArchiveNotFound):
		return nil, err
	}

	if info, err := os.Stat(job.RunDir); err != nil || !info.IsDir() {
		return report, nil
	}
	report.Present = true
	rd := workspace.RunDirectory{Owner: owner, JobID: jobID, Dir: job.RunDir}
	report.Shared = share.IsShared(rd)

	if m, err := manifest.Read(rd.ManifestPath()); err == nil {
		report.Params = m.Params
		report.Inputs = m.Files
		if m.Scale != nil {
			report.Scale = m.Scale
		}
	}

	artifacts, err := listArtifacts(rd.OutputsDir())
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	report.Artifacts = artifacts
	return report, nil
}

func listArtifacts(dir string) ([]string, error) {
	artifacts := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func renderExitCode(code *int) string {
	if code == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d", *code)
}

func renderRunDir(r *Report) string {
	if r.Present {
		return r.RunDir
	}
	return r.RunDir + " (missing)"
}
