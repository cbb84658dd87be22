// Package share publishes run results into the public namespace.
//
// A shared run has two pieces: a copy of out/ and params.json under
// <public>/share/<owner>/<jobID>/, and a .share marker inside the private run
// directory. Publish and Unpublish converge both pieces to the same state and
// are safe to repeat.
package share

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// MarkerName is the file that flags a run as shared.
const MarkerName = ".share"

const publishingPrefix = ".publishing-"

// Runs resolves committed run directories. *workspace.Manager satisfies it.
type Runs interface {
	Open(ctx context.Context, owner, jobID string) (workspace.RunDirectory, error)
}

type Manager struct {
	runs     Runs
	shareDir string
	events   events.Publisher
	logger   *slog.Logger
}

func New(runs Runs, shareDir string, pub events.Publisher, logger *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runs:     runs,
		shareDir: shareDir,
		events:   pub,
		logger:   logger.With(slog.String("component", "share")),
	}
}

// Dir returns the public copy location for owner/jobID.
func (m *Manager) Dir(owner, jobID string) (string, error) {
	if err := workspace.ValidateSegment("owner", owner); err != nil {
		return "", err
	}
	if err := workspace.ValidateSegment("job id", jobID); err != nil {
		return "", err
	}
	return filepath.Join(m.shareDir, owner, jobID), nil
}

// ManifestPath is the public copy of the run's params.json.
func (m *Manager) ManifestPath(owner, jobID string) (string, error) {
	dir, err := m.Dir(owner, jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, workspace.ManifestName), nil
}

// IsShared reports whether the run's marker is present.
func IsShared(rd workspace.RunDirectory) bool {
	_, err := os.Stat(filepath.Join(rd.Dir, MarkerName))
	return err == nil
}

// Publish copies the run's outputs and manifest into the share namespace and
// writes the marker. Publishing an already shared run changes nothing.
func (m *Manager) Publish(ctx context.Context, owner, jobID string) error {
	rd, err := m.runs.Open(ctx, owner, jobID)
	if err != nil {
		return err
	}
	dst, err := m.Dir(owner, jobID)
	if err != nil {
		return err
	}

	copyPresent := exists(dst)
	if copyPresent && IsShared(rd) {
		return nil
	}

	if !copyPresent {
		if err := m.buildCopy(ctx, rd, dst); err != nil {
			return err
		}
	}
	if err := touch(filepath.Join(rd.Dir, MarkerName)); err != nil {
		return errs.Infrastructure("write share marker", err)
	}

	m.logger.Info("result shared", "owner", owner, "job_id", jobID, "dir", dst)
	m.events.Publish(events.SharePublished, owner, map[string]any{"job_id": jobID})
	return nil
}

// buildCopy assembles the public copy next to dst and renames it into place.
func (m *Manager) buildCopy(ctx context.Context, rd workspace.RunDirectory, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errs.Infrastructure("create share owner directory", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dst), publishingPrefix+rd.JobID+"-*")
	if err != nil {
		return errs.Infrastructure("create share staging", err)
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		_ = os.RemoveAll(tmp)
		return errs.Infrastructure("create share staging", err)
	}

	if err := workspace.CloneTree(ctx, rd.OutputsDir(), filepath.Join(tmp, workspace.OutputsDir)); err != nil {
		_ = os.RemoveAll(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return errs.Validation("run %s has no outputs to share", rd.JobID)
		}
		return errs.Infrastructure("copy outputs to share", err)
	}
	if err := workspace.LinkFile(rd.ManifestPath(), filepath.Join(tmp, workspace.ManifestName)); err != nil {
		_ = os.RemoveAll(tmp)
		return errs.Infrastructure("copy manifest to share", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.RemoveAll(tmp)
		// A concurrent Publish installed its copy first.
		if exists(dst) {
			return nil
		}
		return errs.Infrastructure("install share copy", err)
	}
	return nil
}

// Unpublish removes the public copy and the marker. A run that was never
// shared, or no longer exists, is not an error.
func (m *Manager) Unpublish(ctx context.Context, owner, jobID string) error {
	dst, err := m.Dir(owner, jobID)
	if err != nil {
		return err
	}

	removed := false
	if exists(dst) {
		if err := os.RemoveAll(dst); err != nil {
			return errs.Infrastructure("remove share copy", err)
		}
		removed = true
	}

	rd, err := m.runs.Open(ctx, owner, jobID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		err := os.Remove(filepath.Join(rd.Dir, MarkerName))
		if err == nil {
			removed = true
		} else if !errors.Is(err, fs.ErrNotExist) {
			return errs.Infrastructure("remove share marker", err)
		}
	}

	if removed {
		m.logger.Info("result unshared", "owner", owner, "job_id", jobID)
		m.events.Publish(events.ShareUnpublished, owner, map[string]any{"job_id": jobID})
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	return f.Close()
}
