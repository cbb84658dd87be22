package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/relayer/internal/errs"
)

// Manager owns the users namespace: <usersDir>/<owner>/<jobID>/.
type Manager struct {
	usersDir string
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a filesystem-backed run directory manager rooted at
// usersDir.
func NewManager(usersDir string, logger *slog.Logger) (*Manager, error) {
	trimmed := strings.TrimSpace(usersDir)
	if trimmed == "" {
		return nil, fmt.Errorf("users directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		usersDir: filepath.Clean(trimmed),
		logger:   logger.With(slog.String("component", "workspace")),
		now:      time.Now,
	}, nil
}

// UsersDir returns the namespace root.
func (m *Manager) UsersDir() string { return m.usersDir }

// OwnerDir returns the namespace of one owner.
func (m *Manager) OwnerDir(owner string) (string, error) {
	if err := ValidateSegment("owner", owner); err != nil {
		return "", err
	}
	return filepath.Join(m.usersDir, owner), nil
}

// CreateRunDirectory builds the hidden staging directory for a new run with
// empty in/ and out/ subdirectories. An existing run or staging directory
// with the same id is an infrastructure failure: ids are never reused.
func (m *Manager) CreateRunDirectory(ctx context.Context, owner, jobID string) (RunDirectory, error) {
	if err := ctx.Err(); err != nil {
		return RunDirectory{}, err
	}
	finalPath, stagingPath, err := m.paths(owner, jobID)
	if err != nil {
		return RunDirectory{}, err
	}

	if _, err := os.Lstat(finalPath); err == nil {
		return RunDirectory{}, errs.Infrastructure("create run directory",
			fmt.Errorf("run %q for owner %q already exists", jobID, owner))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return RunDirectory{}, errs.Infrastructure("create run directory", err)
	}

	if err := os.MkdirAll(filepath.Dir(stagingPath), 0o755); err != nil {
		return RunDirectory{}, errs.Infrastructure("create owner directory", err)
	}
	if err := os.Mkdir(stagingPath, 0o755); err != nil {
		return RunDirectory{}, errs.Infrastructure("create run directory",
			fmt.Errorf("stage run %q for owner %q: %w", jobID, owner, err))
	}

	rd := RunDirectory{Owner: owner, JobID: jobID, Dir: stagingPath, Staged: true}
	for _, sub := range []string{rd.InputsDir(), rd.OutputsDir()} {
		if err := os.Mkdir(sub, 0o755); err != nil {
			_ = os.RemoveAll(stagingPath)
			return RunDirectory{}, errs.Infrastructure("create run directory", err)
		}
	}

	m.logger.Debug("run directory staged", "owner", owner, "job_id", jobID, "dir", stagingPath)
	return rd, nil
}

// MoveStagedInputs moves each staged file into the run's in/ directory and
// removes the upload session directories left empty behind it. It returns
// the new absolute paths in input order.
func (m *Manager) MoveStagedInputs(ctx context.Context, rd RunDirectory, files []StagedFile) ([]string, error) {
	moved := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if err := ValidateSegment("file name", f.Name); err != nil {
			return moved, err
		}

		dst := filepath.Join(rd.InputsDir(), f.Name)
		if err := moveFile(f.Path, dst); err != nil {
			return moved, errs.Infrastructure("move staged input",
				fmt.Errorf("%s -> %s: %w", f.Path, dst, err))
		}
		moved = append(moved, dst)

		// Only succeeds when the session directory is now empty.
		_ = os.Remove(filepath.Dir(f.Path))
	}
	return moved, nil
}

// ReturnStagedInputs moves inputs out of an uncommitted run's in/ back to
// their upload staging paths, recreating session directories that
// MoveStagedInputs removed. Files that never reached in/ are skipped.
func (m *Manager) ReturnStagedInputs(rd RunDirectory, files []StagedFile) error {
	if !rd.Staged {
		return nil
	}
	var failed []error
	for _, f := range files {
		if ValidateSegment("file name", f.Name) != nil {
			continue
		}
		src := filepath.Join(rd.InputsDir(), f.Name)
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			failed = append(failed, fmt.Errorf("recreate %s: %w", filepath.Dir(f.Path), err))
			continue
		}
		if err := moveFile(src, f.Path); err != nil {
			failed = append(failed, fmt.Errorf("%s -> %s: %w", src, f.Path, err))
			continue
		}
		m.logger.Debug("input returned to staging", "job_id", rd.JobID, "path", f.Path)
	}
	if len(failed) > 0 {
		return errs.Infrastructure("return staged inputs", errors.Join(failed...))
	}
	return nil
}

// Commit atomically renames a staged run directory to its final name.
func (m *Manager) Commit(ctx context.Context, rd RunDirectory) (RunDirectory, error) {
	if err := ctx.Err(); err != nil {
		return rd, err
	}
	if !rd.Staged {
		return rd, nil
	}
	finalPath, _, err := m.paths(rd.Owner, rd.JobID)
	if err != nil {
		return rd, err
	}

	if _, err := os.Lstat(finalPath); err == nil {
		return rd, errs.Infrastructure("commit run directory",
			fmt.Errorf("run %q for owner %q already exists", rd.JobID, rd.Owner))
	}
	if err := os.Rename(rd.Dir, finalPath); err != nil {
		return rd, errs.Infrastructure("commit run directory", err)
	}

	m.logger.Debug("run directory committed", "owner", rd.Owner, "job_id", rd.JobID, "dir", finalPath)
	return RunDirectory{Owner: rd.Owner, JobID: rd.JobID, Dir: finalPath}, nil
}

// Abort discards a run directory that never got committed.
func (m *Manager) Abort(rd RunDirectory) error {
	if !rd.Staged {
		return nil
	}
	if err := os.RemoveAll(rd.Dir); err != nil {
		return errs.Infrastructure("abort run directory", err)
	}
	return nil
}

// Open resolves an existing committed run directory.
func (m *Manager) Open(ctx context.Context, owner, jobID string) (RunDirectory, error) {
	if err := ctx.Err(); err != nil {
		return RunDirectory{}, err
	}
	finalPath, _, err := m.paths(owner, jobID)
	if err != nil {
		return RunDirectory{}, err
	}

	info, err := os.Stat(finalPath)
	if errors.Is(err, fs.ErrNotExist) {
		return RunDirectory{}, fmt.Errorf("open run %q for owner %q: %w", jobID, owner, fs.ErrNotExist)
	}
	if err != nil {
		return RunDirectory{}, errs.Infrastructure("open run directory", err)
	}
	if !info.IsDir() {
		return RunDirectory{}, errs.Infrastructure("open run directory",
			fmt.Errorf("run path for %q is not a directory", jobID))
	}
	return RunDirectory{Owner: owner, JobID: jobID, Dir: finalPath}, nil
}

// Retire moves a committed run out of the owner namespace into
// <usersDir>/.retired/<owner>/<jobID>. History no longer lists it afterwards.
func (m *Manager) Retire(ctx context.Context, owner, jobID string) (string, error) {
	rd, err := m.Open(ctx, owner, jobID)
	if err != nil {
		return "", err
	}

	dst := filepath.Join(m.usersDir, retiredDir, owner, jobID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errs.Infrastructure("retire run directory", err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return "", errs.Infrastructure("retire run directory",
			fmt.Errorf("retired run %q for owner %q already exists", jobID, owner))
	}
	if err := os.Rename(rd.Dir, dst); err != nil {
		return "", errs.Infrastructure("retire run directory", err)
	}

	m.logger.Info("run retired", "owner", owner, "job_id", jobID, "dir", dst)
	return dst, nil
}

// Cleanup removes hidden staging directories older than olderThan. They are
// left behind only when a process died between CreateRunDirectory and
// Commit.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	owners, err := os.ReadDir(m.usersDir)
	if errors.Is(err, fs.ErrNotExist) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read users directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, owner := range owners {
		if !owner.IsDir() || strings.HasPrefix(owner.Name(), ".") {
			continue
		}
		ownerDir := filepath.Join(m.usersDir, owner.Name())
		entries, err := os.ReadDir(ownerDir)
		if err != nil {
			return report, fmt.Errorf("read owner directory %q: %w", owner.Name(), err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !entry.IsDir() || !strings.HasPrefix(entry.Name(), stagingPrefix) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				return report, fmt.Errorf("read staging entry info %q: %w", entry.Name(), err)
			}
			if !stale(info.ModTime(), cutoff) {
				continue
			}

			path := filepath.Join(ownerDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				return report, fmt.Errorf("remove staging directory %q: %w", path, err)
			}
			m.logger.Info("removed stale run staging", "path", path)
			report.DeletedDirs++
		}
	}
	return report, nil
}

func (m *Manager) paths(owner, jobID string) (finalPath, stagingPath string, err error) {
	if err := ValidateSegment("owner", owner); err != nil {
		return "", "", err
	}
	if err := ValidateSegment("job id", jobID); err != nil {
		return "", "", err
	}
	ownerDir := filepath.Join(m.usersDir, owner)
	return filepath.Join(ownerDir, jobID), filepath.Join(ownerDir, stagingPrefix+jobID), nil
}
