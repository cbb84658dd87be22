// Package upload reassembles chunked uploads in the staging area.
//
// A session lives under <staging>/<uploadID>/. Chunked uploads write one
// file per part, <filename>.part_<index>, and are concatenated on finalize.
// Single-shot uploads write <filename> directly.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/workspace"
)

const (
	partSuffix     = ".part_"
	assemblySuffix = ".assembling"
)

// Assembler stores chunks and concatenates them. It keeps no in-memory
// session state; the staging directory is the source of truth.
type Assembler struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// SweepReport summarizes a Sweep run.
type SweepReport struct {
	RemovedSessions int
}

// NewAssembler returns an Assembler rooted at root on fsys.
func NewAssembler(fsys afero.Fs, root string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		fs:     fsys,
		root:   filepath.Clean(root),
		logger: logger.With(slog.String("component", "upload")),
		now:    time.Now,
	}
}

// Root returns the staging directory.
func (a *Assembler) Root() string { return a.root }

// Path returns where the assembled file for uploadID lives.
func (a *Assembler) Path(uploadID, filename string) (string, error) {
	dir, err := a.sessionDir(uploadID)
	if err != nil {
		return "", err
	}
	if err := workspace.ValidateSegment("file name", filename); err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// Exists reports whether the assembled file for uploadID is present.
func (a *Assembler) Exists(uploadID, filename string) (bool, error) {
	path, err := a.Path(uploadID, filename)
	if err != nil {
		return false, err
	}
	info, err := a.fs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errs.Infrastructure("stat staged file", err)
	}
	return info.Mode().IsRegular(), nil
}

// StoreChunk persists one part of an upload. totalParts <= 0 marks a
// single-shot upload, stored under the final name. Ordering and
// completeness are not checked here.
func (a *Assembler) StoreChunk(ctx context.Context, uploadID string, partIndex, totalParts int, filename string, body io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := a.Path(uploadID, filename)
	if err != nil {
		return err
	}
	if totalParts > 0 {
		if partIndex < 0 || partIndex >= totalParts {
			return errs.Validation("part index %d out of range for %d parts", partIndex, totalParts)
		}
		target = partPath(target, partIndex)
	}

	if err := afero.WriteReader(a.fs, target, body); err != nil {
		return errs.Infrastructure("store chunk", fmt.Errorf("upload %s: %w", uploadID, err))
	}

	a.logger.Debug("chunk stored",
		"upload_id", uploadID,
		"file", filename,
		"part", partIndex,
		"total_parts", totalParts,
	)
	return nil
}

// FinalizeUpload concatenates parts 0..totalParts-1 into the final file and
// returns its path. Parts are deleted only after the final file is in place;
// on any failure they are kept and an AssemblyError is returned.
func (a *Assembler) FinalizeUpload(ctx context.Context, uploadID, filename string, totalParts int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := a.Path(uploadID, filename)
	if err != nil {
		return "", err
	}
	if totalParts <= 0 {
		return "", errs.Assembly(uploadID, fmt.Errorf("total parts must be positive, got %d", totalParts))
	}

	for i := 0; i < totalParts; i++ {
		if _, err := a.fs.Stat(partPath(target, i)); err != nil {
			return "", errs.Assembly(uploadID, fmt.Errorf("part %d of %d: %w", i, totalParts, err))
		}
	}

	tmp := target + assemblySuffix
	if err := a.concat(ctx, tmp, target, totalParts); err != nil {
		_ = a.fs.Remove(tmp)
		return "", errs.Assembly(uploadID, err)
	}
	if err := a.fs.Rename(tmp, target); err != nil {
		_ = a.fs.Remove(tmp)
		return "", errs.Assembly(uploadID, fmt.Errorf("rename assembled file: %w", err))
	}

	for i := 0; i < totalParts; i++ {
		if err := a.fs.Remove(partPath(target, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("failed to remove part", "upload_id", uploadID, "part", i, "error", err)
		}
	}

	a.logger.Info("upload assembled", "upload_id", uploadID, "file", filename, "parts", totalParts)
	return target, nil
}

func (a *Assembler) concat(ctx context.Context, dst, target string, totalParts int) error {
	out, err := a.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create assembled file: %w", err)
	}
	for i := 0; i < totalParts; i++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		if err := a.appendPart(out, partPath(target, i)); err != nil {
			out.Close()
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return out.Close()
}

func (a *Assembler) appendPart(out io.Writer, path string) error {
	in, err := a.fs.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

// Sweep removes upload sessions whose directory has not been touched for
// olderThan. Abandoned chunked uploads would otherwise accumulate forever.
func (a *Assembler) Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("olderThan must be positive")
	}
	entries, err := afero.ReadDir(a.fs, a.root)
	if errors.Is(err, fs.ErrNotExist) {
		return SweepReport{}, nil
	}
	if err != nil {
		return SweepReport{}, fmt.Errorf("read staging directory: %w", err)
	}

	cutoff := a.now().Add(-olderThan)
	var report SweepReport
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() || entry.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(a.root, entry.Name())
		if err := a.fs.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove session %q: %w", entry.Name(), err)
		}
		a.logger.Info("abandoned upload removed", "upload_id", entry.Name())
		report.RemovedSessions++
	}
	return report, nil
}

func (a *Assembler) sessionDir(uploadID string) (string, error) {
	if err := workspace.ValidateSegment("upload id", uploadID); err != nil {
		return "", err
	}
	return filepath.Join(a.root, uploadID), nil
}

func partPath(target string, index int) string {
	return target + partSuffix + strconv.Itoa(index)
}
