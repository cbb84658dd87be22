// Package history lists an owner's finished runs from their run directories.
package history

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/jobid"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// Owners resolves an owner's namespace. *workspace.Manager satisfies it.
type Owners interface {
	OwnerDir(owner string) (string, error)
}

// Entry is one run as listed in history: the manifest plus what is derived
// from the directory itself.
type Entry struct {
	manifest.Manifest
	JobID   string    `json:"job_id"`
	RunTime time.Time `json:"run_time"`
	Share   bool      `json:"share"`
}

type Index struct {
	owners Owners
	logger *slog.Logger
}

func New(owners Owners, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{owners: owners, logger: logger.With(slog.String("component", "history"))}
}

// Enumerate returns the owner's runs, newest first. Directories whose name is
// not a job id, or whose manifest is missing or unreadable, are skipped. An
// owner with no namespace yet has an empty history.
func (ix *Index) Enumerate(ctx context.Context, owner string) ([]Entry, error) {
	ownerDir, err := ix.owners.OwnerDir(owner)
	if err != nil {
		return nil, err
	}

	children, err := os.ReadDir(ownerDir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, errs.Infrastructure("read owner directory", err)
	}

	entries := make([]Entry, 0, len(children))
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !child.IsDir() || !jobid.Valid(child.Name()) {
			continue
		}
		runTime, err := jobid.Parse(child.Name())
		if err != nil {
			continue
		}

		rd := workspace.RunDirectory{Owner: owner, JobID: child.Name(), Dir: filepath.Join(ownerDir, child.Name())}
		m, err := manifest.Read(rd.ManifestPath())
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				ix.logger.Warn("skipping run with unreadable manifest",
					"owner", owner, "job_id", rd.JobID, "error", err)
			}
			continue
		}

		entries = append(entries, Entry{
			Manifest: *m,
			JobID:    rd.JobID,
			RunTime:  runTime,
			Share:    share.IsShared(rd),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].JobID > entries[j].JobID
	})
	return entries, nil
}
