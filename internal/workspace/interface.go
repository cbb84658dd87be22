package workspace

import (
	"path/filepath"
	"time"
)

// Layout names inside a run directory.
const (
	InputsDir    = "in"
	OutputsDir   = "out"
	ManifestName = "params.json"

	stagingPrefix = ".staging-"
	retiredDir    = ".retired"
)

// RunDirectory is the per-job directory under an owner's namespace.
//
// Until Commit it lives at a hidden staging path next to its final location,
// so nothing that lists the owner namespace can observe a half-built run.
type RunDirectory struct {
	Owner string
	JobID string
	Dir   string

	// Staged is true while Dir still points at the hidden staging path.
	Staged bool
}

// InputsDir is where staged inputs are moved.
func (r RunDirectory) InputsDir() string { return filepath.Join(r.Dir, InputsDir) }

// OutputsDir is where the analysis tool writes its results.
func (r RunDirectory) OutputsDir() string { return filepath.Join(r.Dir, OutputsDir) }

// ManifestPath is the location of params.json.
func (r RunDirectory) ManifestPath() string { return filepath.Join(r.Dir, ManifestName) }

// StagedFile is one reassembled upload waiting to be moved into a run.
type StagedFile struct {
	// Name is the file name the input will have under in/.
	Name string
	// Path is the absolute location in the upload staging area.
	Path string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// stale reports whether a directory last touched at mod is older than cutoff.
func stale(mod, cutoff time.Time) bool {
	return !mod.After(cutoff)
}
