// Package pipeline runs one analysis submission end to end: staged uploads
// become a committed run directory, the tool runs against it, the colour
// scale is derived from its output and archiving is queued in the
// background.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mattjoyce/relayer/internal/archive"
	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/dispatch"
	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/jobid"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/protocol"
	"github.com/mattjoyce/relayer/internal/workspace"
)

// Staging is the upload area as the pipeline sees it. *upload.Assembler
// satisfies it.
type Staging interface {
	dispatch.StagedLookup
	Path(uploadID, filename string) (string, error)
}

// Executor runs the analysis tool. *dispatch.Runner satisfies it.
type Executor interface {
	CheckParams(params map[string]string) error
	Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.Result, error)
}

// Archiver queues finished runs for compression. *archive.Archiver
// satisfies it.
type Archiver interface {
	Submit(ctx context.Context, rd workspace.RunDirectory) (*archive.Task, error)
}

// Ledger records the job lifecycle. *ledger.Ledger satisfies it.
type Ledger interface {
	Record(ctx context.Context, owner, jobID, runDir string) error
	Start(ctx context.Context, owner, jobID, runDir string) error
	Complete(ctx context.Context, owner, jobID string, exitCode int, stderr string) error
	Fail(ctx context.Context, owner, jobID string, cause error) error
}

// Unpublisher withdraws a share. *share.Manager satisfies it.
type Unpublisher interface {
	Unpublish(ctx context.Context, owner, jobID string) error
}

// Deps are the collaborators of a Service. Archiver, Shares and Events may
// be nil.
type Deps struct {
	Staging    Staging
	Workspace  *workspace.Manager
	Runner     Executor
	Table      *colorscale.Table
	Ledger     Ledger
	Archiver   Archiver
	Shares     Unpublisher
	Events     events.Publisher
	IDs        *jobid.Generator
	Links      manifest.Links
	OutputGrid string
	Logger     *slog.Logger
}

// Submission is one analysis request.
type Submission struct {
	Owner  string
	Files  []dispatch.FileDescriptor
	Params map[string]string
}

// Result is returned to the client once the tool has finished.
type Result struct {
	ExitCode   int              `json:"exit_code"`
	Scale      colorscale.Scale `json:"scale"`
	AssetsPath string           `json:"assets_path"`
	ResultsURL string           `json:"results_url"`
	ShareURL   string           `json:"share_url"`
	UUID       string           `json:"uuid"`
}

type Service struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) (*Service, error) {
	switch {
	case deps.Staging == nil:
		return nil, fmt.Errorf("pipeline: staging is required")
	case deps.Workspace == nil:
		return nil, fmt.Errorf("pipeline: workspace is required")
	case deps.Runner == nil:
		return nil, fmt.Errorf("pipeline: runner is required")
	case deps.Table == nil:
		return nil, fmt.Errorf("pipeline: colour table is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("pipeline: ledger is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.IDs == nil {
		deps.IDs = jobid.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps, logger: deps.Logger.With(slog.String("component", "pipeline"))}, nil
}

// Submit validates sub, builds and commits its run directory, runs the tool
// and returns the outcome. A nonzero exit is reported in Result, not as an
// error. Archiving is queued only for successful runs and never affects
// the result.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	staged, err := s.validate(sub)
	if err != nil {
		s.logger.Info("submission rejected", "owner", sub.Owner, "error", err)
		return Result{}, err
	}

	// Once accepted, a submission runs to completion even if the caller
	// disconnects.
	ctx = context.WithoutCancel(ctx)

	jobID := s.deps.IDs.Next()
	logger := s.logger.With(slog.String("owner", sub.Owner), slog.String("job_id", jobID))

	rd, inputs, err := s.prepare(ctx, sub, jobID, staged)
	if err != nil {
		return Result{}, err
	}

	s.deps.Events.Publish(events.JobSubmitted, sub.Owner, map[string]any{"job_id": jobID, "inputs": len(inputs)})

	res, err := s.deps.Runner.Execute(ctx, dispatch.Invocation{Run: rd, Inputs: inputs, Params: sub.Params})
	if err != nil {
		s.failJob(ctx, logger, rd, err)
		return Result{}, err
	}

	scale := colorscale.Scale{}
	if res.Succeeded() {
		scale, err = s.deps.Table.FromFile(filepath.Join(rd.OutputsDir(), s.deps.OutputGrid))
		if err != nil {
			logger.Warn("output grid unreadable, returning empty scale", "error", err)
			scale = colorscale.Scale{}
		}
	}

	if err := s.finishManifest(rd, res.ExitCode, scale); err != nil {
		s.failJob(ctx, logger, rd, err)
		return Result{}, err
	}
	if err := s.deps.Ledger.Complete(ctx, rd.Owner, rd.JobID, res.ExitCode, res.Stderr); err != nil {
		logger.Warn("failed to record job completion", "error", err)
	}
	s.deps.Events.Publish(events.JobCompleted, sub.Owner, map[string]any{
		"job_id":    jobID,
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
	})

	if res.Succeeded() && s.deps.Archiver != nil {
		if _, err := s.deps.Archiver.Submit(ctx, rd); err != nil {
			logger.Warn("archive not queued", "error", err)
		}
	}

	links := s.deps.Links
	return Result{
		ExitCode:   res.ExitCode,
		Scale:      scale,
		AssetsPath: links.AssetsPath(sub.Owner, jobID),
		ResultsURL: links.ResultsURL(sub.Owner, jobID),
		ShareURL:   links.ShareURL(sub.Owner, jobID),
		UUID:       jobID,
	}, nil
}

// validate checks the request and resolves each descriptor to its staged
// file.
func (s *Service) validate(sub Submission) ([]workspace.StagedFile, error) {
	if _, err := s.deps.Workspace.OwnerDir(sub.Owner); err != nil {
		return nil, err
	}
	if err := dispatch.Validate(sub.Files, s.deps.Staging); err != nil {
		return nil, err
	}
	if err := s.deps.Runner.CheckParams(sub.Params); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(sub.Files))
	staged := make([]workspace.StagedFile, 0, len(sub.Files))
	for _, f := range sub.Files {
		if seen[f.OriginalName] {
			return nil, errs.Validation("file name %q submitted twice", f.OriginalName)
		}
		seen[f.OriginalName] = true

		path, err := s.deps.Staging.Path(f.UUID, f.OriginalName)
		if err != nil {
			return nil, err
		}
		staged = append(staged, workspace.StagedFile{Name: f.OriginalName, Path: path})
	}
	return staged, nil
}

// prepare builds the run directory in staging, records the job and commits
// the directory. On failure the inputs are returned to upload staging and
// nothing is left in the owner namespace.
func (s *Service) prepare(ctx context.Context, sub Submission, jobID string, staged []workspace.StagedFile) (workspace.RunDirectory, []protocol.Input, error) {
	ws := s.deps.Workspace
	rd, err := ws.CreateRunDirectory(ctx, sub.Owner, jobID)
	if err != nil {
		return rd, nil, err
	}

	recorded := false
	fail := func(err error) (workspace.RunDirectory, []protocol.Input, error) {
		// The uploads go back to staging so the caller can resubmit them.
		if rerr := ws.ReturnStagedInputs(rd, staged); rerr != nil {
			s.logger.Error("inputs left in run staging", "job_id", jobID, "dir", rd.Dir, "error", rerr)
		} else if aerr := ws.Abort(rd); aerr != nil {
			s.logger.Warn("failed to discard staged run", "job_id", jobID, "error", aerr)
		}
		if recorded {
			if lerr := s.deps.Ledger.Fail(ctx, sub.Owner, jobID, err); lerr != nil {
				s.logger.Warn("failed to record job failure", "job_id", jobID, "error", lerr)
			}
		}
		return workspace.RunDirectory{}, nil, err
	}

	paths, err := ws.MoveStagedInputs(ctx, rd, staged)
	if err != nil {
		return fail(err)
	}

	inputs := make([]protocol.Input, 0, len(paths))
	files := make([]manifest.File, 0, len(paths))
	for _, p := range paths {
		f, err := manifest.Describe(p)
		if err != nil {
			return fail(errs.Infrastructure("describe input", err))
		}
		files = append(files, f)
		inputs = append(inputs, protocol.Input{Name: f.Name, Size: f.Size})
	}

	if err := s.deps.Ledger.Record(ctx, sub.Owner, jobID, rd.Dir); err != nil {
		return fail(errs.Infrastructure("record job", err))
	}
	recorded = true

	ownerDir, err := ws.OwnerDir(sub.Owner)
	if err != nil {
		return fail(err)
	}
	createdAt, err := jobid.Parse(jobID)
	if err != nil {
		return fail(errs.Infrastructure("parse job id", err))
	}
	links := s.deps.Links
	m := &manifest.Manifest{
		Params:       sub.Params,
		User:         manifest.EncodeOwner(sub.Owner),
		ResultsURL:   links.ResultsURL(sub.Owner, jobID),
		ShareURL:     links.ShareURL(sub.Owner, jobID),
		AssetsPath:   links.AssetsPath(sub.Owner, jobID),
		RunDir:       filepath.Join(ownerDir, jobID),
		UniqResultID: jobID,
		Scale:        colorscale.Scale{},
		Files:        files,
		CreatedAt:    createdAt,
	}
	if m.Params == nil {
		m.Params = map[string]string{}
	}
	if err := manifest.Write(rd.ManifestPath(), m); err != nil {
		return fail(errs.Infrastructure("write manifest", err))
	}

	committed, err := ws.Commit(ctx, rd)
	if err != nil {
		return fail(err)
	}
	rd = committed
	for i := range inputs {
		inputs[i].Path = filepath.Join(rd.InputsDir(), inputs[i].Name)
	}

	if err := s.deps.Ledger.Start(ctx, rd.Owner, jobID, rd.Dir); err != nil {
		s.logger.Warn("failed to record job start", "job_id", jobID, "error", err)
	}
	return rd, inputs, nil
}

func (s *Service) finishManifest(rd workspace.RunDirectory, exitCode int, scale colorscale.Scale) error {
	m, err := manifest.Read(rd.ManifestPath())
	if err != nil {
		return errs.Infrastructure("read manifest", err)
	}
	m.ExitCode = &exitCode
	m.Scale = scale
	if err := manifest.Write(rd.ManifestPath(), m); err != nil {
		return errs.Infrastructure("write manifest", err)
	}
	return nil
}

func (s *Service) failJob(ctx context.Context, logger *slog.Logger, rd workspace.RunDirectory, cause error) {
	logger.Error("job failed", "error", cause)
	if err := s.deps.Ledger.Fail(ctx, rd.Owner, rd.JobID, cause); err != nil {
		logger.Warn("failed to record job failure", "error", err)
	}
}

// Retire withdraws any share of the run and moves it out of the owner's
// history.
func (s *Service) Retire(ctx context.Context, owner, jobID string) error {
	if s.deps.Shares != nil {
		if err := s.deps.Shares.Unpublish(ctx, owner, jobID); err != nil {
			return err
		}
	}
	dst, err := s.deps.Workspace.Retire(ctx, owner, jobID)
	if err != nil {
		return err
	}
	s.deps.Events.Publish(events.ResultRetired, owner, map[string]any{"job_id": jobID})
	s.logger.Info("result retired", "owner", owner, "job_id", jobID, "dir", dst)
	return nil
}
