package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/upload"
	"github.com/mattjoyce/relayer/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/relayer/internal/scheduler JobStore,UploadSweeper,RunCleaner

// JobStore is the part of the ledger used for crash recovery.
type JobStore interface {
	Interrupted(ctx context.Context) ([]ledger.Job, error)
	Fail(ctx context.Context, owner, jobID string, cause error) error
}

// UploadSweeper removes abandoned chunked uploads.
type UploadSweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (upload.SweepReport, error)
}

// RunCleaner removes run staging directories left by a dead process.
type RunCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (workspace.CleanupReport, error)
}
