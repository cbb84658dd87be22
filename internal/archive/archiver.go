// Package archive compresses finished run outputs in the background.
//
// Submit queues a run and returns a Task whose Done channel closes when the
// archive is in place (or has failed). A fixed pool of workers drains the
// queue. Failures never reach the submitter: they are logged, recorded in
// the ledger and published as archive.failed.
package archive

import (
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/mholt/archiver"

	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/workspace"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("archiver is closed")
	// ErrNoTask is returned by Wait when no archive is pending for a run.
	ErrNoTask = errors.New("no pending archive task")
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("archive queue is full")
)

// Recorder persists archive task state. *ledger.Ledger satisfies it.
type Recorder interface {
	EnqueueArchive(ctx context.Context, owner, jobID, path string) (string, error)
	FinishArchive(ctx context.Context, taskID string, status ledger.ArchiveStatus, cause error) error
}

// Uploader mirrors a finished archive elsewhere. *S3Mirror satisfies it.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Options configures an Archiver.
type Options struct {
	Workers   int
	QueueSize int
	FileName  string

	Recorder Recorder
	Events   events.Publisher
	Mirror   Uploader
	Logger   *slog.Logger
}

// Task is one queued archive job.
type Task struct {
	ID     string
	Owner  string
	JobID  string
	Source string
	Dest   string

	done chan struct{}
	err  error
}

// Done closes when the task has finished, successfully or not.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err reports the task's failure. Only valid after Done has closed.
func (t *Task) Err() error { return t.err }

type taskKey struct{ owner, jobID string }

// Archiver owns the archive queue and its workers.
type Archiver struct {
	opts   Options
	logger *slog.Logger
	queue  chan *Task

	sendMu sync.RWMutex
	closed bool

	mu    sync.Mutex
	tasks map[taskKey]*Task

	startOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an Archiver. Call Start to launch workers.
func New(opts Options) *Archiver {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.FileName == "" {
		opts.FileName = "relayer_results.zip"
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Archiver{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "archive")),
		queue:  make(chan *Task, opts.QueueSize),
		tasks:  make(map[taskKey]*Task),
	}
}

// Path returns where the archive for rd is written.
func (a *Archiver) Path(rd workspace.RunDirectory) string {
	return filepath.Join(rd.Dir, a.opts.FileName)
}

// Start launches the worker pool. Tasks run detached from ctx so that an
// accepted task always finishes; use Close to stop.
func (a *Archiver) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		workCtx := context.WithoutCancel(ctx)
		for i := 0; i < a.opts.Workers; i++ {
			a.wg.Add(1)
			go a.worker(workCtx, i)
		}
		a.logger.Info("archive workers started", "workers", a.opts.Workers)
	})
}

// Submit queues rd's outputs for archiving. If an archive for the same run
// is already pending, that task is returned instead. Submit never waits for
// queue space: when the queue is full the task is recorded as failed and
// ErrQueueFull is returned.
func (a *Archiver) Submit(ctx context.Context, rd workspace.RunDirectory) (*Task, error) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return nil, ErrClosed
	}

	key := taskKey{rd.Owner, rd.JobID}
	a.mu.Lock()
	if existing, ok := a.tasks[key]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	task := &Task{
		Owner:  rd.Owner,
		JobID:  rd.JobID,
		Source: rd.OutputsDir(),
		Dest:   a.Path(rd),
		done:   make(chan struct{}),
	}
	if a.opts.Recorder != nil {
		id, err := a.opts.Recorder.EnqueueArchive(ctx, rd.Owner, rd.JobID, task.Dest)
		if err != nil {
			return nil, fmt.Errorf("record archive task: %w", err)
		}
		task.ID = id
	} else {
		task.ID = uuid.NewString()
	}

	a.mu.Lock()
	a.tasks[key] = task
	a.mu.Unlock()

	select {
	case a.queue <- task:
		a.logger.Debug("archive queued", "task_id", task.ID, "owner", task.Owner, "job_id", task.JobID)
		return task, nil
	default:
		a.complete(context.WithoutCancel(ctx), task, ErrQueueFull)
		return nil, ErrQueueFull
	}
}

// Wait blocks until the pending archive for owner/jobID finishes or ctx is
// done. ErrNoTask means nothing is pending; the archive is either already on
// disk or was never requested.
func (a *Archiver) Wait(ctx context.Context, owner, jobID string) (*Task, error) {
	a.mu.Lock()
	task, ok := a.tasks[taskKey{owner, jobID}]
	a.mu.Unlock()
	if !ok {
		return nil, ErrNoTask
	}

	select {
	case <-task.Done():
		return task, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit.
func (a *Archiver) Close() error {
	a.sendMu.Lock()
	if a.closed {
		a.sendMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.sendMu.Unlock()

	// Workers never started: fail whatever is still queued.
	a.startOnce.Do(func() {
		for task := range a.queue {
			a.complete(context.Background(), task, ErrClosed)
		}
	})

	a.wg.Wait()
	a.logger.Info("archive workers stopped")
	return nil
}

func (a *Archiver) worker(ctx context.Context, n int) {
	defer a.wg.Done()
	for task := range a.queue {
		a.complete(ctx, task, a.build(ctx, task))
	}
	a.logger.Debug("archive worker exiting", "worker", n)
}

func (a *Archiver) build(ctx context.Context, task *Task) error {
	if _, err := os.Stat(task.Source); err != nil {
		return fmt.Errorf("outputs directory: %w", err)
	}

	// archiver picks the format from the extension, so the temp name keeps .zip.
	tmp := filepath.Join(filepath.Dir(task.Dest), ".archive-"+task.ID+".zip")
	z := archiver.Zip{
		CompressionLevel:       flate.DefaultCompression,
		MkdirAll:               true,
		SelectiveCompression:   true,
		ContinueOnError:        false,
		OverwriteExisting:      false,
		ImplicitTopLevelFolder: false,
	}
	if err := z.Archive([]string{task.Source}, tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("compress outputs: %w", err)
	}
	if err := os.Rename(tmp, task.Dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install archive: %w", err)
	}

	if a.opts.Mirror != nil {
		key := path.Join(task.Owner, task.JobID, filepath.Base(task.Dest))
		if err := a.opts.Mirror.Upload(ctx, key, task.Dest); err != nil {
			a.logger.Warn("archive mirror upload failed",
				"task_id", task.ID, "owner", task.Owner, "job_id", task.JobID, "error", err)
		}
	}
	return nil
}

func (a *Archiver) complete(ctx context.Context, task *Task, err error) {
	task.err = err
	a.finishRecord(ctx, task, err)

	payload := map[string]any{"task_id": task.ID, "job_id": task.JobID}
	if err != nil {
		a.logger.Error("archive failed",
			"task_id", task.ID, "owner", task.Owner, "job_id", task.JobID, "error", err)
		payload["error"] = err.Error()
		a.opts.Events.Publish(events.ArchiveFailed, task.Owner, payload)
	} else {
		a.logger.Info("archive written",
			"task_id", task.ID, "owner", task.Owner, "job_id", task.JobID, "path", task.Dest)
		a.opts.Events.Publish(events.ArchiveCompleted, task.Owner, payload)
	}

	a.mu.Lock()
	if a.tasks[taskKey{task.Owner, task.JobID}] == task {
		delete(a.tasks, taskKey{task.Owner, task.JobID})
	}
	a.mu.Unlock()
	close(task.done)
}

func (a *Archiver) finishRecord(ctx context.Context, task *Task, err error) {
	if a.opts.Recorder == nil {
		return
	}
	status := ledger.ArchiveCompleted
	if err != nil {
		status = ledger.ArchiveFailed
	}
	if rerr := a.opts.Recorder.FinishArchive(ctx, task.ID, status, err); rerr != nil {
		a.logger.Warn("failed to record archive status", "task_id", task.ID, "error", rerr)
	}
}
