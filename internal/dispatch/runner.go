package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/relayer/internal/config"
	"github.com/mattjoyce/relayer/internal/errs"
	"github.com/mattjoyce/relayer/internal/protocol"
	"github.com/mattjoyce/relayer/internal/workspace"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the tool.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Invocation is everything Execute needs for one run.
type Invocation struct {
	Run    workspace.RunDirectory
	Inputs []protocol.Input
	Params map[string]string
}

// Result is the outcome of one tool run.
type Result struct {
	ExitCode int
	TimedOut bool
	Stderr   string
	Argv     []string
	Duration time.Duration
}

// Succeeded reports a clean exit.
func (r Result) Succeeded() bool { return r.ExitCode == 0 && !r.TimedOut }

// Runner spawns the configured analysis tool.
type Runner struct {
	tool   config.ToolConfig
	logger *slog.Logger
	grace  time.Duration
}

// New creates a Runner for tool.
func New(tool config.ToolConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tool:   tool,
		logger: logger.With(slog.String("component", "dispatch")),
		grace:  terminationGracePeriod,
	}
}

// CheckParams reports whether params satisfy every {param:NAME} in the
// configured args, so a submission can be rejected before a run exists.
func (r *Runner) CheckParams(params map[string]string) error {
	_, err := ExpandArgs(r.tool.Args, Vars{Params: params})
	return err
}

// Execute runs the tool synchronously against a committed run directory.
// Only failures to prepare or start the process are returned as errors; any
// exit status, including a timeout, is reported on Result. ctx is only
// checked before the tool starts; afterwards the tool runs until it exits or
// tool.timeout elapses.
func (r *Runner) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if inv.Run.Staged {
		return Result{}, errs.Infrastructure("execute tool", fmt.Errorf("run %q is not committed", inv.Run.JobID))
	}
	logger := r.logger.With(slog.String("job_id", inv.Run.JobID), slog.String("owner", inv.Run.Owner))

	req := &protocol.Request{
		Protocol:   protocol.Version,
		JobID:      inv.Run.JobID,
		Owner:      inv.Run.Owner,
		RunDir:     inv.Run.Dir,
		InputsDir:  inv.Run.InputsDir(),
		OutputsDir: inv.Run.OutputsDir(),
		OutputGrid: r.tool.OutputGrid,
		Inputs:     inv.Inputs,
		Params:     inv.Params,
		IssuedAt:   time.Now().UTC(),
	}
	requestPath, err := protocol.WriteRequestFile(inv.Run.Dir, req)
	if err != nil {
		return Result{}, errs.Infrastructure("write tool request", err)
	}

	vars := Vars{
		InputsDir:  req.InputsDir,
		OutputsDir: req.OutputsDir,
		RunDir:     req.RunDir,
		JobID:      req.JobID,
		Library:    r.tool.LibraryPath,
		Request:    requestPath,
		Params:     inv.Params,
	}
	if len(inv.Inputs) > 0 {
		vars.Input = inv.Inputs[0].Path
	}
	args, err := ExpandArgs(r.tool.Args, vars)
	if err != nil {
		return Result{}, err
	}

	argv := append([]string{r.tool.Bin}, args...)
	logger.Debug("running analysis tool", "argv", argv, "timeout", r.tool.Timeout)

	start := time.Now()
	res, err := r.spawn(req, args, logger)
	res.Argv = argv
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	if res.Succeeded() {
		logger.Info("analysis tool finished", "exit_code", res.ExitCode, "duration", res.Duration)
	} else {
		logger.Warn("analysis tool failed",
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"duration", res.Duration,
			"stderr", res.Stderr,
		)
	}
	return res, nil
}

func (r *Runner) spawn(req *protocol.Request, args []string, logger *slog.Logger) (Result, error) {
	// Not CommandContext: termination follows the SIGTERM/SIGKILL sequence below.
	cmd := exec.Command(r.tool.Bin, args...)
	cmd.Dir = req.RunDir
	cmd.WaitDelay = r.grace
	cmd.Env = append(os.Environ(),
		"RELAYER_JOB_ID="+req.JobID,
		"RELAYER_RUN_DIR="+req.RunDir,
		"RELAYER_REQUEST="+filepath.Join(req.RunDir, protocol.RequestFileName),
	)
	if r.tool.LibraryPath != "" {
		cmd.Env = append(cmd.Env, "RELAYER_LIBRARY_PATH="+r.tool.LibraryPath)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, errs.Infrastructure("create stdin pipe", err)
	}

	stderr := &cappedBuffer{limit: maxStderrBytes}
	stdout := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Result{}, errs.Infrastructure("start tool", fmt.Errorf("%s: %w", r.tool.Bin, err))
	}

	// Tools are free to ignore stdin; a broken pipe here is not a failure.
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			logger.Debug("tool did not read request from stdin", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if r.tool.Timeout > 0 {
		timer := time.NewTimer(r.tool.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		res := Result{Stderr: stderr.String()}
		if out := stdout.String(); out != "" {
			logger.Debug("tool stdout", "stdout", out)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return res, errs.Infrastructure("wait for tool", err)
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil

	case <-deadline:
		logger.Warn("analysis tool timed out, sending SIGTERM", "timeout", r.tool.Timeout)
	}

	r.terminate(cmd, waitErr, logger)
	return Result{ExitCode: -1, TimedOut: true, Stderr: stderr.String()}, nil
}

func (r *Runner) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("analysis tool exited after SIGTERM")
	case <-grace.C:
		logger.Warn("analysis tool did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest while still reporting full writes, so the child never blocks.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
