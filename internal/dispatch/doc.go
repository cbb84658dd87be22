// Package dispatch validates a submission and runs the external analysis
// tool against a committed run directory.
//
// The tool is spawned with an explicit argument vector built from
// tool.args; no shell is involved. Each element is expanded on its own, so
// values never split or merge arguments. The same values are also written
// to <run>/request.json and streamed on stdin as a protocol.Request.
//
// Execution contract:
//   - Exit code 0 means the tool wrote its grid (tool.output_grid) and any
//     images into out/.
//   - A nonzero exit is a result, not an error. It is reported on Result.
//   - Failing to start the tool at all is an InfrastructureError.
//   - Stderr is captured, capped at 64KB.
//
// Timeout handling (only when tool.timeout > 0):
//   - SIGTERM is sent to the tool process.
//   - After a 5 second grace period, SIGKILL is sent if it is still running.
//   - The result carries TimedOut and exit code -1.
//
// Cancelling the caller's context does not stop a running tool.
package dispatch
