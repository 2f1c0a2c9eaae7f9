package execution

import "context"

// EventSink receives live progress events for executions. The streaming
// manager implements this interface; NopSink is used where streaming is
// not wired (CLI tools, tests).
//
// Emitters must be safe for concurrent use: multiple executions report
// progress at the same time.
type EventSink interface {
	EmitStart(executionID string)
	EmitCommand(executionID string, renderedCommand string)
	EmitStdout(executionID string, chunk []byte)
	EmitStderr(executionID string, chunk []byte)
	EmitStatus(executionID string, status Status)
	EmitComplete(executionID string, result *Result)
	EmitError(executionID string, err error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) EmitStart(string)             {}
func (NopSink) EmitCommand(string, string)   {}
func (NopSink) EmitStdout(string, []byte)    {}
func (NopSink) EmitStderr(string, []byte)    {}
func (NopSink) EmitStatus(string, Status)    {}
func (NopSink) EmitComplete(string, *Result) {}
func (NopSink) EmitError(string, error)      {}

// Runner executes an admitted request against its target nodes. Concrete
// runners wrap the remote-execution backend (local shell, SSH, ...).
//
// Contract:
//   - Run reports progress through the sink (start, command, stdout/stderr
//     chunks, per-node status). The terminal complete/error event is emitted
//     by the queue from Run's return values, exactly once.
//   - Run must honor ctx cancellation cooperatively: stop work, return the
//     per-node results gathered so far and ctx.Err(). The queue never
//     force-kills anything itself.
//   - Run must return; a runner that never returns starves a concurrency
//     slot forever. Supervising timeouts belong inside the runner.
//   - The error return is for infrastructure failures (bad payload,
//     unreachable transport). Per-node command failures are not errors:
//     they are recorded in the Result and derive a failed/partial status.
type Runner interface {
	Run(ctx context.Context, req *Request, sink EventSink) (*Result, error)
}
