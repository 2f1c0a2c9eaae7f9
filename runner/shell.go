package runner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
)

// ShellRunner executes the request's command locally, once per target
// node, streaming stdout/stderr line by line. It is the backend used for
// localhost targets and for development setups without SSH access.
type ShellRunner struct {
	logger *zap.SugaredLogger
}

// NewShellRunner creates a local shell runner.
func NewShellRunner(logger *zap.SugaredLogger) *ShellRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ShellRunner{logger: logger.Named("shell-runner")}
}

var _ execution.Runner = (*ShellRunner)(nil)

// Run executes the command on each target node in order. Cancellation is
// honored between nodes and kills the in-flight process via the command
// context; the per-node results gathered so far are returned with ctx.Err().
func (r *ShellRunner) Run(ctx context.Context, req *execution.Request, sink execution.EventSink) (*execution.Result, error) {
	payload, err := decodeCommandPayload(req)
	if err != nil {
		return nil, err
	}

	words, err := shellquote.Split(payload.Command)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "execution %s command cannot be parsed: %v", req.ID, err)
	}
	// A whitespace-only command survives payload validation but splits to
	// nothing; reject it here instead of indexing into an empty slice.
	if len(words) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "execution %s command is empty", req.ID)
	}

	sink.EmitStart(req.ID)
	sink.EmitCommand(req.ID, payload.Command)

	result := &execution.Result{}
	for _, node := range req.TargetNodes {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		nodeResult := r.runOnNode(ctx, req.ID, node, words, sink)
		result.Nodes = append(result.Nodes, nodeResult)

		r.logger.Debugw("Node execution finished",
			"execution_id", req.ID,
			"node", node,
			"status", nodeResult.Status,
			"duration_ms", nodeResult.DurationMs,
		)
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// runOnNode runs the command for one target node and captures its outcome.
func (r *ShellRunner) runOnNode(ctx context.Context, executionID, node string, words []string, sink execution.EventSink) execution.NodeResult {
	start := time.Now()

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Env = append(cmd.Environ(), "PABAWI_TARGET_NODE="+node)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failedNode(node, start, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failedNode(node, start, err)
	}

	if err := cmd.Start(); err != nil {
		return failedNode(node, start, err)
	}

	// One builder per pump goroutine; joined after both finish.
	var stdoutCapture, stderrCapture strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, &stdoutCapture, func(line []byte) { sink.EmitStdout(executionID, line) })
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, &stderrCapture, func(line []byte) { sink.EmitStderr(executionID, line) })
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	nodeResult := execution.NodeResult{
		NodeID:     node,
		Status:     execution.StatusSuccess,
		DurationMs: time.Since(start).Milliseconds(),
		Output:     truncateOutput(stdoutCapture.String() + stderrCapture.String()),
	}
	if waitErr != nil {
		nodeResult.Status = execution.StatusFailed
		if nodeResult.Output == "" {
			nodeResult.Output = waitErr.Error()
		}
	}
	return nodeResult
}

// streamLines reads line-delimited output, forwarding each line to emit
// and accumulating it for the stored per-node output.
func streamLines(reader io.Reader, capture *strings.Builder, emit func([]byte)) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		emit(line)
		capture.Write(line)
		capture.WriteByte('\n')
	}
}

func failedNode(node string, start time.Time, err error) execution.NodeResult {
	return execution.NodeResult{
		NodeID:     node,
		Status:     execution.StatusFailed,
		DurationMs: time.Since(start).Milliseconds(),
		Output:     err.Error(),
	}
}
