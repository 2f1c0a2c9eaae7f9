package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
)

// SSHConfig configures the SSH runner transport.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	KeyPath        string        `mapstructure:"key_path"`
	Password       string        `mapstructure:"password"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// SSHRunner executes the request's command on each target node over SSH,
// streaming stdout/stderr line by line.
type SSHRunner struct {
	cfg    SSHConfig
	logger *zap.SugaredLogger
}

// NewSSHRunner creates an SSH runner. Fails when no authentication method
// is configured or the key/known_hosts files cannot be read.
func NewSSHRunner(cfg SSHConfig, logger *zap.SugaredLogger) (*SSHRunner, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh runner requires a user")
	}
	if cfg.KeyPath == "" && cfg.Password == "" {
		return nil, errors.New("ssh runner requires a key path or a password")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SSHRunner{cfg: cfg, logger: logger.Named("ssh-runner")}, nil
}

var _ execution.Runner = (*SSHRunner)(nil)

// Run executes the command on each target node in order over SSH.
// Cancellation closes the in-flight connection; results gathered so far
// are returned with ctx.Err().
func (r *SSHRunner) Run(ctx context.Context, req *execution.Request, sink execution.EventSink) (*execution.Result, error) {
	payload, err := decodeCommandPayload(req)
	if err != nil {
		return nil, err
	}

	clientConfig, err := r.clientConfig()
	if err != nil {
		return nil, err
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

		nodeResult := r.runOnNode(ctx, req.ID, node, payload.Command, clientConfig, sink)
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

// clientConfig builds the ssh.ClientConfig from the runner configuration.
func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if r.cfg.KeyPath != "" {
		keyBytes, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read ssh key %s", r.cfg.KeyPath)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse ssh key %s", r.cfg.KeyPath)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auth = append(auth, ssh.Password(r.cfg.Password))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load known hosts %s", r.cfg.KnownHostsPath)
		}
		hostKeyCallback = cb
	} else {
		r.logger.Warnw("No known_hosts configured, host keys are not verified")
	}

	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.DialTimeout,
	}, nil
}

// runOnNode dials one target node and runs the command in a session.
func (r *SSHRunner) runOnNode(ctx context.Context, executionID, node, command string, clientConfig *ssh.ClientConfig, sink execution.EventSink) execution.NodeResult {
	start := time.Now()

	addr := fmt.Sprintf("%s:%d", node, r.cfg.Port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return failedNode(node, start, errors.Wrapf(err, "failed to connect to %s", addr))
	}
	defer client.Close()

	// Cooperative cancellation: closing the client unblocks session.Wait.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return failedNode(node, start, errors.Wrapf(err, "failed to open session on %s", node))
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return failedNode(node, start, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return failedNode(node, start, err)
	}

	if err := session.Start(command); err != nil {
		return failedNode(node, start, errors.Wrapf(err, "failed to start command on %s", node))
	}

	// One builder per pump goroutine; joined after both finish.
	var stdoutCapture, stderrCapture strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Bytes()
			sink.EmitStdout(executionID, line)
			stdoutCapture.Write(line)
			stdoutCapture.WriteByte('\n')
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Bytes()
			sink.EmitStderr(executionID, line)
			stderrCapture.Write(line)
			stderrCapture.WriteByte('\n')
		}
	}()
	wg.Wait()

	waitErr := session.Wait()

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
