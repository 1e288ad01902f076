package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/sqsd-gate/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a handler process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ExecError carries the captured stderr of a failed handler process.
type ExecError struct {
	Err    error
	Stderr string
}

func (e *ExecError) Error() string { return e.Err.Error() }
func (e *ExecError) Unwrap() error { return e.Err }

// StderrOf returns the stderr attached to err, if any.
func StderrOf(err error) string {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Stderr
	}
	return ""
}

// CommandHandler performs jobs by spawning an executable per job. The
// protocol.Request is written to stdin and a protocol.Response is read from
// stdout. When ctx is done the process gets SIGTERM, then SIGKILL after the
// grace period.
type CommandHandler struct {
	path   string
	args   []string
	grace  time.Duration
	logger *slog.Logger
}

func NewCommandHandler(path string, args []string, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		path:   path,
		args:   args,
		grace:  terminationGracePeriod,
		logger: logger,
	}
}

func (h *CommandHandler) Perform(ctx context.Context, d *Descriptor) error {
	logger := h.logger.With("job_class", d.JobClass, "job_id", d.JobID, "command", h.path)

	resp, stderr, err := h.spawn(ctx, requestFor(ctx, d), logger)
	if resp != nil {
		for _, entry := range resp.Logs {
			logger.Log(ctx, logLevel(entry.Level), entry.Message, "source", "handler")
		}
	}
	if err != nil {
		return &ExecError{Err: err, Stderr: stderr}
	}
	if !resp.OK() {
		return &ExecError{Err: errors.New(resp.Error), Stderr: stderr}
	}
	return nil
}

func requestFor(ctx context.Context, d *Descriptor) *protocol.Request {
	kind := protocol.KindJob
	if d.Periodic {
		kind = protocol.KindTask
	}
	req := &protocol.Request{
		Protocol:     protocol.Version,
		Kind:         kind,
		Name:         d.JobClass,
		JobID:        d.JobID,
		MessageID:    d.MessageID,
		Queue:        d.QueueName,
		ReceiveCount: d.ReceiveCount,
		Executions:   d.Executions,
		Locale:       d.Locale,
		Arguments:    d.Arguments,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineAt = deadline.UTC()
	}
	return req
}

func (h *CommandHandler) spawn(ctx context.Context, req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	// Not CommandContext: termination is managed here.
	cmd := exec.Command(h.path, h.args...)
	// Orphaned grandchildren must not hold Wait open on the output pipes.
	cmd.WaitDelay = time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning job handler")

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Warn("job handler cancelled, sending SIGTERM", "cause", ctx.Err())
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(h.grace)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("job handler exited after SIGTERM")
		case <-grace.C:
			logger.Warn("job handler did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, werr
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
		}

		resp, raw, derr := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if derr != nil {
			if exitErr != nil {
				return nil, stderrStr, fmt.Errorf("handler exited with status %d: %w", exitErr.ExitCode(), derr)
			}
			logger.Error("failed to decode handler response", "error", derr, "stdout", truncateStderr(string(raw)))
			return nil, stderrStr, fmt.Errorf("decode response: %w", derr)
		}
		if exitErr != nil {
			logger.Warn("job handler exited with non-zero status", "exit_code", exitErr.ExitCode())
			// A non-zero exit fails the job whatever the handler printed.
			if resp.OK() {
				return resp, stderrStr, fmt.Errorf("handler reported ok but exited with status %d", exitErr.ExitCode())
			}
		}
		return resp, stderrStr, nil
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
