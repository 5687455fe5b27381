package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the engine process.
	maxStderrBytes = 64 * 1024

	// maxMessageBytes bounds a single engine message line.
	maxMessageBytes = 4 * 1024 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// CLI runs the query engine as a child process per query. The engine command
// receives the prompt as its final argument and writes one JSON message per
// line on stdout.
type CLI struct {
	command string
	args    []string
	logger  *slog.Logger
}

func NewCLI(command string, args []string, logger *slog.Logger) *CLI {
	return &CLI{
		command: command,
		args:    args,
		logger:  logger.With("component", "engine"),
	}
}

// Query starts the engine process and returns a stream over its stdout.
func (c *CLI) Query(ctx context.Context, q Query) (Stream, error) {
	if c.command == "" {
		return nil, fmt.Errorf("engine command is empty")
	}

	args := append([]string(nil), c.args...)
	if q.Options.Model != "" {
		args = append(args, "--model", q.Options.Model)
	}
	if q.Options.Resume != "" {
		args = append(args, "--resume", q.Options.Resume)
	}
	if q.Options.PermissionMode != "" {
		args = append(args, "--permission-mode", q.Options.PermissionMode)
	}
	args = append(args, q.Prompt)

	cmd := exec.Command(c.command, args...)
	cmd.Dir = q.Options.CWD

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &capWriter{w: &stderr, max: maxStderrBytes}

	c.logger.Debug("starting engine process",
		"session_id", q.SessionID, "command", c.command)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := &cliStream{
		ctx:    ctx,
		cmd:    cmd,
		stderr: &stderr,
		logger: c.logger,
		done:   make(chan struct{}),
	}
	s.scanner = bufio.NewScanner(stdout)
	s.scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)

	// Termination ladder: on cancellation send SIGTERM, then SIGKILL after a
	// grace period if the engine ignores it.
	go s.watchdog()

	return s, nil
}

type cliStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	stderr  *bytes.Buffer
	logger  *slog.Logger

	done     chan struct{}
	doneOnce sync.Once

	waitOnce sync.Once
	waitErr  error
}

func (s *cliStream) watchdog() {
	select {
	case <-s.done:
		return
	case <-s.ctx.Done():
	}

	if s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("failed to send SIGTERM to engine", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-s.done:
	case <-grace.C:
		s.logger.Warn("engine did not exit after SIGTERM, sending SIGKILL")
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
}

// Next returns the next engine message. Empty lines are skipped; non-JSON
// output is an engine error.
func (s *cliStream) Next() (json.RawMessage, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("engine produced invalid JSON: %.120s", line)
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		return msg, nil
	}

	if err := s.scanner.Err(); err != nil && s.ctx.Err() == nil {
		return nil, fmt.Errorf("read engine output: %w", err)
	}

	waitErr := s.wait()
	if err := s.ctx.Err(); err != nil {
		// Cancellation wins over whatever exit status the kill produced.
		return nil, err
	}
	if waitErr != nil {
		if tail := bytes.TrimSpace(s.stderr.Bytes()); len(tail) > 0 {
			return nil, fmt.Errorf("engine failed: %w: %s", waitErr, tail)
		}
		return nil, fmt.Errorf("engine failed: %w", waitErr)
	}
	return nil, io.EOF
}

func (s *cliStream) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	if s.cmd.ProcessState == nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	err := s.wait()
	if err != nil && s.ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *cliStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.doneOnce.Do(func() { close(s.done) })
	})
	return s.waitErr
}

// capWriter keeps the first max bytes and drops the rest.
type capWriter struct {
	w   io.Writer
	max int
	n   int
}

func (c *capWriter) Write(p []byte) (int, error) {
	total := len(p)
	if c.n < c.max {
		keep := p
		if c.n+len(keep) > c.max {
			keep = keep[:c.max-c.n]
		}
		if _, err := c.w.Write(keep); err != nil {
			return 0, err
		}
		c.n += len(keep)
	}
	return total, nil
}
