package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/ssh"
)

// ExecuteResult holds the outcome of a remote command. A non-zero exit
// status is data, not an error: only transport-level failures surface as
// errors from Execute.
type ExecuteResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitStatus int    `json:"exit_status"`

	// StdoutTruncated / StderrTruncated report that output exceeded the
	// configured cap and was cut off.
	StdoutTruncated bool `json:"stdout_truncated,omitempty"`
	StderrTruncated bool `json:"stderr_truncated,omitempty"`
}

// Execute runs a command on the remote host over a fresh exec channel.
// Channels are never reused across calls, so no shell state leaks from
// one command to the next. Output is captured fully (up to the configured
// cap) before returning.
//
// Cancelling ctx closes the channel and returns the context error; the
// session stays Connected unless the transport itself broke.
func (s *Session) Execute(ctx context.Context, command string) (*ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	ch, err := s.client.NewSession()
	if err != nil {
		s.markBroken()
		return nil, fmt.Errorf("%w: opening exec channel: %w", ErrTransportFailure, err)
	}
	defer func() { _ = ch.Close() }()

	stdout := newLimitBuffer(s.maxOutputBytes)
	stderr := newLimitBuffer(s.maxOutputBytes)
	ch.Stdout = stdout
	ch.Stderr = stderr

	s.logger.Debug("executing command",
		slog.String("session_id", s.id),
		slog.String("command", command),
	)

	done := make(chan error, 1)
	go func() {
		done <- ch.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	result := &ExecuteResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitStatus = exitErr.ExitStatus()
		} else {
			// Channel died without delivering an exit status: the
			// transport is no longer usable.
			s.markBroken()
			return nil, fmt.Errorf("%w: running command: %w", ErrTransportFailure, err)
		}
	}

	s.touch()

	s.logger.Debug("command completed",
		slog.String("session_id", s.id),
		slog.Int("exit_status", result.ExitStatus),
		slog.Int("stdout_len", len(result.Stdout)),
		slog.Int("stderr_len", len(result.Stderr)),
	)

	return result, nil
}

// limitBuffer is a bounded write buffer. Writes past the cap are accepted
// and discarded, recording that truncation happened.
type limitBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newLimitBuffer(max int64) *limitBuffer {
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	return &limitBuffer{max: max}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.truncated = true
		_, _ = b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitBuffer) String() string { return b.buf.String() }

func (b *limitBuffer) Truncated() bool { return b.truncated }
