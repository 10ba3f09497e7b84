package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/sftp"
)

// Upload copies a local file to the remote host, overwriting the
// destination unconditionally. Both paths must be absolute; the session
// performs no normalization or sandboxing. A failure mid-transfer leaves
// a partial file at the destination.
//
// Returns the number of bytes transferred.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	if err := validateTransferPaths(localPath, remotePath); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return 0, err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("%w: opening local file: %w", ErrTransferFailure, err)
	}
	defer func() { _ = local.Close() }()

	info, err := local.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat local file: %w", ErrTransferFailure, err)
	}

	s.logger.Debug("uploading file",
		slog.String("session_id", s.id),
		slog.String("local", localPath),
		slog.String("remote", remotePath),
		slog.Int64("bytes", info.Size()),
		slog.String("backend", string(s.transferBackend)),
	)

	if s.transferBackend == TransferSCP {
		if err := s.uploadSCP(ctx, local, remotePath); err != nil {
			return 0, err
		}
	} else {
		if err := s.uploadSFTP(ctx, local, remotePath); err != nil {
			return 0, err
		}
	}

	s.touch()
	return info.Size(), nil
}

// Download copies a remote file to the local host, overwriting the
// destination unconditionally. Both paths must be absolute. A failure
// mid-transfer leaves a partial local file.
//
// Returns the number of bytes transferred.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	if err := validateTransferPaths(localPath, remotePath); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return 0, err
	}

	local, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("%w: creating local file: %w", ErrTransferFailure, err)
	}
	defer func() { _ = local.Close() }()

	s.logger.Debug("downloading file",
		slog.String("session_id", s.id),
		slog.String("remote", remotePath),
		slog.String("local", localPath),
		slog.String("backend", string(s.transferBackend)),
	)

	if s.transferBackend == TransferSCP {
		if err := s.downloadSCP(ctx, local, remotePath); err != nil {
			return 0, err
		}
	} else {
		if err := s.downloadSFTP(ctx, local, remotePath); err != nil {
			return 0, err
		}
	}

	info, err := local.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat downloaded file: %w", ErrTransferFailure, err)
	}

	s.touch()
	return info.Size(), nil
}

// ReadDir lists a directory on the remote host. Listing always uses the
// SFTP subsystem; the SCP protocol has no directory listing.
func (s *Session) ReadDir(ctx context.Context, remotePath string) ([]os.FileInfo, error) {
	if !path.IsAbs(remotePath) {
		return nil, fmt.Errorf("%w: remote path %q must be absolute", ErrTransferFailure, remotePath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(s.client)
	if err != nil {
		s.markBroken()
		return nil, fmt.Errorf("%w: opening sftp channel: %w", ErrTransportFailure, err)
	}
	defer func() { _ = client.Close() }()

	type listResult struct {
		infos []os.FileInfo
		err   error
	}
	done := make(chan listResult, 1)
	go func() {
		infos, err := client.ReadDir(remotePath)
		done <- listResult{infos, err}
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: listing %s: %w", ErrTransferFailure, remotePath, res.err)
		}
		s.touch()
		return res.infos, nil
	}
}

// uploadSFTP copies local to remotePath over a fresh SFTP channel.
// Callers must hold s.mu.
func (s *Session) uploadSFTP(ctx context.Context, local *os.File, remotePath string) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		s.markBroken()
		return fmt.Errorf("%w: opening sftp channel: %w", ErrTransportFailure, err)
	}
	defer func() { _ = client.Close() }()

	done := make(chan error, 1)
	go func() {
		remote, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			done <- fmt.Errorf("opening remote file: %w", err)
			return
		}
		defer func() { _ = remote.Close() }()

		if _, err := io.Copy(remote, local); err != nil {
			done <- fmt.Errorf("copying to remote: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		// Closing the sftp client unblocks the in-flight copy.
		_ = client.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailure, err)
		}
		return nil
	}
}

// downloadSFTP copies remotePath to local over a fresh SFTP channel.
// Callers must hold s.mu.
func (s *Session) downloadSFTP(ctx context.Context, local *os.File, remotePath string) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		s.markBroken()
		return fmt.Errorf("%w: opening sftp channel: %w", ErrTransportFailure, err)
	}
	defer func() { _ = client.Close() }()

	done := make(chan error, 1)
	go func() {
		remote, err := client.Open(remotePath)
		if err != nil {
			done <- fmt.Errorf("opening remote file: %w", err)
			return
		}
		defer func() { _ = remote.Close() }()

		if _, err := io.Copy(local, remote); err != nil {
			done <- fmt.Errorf("copying from remote: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailure, err)
		}
		return nil
	}
}

// uploadSCP copies local to remotePath using the SCP protocol.
// Callers must hold s.mu.
func (s *Session) uploadSCP(ctx context.Context, local *os.File, remotePath string) error {
	client, err := scp.NewClientBySSH(s.client)
	if err != nil {
		s.markBroken()
		return fmt.Errorf("%w: opening scp channel: %w", ErrTransportFailure, err)
	}
	defer client.Close()

	if err := client.CopyFromFile(ctx, *local, remotePath, "0644"); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: scp upload: %w", ErrTransferFailure, err)
	}
	return nil
}

// downloadSCP copies remotePath into local using the SCP protocol.
// Callers must hold s.mu.
func (s *Session) downloadSCP(ctx context.Context, local *os.File, remotePath string) error {
	client, err := scp.NewClientBySSH(s.client)
	if err != nil {
		s.markBroken()
		return fmt.Errorf("%w: opening scp channel: %w", ErrTransportFailure, err)
	}
	defer client.Close()

	if err := client.CopyFromRemote(ctx, local, remotePath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: scp download: %w", ErrTransferFailure, err)
	}
	return nil
}

// validateTransferPaths enforces the full-path contract on both sides.
func validateTransferPaths(localPath, remotePath string) error {
	if !filepath.IsAbs(localPath) {
		return fmt.Errorf("%w: local path %q must be absolute", ErrTransferFailure, localPath)
	}
	if !path.IsAbs(remotePath) {
		return fmt.Errorf("%w: remote path %q must be absolute", ErrTransferFailure, remotePath)
	}
	return nil
}
