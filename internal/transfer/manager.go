// Package transfer stages inbound file payloads next to the sync target and
// swaps them in atomically once their digest has been verified.
package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/openmined/onefilesync/internal/integrity"
	"github.com/spf13/afero"
)

const defaultLockRetry = 50 * time.Millisecond

var (
	// ErrVerificationFailed is a staged file whose digest differs from the expected one.
	ErrVerificationFailed = errors.New("staged file failed verification")

	// ErrInvalidPayload is a payload that does not decode as base64.
	ErrInvalidPayload = errors.New("payload is not valid base64")
)

// Options tunes a Manager. The zero value is ready to use.
type Options struct {
	// KeepFailed leaves a staged file on disk when it fails verification.
	KeepFailed bool
	// LockRetry is the polling interval while waiting for the target lock.
	LockRetry time.Duration
	Logger    *slog.Logger
}

// StagedFile is an inbound payload written to disk but not yet promoted.
type StagedFile struct {
	Path string
	Size int64
}

// Manager owns every write to one sync target. Promotions are serialized by
// an in-process mutex and, on the OS filesystem, an advisory file lock shared
// with any other process syncing the same target.
type Manager struct {
	fs         afero.Fs
	target     string
	keepFailed bool
	lockRetry  time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	flock *flock.Flock
}

// NewManager returns the Manager for target. The cross-process lock is only
// taken when fs is the OS filesystem.
func NewManager(fs afero.Fs, target string, opts Options) *Manager {
	m := &Manager{
		fs:         fs,
		target:     target,
		keepFailed: opts.KeepFailed,
		lockRetry:  opts.LockRetry,
		logger:     opts.Logger,
	}
	if m.lockRetry <= 0 {
		m.lockRetry = defaultLockRetry
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if _, ok := fs.(*afero.OsFs); ok {
		m.flock = flock.New(LockPath(target))
	}
	return m
}

// LockPath is the advisory lock file guarding target.
func LockPath(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".lock")
}

// Target is the path this Manager writes to.
func (m *Manager) Target() string {
	return m.target
}

// Stage decodes a base64 payload into a temporary file in the target's
// directory, so the later rename never crosses filesystems.
func (m *Manager) Stage(ctx context.Context, payload string) (*StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := afero.TempFile(m.fs, filepath.Dir(m.target), filepath.Base(m.target)+".*.tmp")
	if err != nil {
		return nil, &integrity.IOFailureError{Path: m.target, Err: err}
	}
	path := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			m.fs.Remove(path)
		}
	}()

	n, err := io.Copy(f, base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload)))
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return nil, &integrity.IOFailureError{Path: path, Err: err}
	}

	if err := f.Sync(); err != nil {
		return nil, &integrity.IOFailureError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return nil, &integrity.IOFailureError{Path: path, Err: err}
	}

	success = true
	m.logger.Debug("payload staged", "path", path, "size", humanize.IBytes(uint64(n)))
	return &StagedFile{Path: path, Size: n}, nil
}

// Promote verifies the staged file against expected and renames it over the
// target. On any failure the target is left untouched and the staged file is
// discarded.
func (m *Manager) Promote(ctx context.Context, staged *StagedFile, expected integrity.Digest) error {
	unlock, err := m.lock(ctx)
	if err != nil {
		m.Discard(staged)
		return err
	}
	defer unlock()

	got, err := integrity.FileDigest(m.fs, staged.Path)
	if err != nil {
		m.Discard(staged)
		return err
	}
	if !got.Equal(expected) {
		m.Discard(staged)
		return fmt.Errorf("%w: expected %s, got %s", ErrVerificationFailed, expected, got)
	}

	if info, err := m.fs.Stat(m.target); err == nil {
		if err := m.fs.Chmod(staged.Path, info.Mode().Perm()); err != nil {
			m.logger.Warn("failed to carry over target permissions", "error", err)
		}
	}

	if err := m.fs.Rename(staged.Path, m.target); err != nil {
		m.Discard(staged)
		return &integrity.IOFailureError{Path: m.target, Err: err}
	}

	m.logger.Debug("staged file promoted", "target", m.target, "digest", got)
	return nil
}

// Receive stages and promotes payload in one step.
func (m *Manager) Receive(ctx context.Context, payload string, expected integrity.Digest) error {
	staged, err := m.Stage(ctx, payload)
	if err != nil {
		return err
	}
	return m.Promote(ctx, staged, expected)
}

// Discard removes a staged file unless the manager keeps failed stagings.
func (m *Manager) Discard(staged *StagedFile) {
	if staged == nil {
		return
	}
	if m.keepFailed {
		m.logger.Warn("keeping failed staged file", "path", staged.Path)
		return
	}
	if err := m.fs.Remove(staged.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to remove staged file", "path", staged.Path, "error", err)
	}
}

// Snapshot reads the target once, returning its digest and base64 content.
// Both come from the same read so they always agree.
func (m *Manager) Snapshot(ctx context.Context) (integrity.Digest, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	f, err := m.fs.Open(m.target)
	if err != nil {
		return "", "", &integrity.IOFailureError{Path: m.target, Err: err}
	}
	defer f.Close()

	var sb strings.Builder
	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	digest, err := integrity.Sum(io.TeeReader(f, enc))
	if err != nil {
		return "", "", &integrity.IOFailureError{Path: m.target, Err: err}
	}
	if err := enc.Close(); err != nil {
		return "", "", err
	}
	return digest, sb.String(), nil
}

func (m *Manager) lock(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if m.flock == nil {
		return m.mu.Unlock, nil
	}

	locked, err := m.flock.TryLockContext(ctx, m.lockRetry)
	if err != nil || !locked {
		m.mu.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock %s: %w", m.flock.Path(), err)
	}

	return func() {
		if err := m.flock.Unlock(); err != nil {
			m.logger.Warn("failed to release target lock", "error", err)
		}
		m.mu.Unlock()
	}, nil
}
