package transfer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/onefilesync/internal/integrity"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTarget(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	target := filepath.Join(dir, "testfile.txt")
	require.NoError(t, os.WriteFile(target, []byte(content), 0o644))
	return dir, target
}

func stagedLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	return matches
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestManager_Receive(t *testing.T) {
	ctx := context.Background()

	t.Run("verified payload replaces target", func(t *testing.T) {
		dir, target := setupTarget(t, "hello")
		m := NewManager(afero.NewOsFs(), target, Options{})

		err := m.Receive(ctx, encode("world"), integrity.BytesDigest([]byte("world")))
		require.NoError(t, err)

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "world", string(got))
		assert.Empty(t, stagedLeftovers(t, dir))
	})

	t.Run("digest mismatch leaves target intact and cleans up", func(t *testing.T) {
		dir, target := setupTarget(t, "hello")
		m := NewManager(afero.NewOsFs(), target, Options{})

		err := m.Receive(ctx, encode("world"), "WRONGDIGEST")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrVerificationFailed))

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		assert.Empty(t, stagedLeftovers(t, dir))
	})

	t.Run("digest mismatch keeps staged file when configured", func(t *testing.T) {
		dir, target := setupTarget(t, "hello")
		m := NewManager(afero.NewOsFs(), target, Options{KeepFailed: true})

		err := m.Receive(ctx, encode("world"), "WRONGDIGEST")
		require.True(t, errors.Is(err, ErrVerificationFailed))

		leftovers := stagedLeftovers(t, dir)
		require.Len(t, leftovers, 1)
		staged, err := os.ReadFile(leftovers[0])
		require.NoError(t, err)
		assert.Equal(t, "world", string(staged))

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("invalid base64 is rejected before verification", func(t *testing.T) {
		dir, target := setupTarget(t, "hello")
		m := NewManager(afero.NewOsFs(), target, Options{})

		err := m.Receive(ctx, "***not-base64***", integrity.BytesDigest([]byte("world")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidPayload))

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
		assert.Empty(t, stagedLeftovers(t, dir))
	})

	t.Run("empty payload produces empty file", func(t *testing.T) {
		_, target := setupTarget(t, "hello")
		m := NewManager(afero.NewOsFs(), target, Options{})

		require.NoError(t, m.Receive(ctx, "", integrity.BytesDigest(nil)))

		got, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("target permissions are preserved", func(t *testing.T) {
		_, target := setupTarget(t, "hello")
		require.NoError(t, os.Chmod(target, 0o600))
		m := NewManager(afero.NewOsFs(), target, Options{})

		require.NoError(t, m.Receive(ctx, encode("world"), integrity.BytesDigest([]byte("world"))))

		info, err := os.Stat(target)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})
}

func TestManager_StageWritesNextToTarget(t *testing.T) {
	dir, target := setupTarget(t, "hello")
	m := NewManager(afero.NewOsFs(), target, Options{})

	staged, err := m.Stage(context.Background(), encode("world"))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(staged.Path))
	assert.Equal(t, int64(5), staged.Size)

	m.Discard(staged)
	_, err = os.Stat(staged.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestManager_PromoteWaitsForLock(t *testing.T) {
	_, target := setupTarget(t, "hello")
	m := NewManager(afero.NewOsFs(), target, Options{LockRetry: 10 * time.Millisecond})

	other := flock.New(LockPath(target))
	require.NoError(t, other.Lock())
	t.Cleanup(func() { other.Unlock() })

	staged, err := m.Stage(context.Background(), encode("world"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = m.Promote(ctx, staged, integrity.BytesDigest([]byte("world")))
	require.Error(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestManager_ConcurrentReaderSeesWholeFiles(t *testing.T) {
	oldContent := string(bytes.Repeat([]byte("a"), 256*1024))
	newContent := string(bytes.Repeat([]byte("b"), 256*1024))

	_, target := setupTarget(t, oldContent)
	m := NewManager(afero.NewOsFs(), target, Options{})
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var bad []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, err := os.ReadFile(target)
			if err != nil {
				bad = append(bad, -1)
				continue
			}
			if string(got) != oldContent && string(got) != newContent {
				bad = append(bad, len(got))
			}
		}
	}()

	for i := 0; i < 20; i++ {
		content := newContent
		if i%2 == 1 {
			content = oldContent
		}
		require.NoError(t, m.Receive(ctx, encode(content), integrity.BytesDigest([]byte(content))))

		// a rejected transfer in between must never surface either
		err := m.Receive(ctx, encode("partial"), "WRONGDIGEST")
		require.True(t, errors.Is(err, ErrVerificationFailed))
	}

	close(stop)
	wg.Wait()
	assert.Empty(t, bad, "reader observed a partial or foreign file")
}

func TestManager_Snapshot(t *testing.T) {
	_, target := setupTarget(t, "hello")
	m := NewManager(afero.NewOsFs(), target, Options{})

	digest, payload, err := m.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, integrity.BytesDigest([]byte("hello")), digest)
	assert.Equal(t, encode("hello"), payload)
}

func TestManager_SnapshotMissingTarget(t *testing.T) {
	m := NewManager(afero.NewOsFs(), filepath.Join(t.TempDir(), "missing"), Options{})

	_, _, err := m.Snapshot(context.Background())
	assert.True(t, errors.Is(err, integrity.ErrIOFailure))
}
