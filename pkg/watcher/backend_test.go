package watcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backendNames() []string {
	if runtime.GOOS == "linux" {
		return []string{BackendFsnotify, BackendInotify}
	}
	return []string{BackendFsnotify}
}

func newTestBackend(t *testing.T, name string) Backend {
	t.Helper()
	b, err := NewBackend(name)
	require.NoError(t, err, "create %s backend.", name)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// takeUntil collects batches for token until match returns true or the
// timeout expires.
func takeUntil(t *testing.T, b Backend, token Token, match func([]RawEvent) bool) []RawEvent {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []RawEvent
	for !match(got) {
		batch, err := b.TakeNextBatch(ctx)
		require.NoError(t, err, "take batch, got so far %v.", got)
		if batch.Token == token {
			got = append(got, batch.Events...)
		}
	}
	return got
}

func containsRaw(kind Kind, name string) func([]RawEvent) bool {
	return func(events []RawEvent) bool {
		for _, e := range events {
			if e.Kind == kind && e.Name == name {
				return true
			}
		}
		return false
	}
}

func expectQuiet(t *testing.T, b Backend, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	batch, err := b.TakeNextBatch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected batch %v.", batch)
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := NewBackend("kqueue-please")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestBackend_Contract(t *testing.T) {
	for _, name := range backendNames() {
		t.Run(name, func(t *testing.T) {
			t.Run("register missing", func(t *testing.T) {
				b := newTestBackend(t, name)
				_, err := b.Register(filepath.Join(t.TempDir(), "missing"))
				assert.ErrorIs(t, err, ErrPathNotFound)
			})

			t.Run("events", func(t *testing.T) {
				b := newTestBackend(t, name)
				dir := t.TempDir()
				token, err := b.Register(dir)
				require.NoError(t, err)

				touch(t, filepath.Join(dir, "a.txt"))
				events := takeUntil(t, b, token, containsRaw(Created, "a.txt"))
				assert.Equal(t, RawEvent{Kind: Created, Name: "a.txt"}, events[0], "create comes first.")

				require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
				takeUntil(t, b, token, containsRaw(Deleted, "a.txt"))

				require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
				takeUntil(t, b, token, containsRaw(Created, "sub"))

				// nested changes belong to the nested directory, which is not registered
				touch(t, filepath.Join(dir, "sub", "inner.txt"))
				expectQuiet(t, b, 100*time.Millisecond)
			})

			t.Run("cancel", func(t *testing.T) {
				b := newTestBackend(t, name)
				dir := t.TempDir()
				token, err := b.Register(dir)
				require.NoError(t, err)

				b.Cancel(token)
				b.Cancel(token)

				touch(t, filepath.Join(dir, "after-cancel.txt"))
				expectQuiet(t, b, 100*time.Millisecond)
			})

			t.Run("flush", func(t *testing.T) {
				b := newTestBackend(t, name)
				dir := t.TempDir()
				_, err := b.Register(dir)
				require.NoError(t, err)

				for _, f := range []string{"1", "2", "3"} {
					touch(t, filepath.Join(dir, f))
				}
				time.Sleep(50 * time.Millisecond)

				b.Flush()
				expectQuiet(t, b, 100*time.Millisecond)
			})

			t.Run("interrupt", func(t *testing.T) {
				b := newTestBackend(t, name)
				ctx, cancel := context.WithCancel(context.Background())
				errc := make(chan error, 1)
				go func() {
					_, err := b.TakeNextBatch(ctx)
					errc <- err
				}()

				time.Sleep(20 * time.Millisecond)
				cancel()
				select {
				case err := <-errc:
					assert.ErrorIs(t, err, context.Canceled)
				case <-time.After(time.Second):
					t.Fatal("take was not interrupted")
				}
			})

			t.Run("close", func(t *testing.T) {
				b := newTestBackend(t, name)
				errc := make(chan error, 1)
				go func() {
					_, err := b.TakeNextBatch(context.Background())
					errc <- err
				}()

				time.Sleep(20 * time.Millisecond)
				require.NoError(t, b.Close())
				select {
				case err := <-errc:
					assert.ErrorIs(t, err, ErrBackendClosed)
				case <-time.After(time.Second):
					t.Fatal("take was not interrupted by close")
				}

				_, err := b.Register(t.TempDir())
				assert.ErrorIs(t, err, ErrBackendClosed)
				assert.NoError(t, b.Close(), "close is idempotent.")
			})
		})
	}
}

func TestFsnotifyBackend_ReRegisterRetiresToken(t *testing.T) {
	b := newTestBackend(t, BackendFsnotify)
	dir := t.TempDir()

	first, err := b.Register(dir)
	require.NoError(t, err)
	second, err := b.Register(dir + string(filepath.Separator))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	touch(t, filepath.Join(dir, "x"))
	events := takeUntil(t, b, second, containsRaw(Created, "x"))
	assert.NotEmpty(t, events)

	// the retired token no longer owns the directory
	b.Cancel(first)
	touch(t, filepath.Join(dir, "y"))
	takeUntil(t, b, second, containsRaw(Created, "y"))
}
