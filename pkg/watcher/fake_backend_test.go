package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
)

// fakeBackend is a scriptable Backend: tests push batches and errors, and
// inspect registrations and cancellations.
type fakeBackend struct {
	mu         sync.Mutex
	next       Token
	byDir      map[string]Token
	byToken    map[Token]string
	canceled   []Token
	registered []string
	failOn     map[string]error
	flushes    int

	batches chan Batch
	errs    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		byDir:   make(map[string]Token),
		byToken: make(map[Token]string),
		failOn:  make(map[string]error),
		batches: make(chan Batch, 64),
		errs:    make(chan error, 8),
		closed:  make(chan struct{}),
	}
}

func (f *fakeBackend) Register(dir string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir = filepath.Clean(dir)
	if err, ok := f.failOn[dir]; ok {
		return 0, err
	}
	if old, ok := f.byDir[dir]; ok {
		delete(f.byToken, old)
	}
	f.next++
	f.byDir[dir] = f.next
	f.byToken[f.next] = dir
	f.registered = append(f.registered, dir)
	return f.next, nil
}

func (f *fakeBackend) Cancel(token Token) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.canceled = append(f.canceled, token)
	if dir, ok := f.byToken[token]; ok {
		delete(f.byToken, token)
		delete(f.byDir, dir)
	}
}

func (f *fakeBackend) TakeNextBatch(ctx context.Context) (Batch, error) {
	select {
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	case <-f.closed:
		return Batch{}, ErrBackendClosed
	case err := <-f.errs:
		return Batch{}, err
	case b := <-f.batches:
		return b, nil
	}
}

func (f *fakeBackend) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()

	for {
		select {
		case <-f.batches:
		default:
			return
		}
	}
}

func (f *fakeBackend) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeBackend) fail(dir string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[filepath.Clean(dir)] = err
}

func (f *fakeBackend) token(dir string) (Token, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byDir[filepath.Clean(dir)]
	return t, ok
}

// emit queues a batch for the live registration of dir.
func (f *fakeBackend) emit(dir string, events ...RawEvent) error {
	t, ok := f.token(dir)
	if !ok {
		return errors.New("fake backend: no registration for " + dir)
	}
	f.batches <- Batch{Token: t, Events: events}
	return nil
}

func (f *fakeBackend) live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.byDir))
	for d := range f.byDir {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (f *fakeBackend) canceledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.canceled)
}
