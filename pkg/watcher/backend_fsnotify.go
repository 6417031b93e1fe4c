package watcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	maxBatchSize = 64
	flushQuiet   = 10 * time.Millisecond
)

// FsnotifyBackend is the portable Backend built on fsnotify. fsnotify keys
// watches by path, so tokens are issued here: registering a directory again
// retires the previous token for it.
type FsnotifyBackend struct {
	fw *fsnotify.Watcher

	mu      sync.Mutex
	next    Token
	byDir   map[string]Token
	byToken map[Token]string

	// owned by the goroutine calling TakeNextBatch
	pending *fsnotify.Event

	closed    chan struct{}
	closeOnce sync.Once
}

func NewFsnotifyBackend() (*FsnotifyBackend, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	b := FsnotifyBackend{
		fw:      fw,
		byDir:   make(map[string]Token),
		byToken: make(map[Token]string),
		closed:  make(chan struct{}),
	}
	return &b, nil
}

func (b *FsnotifyBackend) Register(dir string) (Token, error) {
	dir = filepath.Clean(dir)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return 0, ErrBackendClosed
	}

	if err := b.fw.Add(dir); err != nil {
		return 0, classify(dir, err)
	}

	if old, ok := b.byDir[dir]; ok {
		delete(b.byToken, old)
	}
	b.next++
	b.byDir[dir] = b.next
	b.byToken[b.next] = dir
	return b.next, nil
}

func (b *FsnotifyBackend) Cancel(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir, ok := b.byToken[token]
	if !ok {
		return
	}
	delete(b.byToken, token)
	delete(b.byDir, dir)

	// fsnotify drops the watch by itself when the directory is removed.
	_ = b.fw.Remove(dir)
}

func (b *FsnotifyBackend) TakeNextBatch(ctx context.Context) (Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}

		var e fsnotify.Event
		if b.pending != nil {
			e, b.pending = *b.pending, nil
		} else {
			select {
			case <-ctx.Done():
				return Batch{}, ctx.Err()
			case <-b.closed:
				return Batch{}, ErrBackendClosed
			case err, ok := <-b.fw.Errors:
				if !ok {
					return Batch{}, ErrBackendClosed
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					return Batch{}, errors.Join(ErrEventOverflow, err)
				}
				return Batch{}, err
			case ev, ok := <-b.fw.Events:
				if !ok {
					return Batch{}, ErrBackendClosed
				}
				e = ev
			}
		}

		token, raw, ok := b.resolve(e)
		if !ok {
			continue
		}

		batch := Batch{Token: token, Events: []RawEvent{raw}}
		for len(batch.Events) < maxBatchSize {
			select {
			case ev, ok := <-b.fw.Events:
				if !ok {
					return batch, nil
				}
				t, r, ok := b.resolve(ev)
				if !ok {
					continue
				}
				if t != token {
					b.pending = &ev
					return batch, nil
				}
				batch.Events = append(batch.Events, r)
			default:
				return batch, nil
			}
		}
		return batch, nil
	}
}

// resolve attributes e to the registration of its parent directory. Events on
// directories without a live registration are dropped.
func (b *FsnotifyBackend) resolve(e fsnotify.Event) (Token, RawEvent, bool) {
	if e.Name == "" {
		return 0, RawEvent{}, false
	}

	var kind Kind
	switch {
	case e.Op.Has(fsnotify.Remove), e.Op.Has(fsnotify.Rename):
		kind = Deleted
	case e.Op.Has(fsnotify.Create):
		kind = Created
	case e.Op.Has(fsnotify.Write), e.Op.Has(fsnotify.Chmod):
		kind = Modified
	default:
		return 0, RawEvent{}, false
	}

	dir, name := filepath.Split(filepath.Clean(e.Name))
	dir = filepath.Clean(dir)

	b.mu.Lock()
	token, ok := b.byDir[dir]
	b.mu.Unlock()
	if !ok || name == "" {
		return 0, RawEvent{}, false
	}

	return token, RawEvent{Kind: kind, Name: name}, true
}

// Flush must not run concurrently with TakeNextBatch. fsnotify hands events
// over one at a time from its reader goroutine, so the channel is drained
// until it stays quiet for flushQuiet.
func (b *FsnotifyBackend) Flush() {
	b.pending = nil

	quiet := time.NewTimer(flushQuiet)
	defer quiet.Stop()
	for {
		select {
		case _, ok := <-b.fw.Events:
			if !ok {
				return
			}
			quiet.Reset(flushQuiet)
		case <-quiet.C:
			return
		}
	}
}

func (b *FsnotifyBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.fw.Close()
	})
	return err
}

func (b *FsnotifyBackend) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
