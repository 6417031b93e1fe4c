package watcher

import (
	"context"
	"fmt"
)

// Token identifies one directory registration inside a Backend.
type Token uint64

// Registration is a directory actually registered with the backend.
type Registration struct {
	Token Token
	Dir   string
}

// Backend is the native change-notification primitive a Session consumes.
//
// Register may be called concurrently with TakeNextBatch. TakeNextBatch is only
// ever called from one goroutine and blocks until a batch is available. It
// returns ctx.Err() once ctx is done and ErrBackendClosed after Close; any other
// error is transient. Cancel is idempotent. Flush discards everything the
// backend has queued but not yet returned.
type Backend interface {
	Register(dir string) (Token, error)
	Cancel(token Token)
	TakeNextBatch(ctx context.Context) (Batch, error)
	Flush()
	Close() error
}

const (
	BackendFsnotify = "fsnotify"
	BackendInotify  = "inotify"
)

// NewBackend builds a backend by name. An empty name selects fsnotify.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "", BackendFsnotify:
		b, err := NewFsnotifyBackend()
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendInotify:
		return NewInotifyBackend()
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownBackend)
	}
}
