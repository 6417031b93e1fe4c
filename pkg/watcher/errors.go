package watcher

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrPathNotFound   = errors.New("path not found")
	ErrPermission     = errors.New("permission denied")
	ErrNotDirectory   = errors.New("path is not a directory")
	ErrBackendClosed  = errors.New("notification backend closed")
	ErrEventOverflow  = errors.New("notification queue overflow, events were lost")
	ErrSessionClosed  = errors.New("watch session closed")
	ErrUnknownBackend = errors.New("unknown notification backend")
)

// classify maps an os/syscall error returned while registering path onto the
// package sentinels, keeping the original error in the chain.
func classify(path string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, errors.Join(ErrPathNotFound, err))
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, errors.Join(ErrPermission, err))
	default:
		return fmt.Errorf("%s: %w", path, err)
	}
}

// ListenerError reports a listener callback that returned an error or
// panicked. It is only ever logged.
type ListenerError struct {
	Event Event
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener failed on %s: %v", e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }
