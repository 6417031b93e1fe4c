//go:build !linux

package watcher

import (
	"fmt"
	"runtime"
)

func NewInotifyBackend() (Backend, error) {
	return nil, fmt.Errorf("inotify is not available on %s: %w", runtime.GOOS, ErrUnknownBackend)
}
