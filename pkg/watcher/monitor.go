package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// monitor is the only consumer of the backend and the only caller of the
// listener for generation gen.
func (s *Session) monitor(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	s.logger.Printf("monitor :: started\n")
	defer s.logger.Printf("monitor :: stopped\n")

	for {
		batch, err := s.backend.TakeNextBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrBackendClosed) {
				s.logger.Printf("monitor :: backend closed\n")
				return
			}

			s.logger.Printf("monitor :: take failed, retrying %v\n", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		s.handleBatch(gen, batch)
	}
}

func (s *Session) handleBatch(gen uint64, batch Batch) {
	s.mu.Lock()
	dir, known := s.regs.dir(batch.Token)
	live := s.live(gen)
	s.mu.Unlock()

	if !live || !known {
		// canceled while the batch was in flight
		return
	}

	for _, raw := range batch.Events {
		e := s.resolve(dir, raw)
		if !s.deliver(gen, e) {
			return
		}

		switch {
		case e.Kind == Deleted && e.IsDir:
			s.forget(e.Path)
		case e.Kind == Created && s.recursive:
			if e.IsDir {
				s.discover(gen, e.Path)
			} else if s.tracing() {
				s.logger.Printf("monitor :: new file %s\n", e.Path)
			}
		}
	}
}

// resolve turns raw into an absolute event. The directory flag comes from a
// live lstat; a path that is gone is a directory only if it was registered.
func (s *Session) resolve(dir string, raw RawEvent) Event {
	e := Event{Kind: raw.Kind, Path: filepath.Join(dir, raw.Name)}

	if info, err := os.Lstat(e.Path); err == nil {
		e.IsDir = info.IsDir()
		return e
	}

	s.mu.Lock()
	e.IsDir = s.regs.has(e.Path)
	s.mu.Unlock()
	return e
}

// deliver calls the listener unless generation gen has been stopped.
func (s *Session) deliver(gen uint64, e Event) bool {
	s.mu.Lock()
	live := s.live(gen)
	s.mu.Unlock()

	if !live {
		return false
	}

	if err := s.call(e); err != nil {
		s.logger.Printf("monitor :: %v\n", err)
	}
	return true
}

func (s *Session) call(e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ListenerError{Event: e, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if lerr := Dispatch(s.listener, e); lerr != nil {
		return &ListenerError{Event: e, Err: lerr}
	}
	return nil
}

// discover registers a directory created under a watched tree and reports
// whatever was already inside it, since those entries may have been created
// before the registration existed.
func (s *Session) discover(gen uint64, dir string) {
	s.mu.Lock()
	if !s.live(gen) {
		s.mu.Unlock()
		return
	}
	res, err := s.walkLocked(dir, true)
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, errNotRunning) {
			s.logger.Printf("monitor :: failed to register new directory %v\n", err)
		}
		return
	}

	for _, e := range res.Found {
		if !s.deliver(gen, e) {
			return
		}
	}
}

// forget drops the registrations of a deleted directory and its subtree.
func (s *Session) forget(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.regs.dropTree(dir) {
		s.backend.Cancel(t)
	}
}

func (s *Session) tracing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace
}
