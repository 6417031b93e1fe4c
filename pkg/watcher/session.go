package watcher

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"
)

type Option func(s *Session)

// WithRecursive selects recursive mode (the default): every directory below
// a root is registered, and directories created later are picked up live.
func WithRecursive(recursive bool) Option {
	return func(s *Session) {
		s.recursive = recursive
	}
}

// WithBackend injects the notification backend. The caller keeps ownership:
// Close does not close an injected backend.
func WithBackend(b Backend) Option {
	return func(s *Session) {
		s.backend = b
		s.ownsBackend = false
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(s *Session) {
		if lg != nil {
			s.logger = lg
		}
	}
}

// WithRetryDelay sets the pause after a failed backend read.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

type state int

const (
	stopped state = iota
	running
)

func (st state) String() string {
	if st == running {
		return "running"
	}
	return "stopped"
}

// Session watches a set of root paths and reports their changes to a Listener.
// It starts Stopped; Start and Stop may be called any number of times, and the
// roots survive a Stop.
type Session struct {
	listener    Listener
	backend     Backend
	ownsBackend bool
	recursive   bool
	logger      *log.Logger
	retryDelay  time.Duration

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  state
	closed bool
	trace  bool
	gen    uint64
	roots  pathRegistry
	regs   registrations
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(listener Listener, options ...Option) (*Session, error) {
	if listener == nil {
		listener = ListenerAdapter{}
	}

	s := Session{
		listener:   listener,
		recursive:  true,
		logger:     log.New(io.Discard, "", 0),
		retryDelay: 100 * time.Millisecond,
		regs:       newRegistrations(),
	}

	for _, op := range options {
		op(&s)
	}

	if s.backend == nil {
		b, err := NewBackend(BackendFsnotify)
		if err != nil {
			return nil, err
		}
		s.backend = b
		s.ownsBackend = true
	}

	return &s, nil
}

// AddPath adds a root. While running, the root is registered immediately and
// the registration error, if any, is returned; the root is kept either way and
// retried on the next Start.
func (s *Session) AddPath(path string) error {
	p, err := normalize(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.roots.add(p)
	if s.state != running {
		return nil
	}

	_, err = s.walkLocked(p, false)
	return err
}

// Start registers every root and starts the monitor. Roots that fail to
// register are reported in the returned error without affecting the others.
func (s *Session) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == running {
		s.mu.Unlock()
		return nil
	}

	s.state = running
	s.trace = true
	s.gen++

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	var errs []error
	for _, root := range s.roots.all() {
		if _, err := s.walkLocked(root, false); err != nil {
			s.logger.Printf("session :: failed to register root %v\n", err)
			errs = append(errs, err)
		}
	}
	gen, done := s.gen, s.done
	watched := len(s.regs.byToken)
	s.mu.Unlock()

	go s.monitor(ctx, gen, done)
	s.logger.Printf("session :: started, %d directories watched\n", watched)

	return errors.Join(errs...)
}

// Stop cancels every registration and waits for the monitor to exit. Events
// still queued in the backend are discarded. It must not be called from a
// Listener callback.
//
// Stop never fails; the error result only pairs it with Start. It returns
// nil on a stopped or closed session too.
func (s *Session) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()
	return nil
}

func (s *Session) stop() {
	s.mu.Lock()
	if s.state != running {
		s.mu.Unlock()
		return
	}

	s.state = stopped
	s.cancel()
	tokens := s.regs.tokens()
	for _, t := range tokens {
		s.backend.Cancel(t)
	}
	s.regs.clear()
	done := s.done
	s.mu.Unlock()

	<-done
	s.backend.Flush()
	s.logger.Printf("session :: stopped, %d registrations canceled\n", len(tokens))
}

// Close stops the session and releases the backend if the session created it.
func (s *Session) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ownsBackend {
		return s.backend.Close()
	}
	return nil
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == running
}

// Roots returns the roots in the order they were added.
func (s *Session) Roots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots.all()
}

// Watched returns the directories currently registered, sorted.
func (s *Session) Watched() []string {
	s.mu.Lock()
	dirs := s.regs.dirs()
	s.mu.Unlock()

	sort.Strings(dirs)
	return dirs
}

// live reports whether the monitor of generation gen may still deliver.
// Caller holds s.mu.
func (s *Session) live(gen uint64) bool {
	return s.state == running && s.gen == gen
}

// walkLocked registers root's subtree. Caller holds s.mu.
func (s *Session) walkLocked(root string, collect bool) (WalkResult, error) {
	w := treeWalker{
		recursive: s.recursive,
		register:  s.registerLocked,
		logger:    s.logger,
	}

	res, err := w.walk(root, collect)
	if len(res.Skipped) > 0 {
		s.logger.Printf("session :: partial registration of %s, %d directories skipped\n", root, len(res.Skipped))
	}
	return res, err
}

// registerLocked registers one directory. Caller holds s.mu, so a concurrent
// Stop either ran before (and this fails) or runs after and cancels it.
func (s *Session) registerLocked(dir string) (Registration, error) {
	if s.state != running {
		return Registration{}, errNotRunning
	}

	token, err := s.backend.Register(dir)
	if err != nil {
		return Registration{}, err
	}

	prevDir, prevToken, replaced := s.regs.put(token, dir)
	if replaced && prevToken != token {
		s.backend.Cancel(prevToken)
	}

	if s.trace {
		switch {
		case prevDir != "" && prevDir != dir:
			s.logger.Printf("session :: watch moved %s -> %s\n", prevDir, dir)
		case replaced:
			s.logger.Printf("session :: watch refreshed %s (token %d -> %d)\n", dir, prevToken, token)
		default:
			s.logger.Printf("session :: watch added %s\n", dir)
		}
	}

	return Registration{Token: token, Dir: dir}, nil
}
