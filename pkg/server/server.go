package server

import (
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/index"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/protocol"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/user"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

var (
	ErrServerClosed = errors.New("server closed")
)

type TLS struct {
	Cert string
	Key  string
}

type Option func(s *Server)

func WithTLS(t *TLS) Option {
	return func(s *Server) {
		s.tls = t
	}
}

// WithUserManager requires every connection to join with a valid password.
func WithUserManager(um *user.UserManager) Option {
	return func(s *Server) {
		s.um = um
	}
}

// WithIndex adds size and modification time to notifications. The index has
// to see each event before the server does.
func WithIndex(ix *index.Index) Option {
	return func(s *Server) {
		s.index = ix
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.logger = lg
		}
	}
}

func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queue = n
		}
	}
}

// Server streams the events of a watch session to subscribed connections.
// It is a watcher.Listener; publishing never blocks on a connection.
type Server struct {
	address string
	tls     *TLS
	um      *user.UserManager
	index   *index.Index
	logger  *log.Logger
	queue   int

	mu     sync.Mutex
	l      net.Listener
	conns  map[net.Conn]struct{}
	subs   map[*subscriber]struct{}
	closed bool

	seq  atomic.Uint64
	wg   sync.WaitGroup
	exit chan struct{}
}

func NewServer(address string, options ...Option) *Server {
	s := Server{
		address: address,
		logger:  log.New(io.Discard, "", 0),
		queue:   64,
		conns:   make(map[net.Conn]struct{}),
		subs:    make(map[*subscriber]struct{}),
		exit:    make(chan struct{}),
	}

	for _, op := range options {
		op(&s)
	}

	return &s
}

func (s *Server) Listen() error {
	l, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	if s.tls != nil {
		cert, err := tls.LoadX509KeyPair(s.tls.Cert, s.tls.Key)
		if err != nil {
			_ = l.Close()
			return err
		}
		l = tls.NewListener(l, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = l.Close()
		return ErrServerClosed
	}
	s.l = l
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Run accepts connections until Close, which makes it return ErrServerClosed.
func (s *Server) Run() error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	l := s.l
	s.mu.Unlock()

	host, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return err
	}
	s.logger.Printf("server :: running on host %s, port %s, tls %t ...\n", host, port, s.tls != nil)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.exit:
				return ErrServerClosed
			default:
				s.logger.Printf("server :: got error (%v) on accepting connection !!\n", err)
				return err
			}
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.logger.Printf("server :: accept connection --> {remote-address: %s}\n", conn.RemoteAddr())
		go s.serve(conn)
	}
}

// Close stops accepting, disconnects every subscriber and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.exit)
	l := s.l
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	s.wg.Wait()
	return err
}

// Subscribers is the number of connections receiving notifications.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Created(path string, isDir bool) error {
	s.publish(watcher.Event{Kind: watcher.Created, Path: path, IsDir: isDir})
	return nil
}

func (s *Server) Modified(path string, isDir bool) error {
	s.publish(watcher.Event{Kind: watcher.Modified, Path: path, IsDir: isDir})
	return nil
}

func (s *Server) Deleted(path string, isDir bool) error {
	s.publish(watcher.Event{Kind: watcher.Deleted, Path: path, IsDir: isDir})
	return nil
}

func (s *Server) publish(e watcher.Event) {
	c := protocol.ChangePayload{Kind: e.Kind, Path: e.Path, IsDir: e.IsDir}
	if s.index != nil {
		if m, ok := s.index.Get(e.Path); ok {
			c.Size = m.Size
			c.ChangeDate = m.ModifyTime
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if !sub.wants(e.Path) {
			continue
		}
		select {
		case sub.queue <- c:
		default:
			n := sub.dropped.Add(1)
			s.logger.Printf("server :: queue full for %s, dropped %s (%d so far)\n", sub, e, n)
		}
	}
}

func (s *Server) add(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs[sub] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}
