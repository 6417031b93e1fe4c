package client

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/protocol"
	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

const (
	dialTimeout = 10 * time.Second
	authTimeout = 30 * time.Second
)

type Option func(c *Client)

func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsCfg = cfg
	}
}

func WithLogger(lg *log.Logger) Option {
	return func(c *Client) {
		if lg != nil {
			c.logger = lg
		}
	}
}

// WithPaths limits the subscription to changes below paths on the server.
func WithPaths(paths ...string) Option {
	return func(c *Client) {
		c.paths = append(c.paths, paths...)
	}
}

// Client replays the change notifications of a remote server into a local
// Listener, in the order the server sent them.
type Client struct {
	address  string
	username string
	password string
	tlsCfg   *tls.Config
	paths    []string
	listener watcher.Listener
	logger   *log.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewClient(address string, listener watcher.Listener, options ...Option) *Client {
	if listener == nil {
		listener = watcher.ListenerAdapter{}
	}

	c := Client{
		address:  address,
		listener: listener,
		logger:   log.New(io.Discard, "", 0),
	}

	for _, op := range options {
		op(&c)
	}

	return &c
}

func (c *Client) dial() (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if c.tlsCfg != nil {
		return tls.DialWithDialer(d, "tcp", c.address, c.tlsCfg)
	}
	return d.Dial("tcp", c.address)
}

// Run connects, joins and subscribes, then delivers notifications until the
// connection ends. It returns nil after Close.
func (c *Client) Run() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	r := bufio.NewReader(conn)
	if err := c.Auth(conn, r); err != nil {
		return c.ended(err)
	}
	if err := c.subscribe(conn); err != nil {
		return c.ended(err)
	}

	c.logger.Printf("client :: connected to host %s ...\n", c.address)

	for {
		d, err := protocol.Read(r)
		if err != nil {
			return c.ended(err)
		}

		if d.Type != protocol.ChangeNotify {
			c.logger.Printf("client :: got data %v !!\n", d)
			continue
		}

		cp := protocol.ChangePayload{}
		if err := d.Decode(&cp); err != nil {
			c.logger.Printf("client error :: invalid change payload %v\n", err)
			continue
		}

		e := cp.Event()
		if err := watcher.Dispatch(c.listener, e); err != nil {
			c.logger.Printf("client error :: listener failed on %s %v\n", e, err)
		}
	}
}

// ended maps the error that stopped Run to nil when Close caused it.
func (c *Client) ended(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return err
}

func (c *Client) subscribe(conn net.Conn) error {
	d, err := protocol.NewData(protocol.Subscribe, 1, protocol.SubscribePayload{Paths: c.paths})
	if err != nil {
		return err
	}
	return protocol.Write(conn, d)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
