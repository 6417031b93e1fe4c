package server

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/protocol"
)

const (
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

type subscriber struct {
	conn    net.Conn
	user    string
	paths   []string
	queue   chan protocol.ChangePayload
	dropped atomic.Uint64
}

func (sub *subscriber) String() string {
	if sub.user == "" {
		return sub.conn.RemoteAddr().String()
	}
	return sub.user + "@" + sub.conn.RemoteAddr().String()
}

// wants reports whether path lies under one of the subscribed paths.
func (sub *subscriber) wants(path string) bool {
	if len(sub.paths) == 0 {
		return true
	}
	for _, p := range sub.paths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	r := bufio.NewReader(conn)

	username, err := s.joinHandler(conn, r)
	if err != nil {
		s.logger.Printf("server error :: join from %s %v\n", conn.RemoteAddr(), err)
		return
	}
	if username != "" {
		defer s.um.UnsetAuthenticatedUser(username)
	}

	d, err := protocol.Expect(r, protocol.Subscribe)
	if err != nil {
		s.logger.Printf("server error :: subscribe from %s %v\n", conn.RemoteAddr(), err)
		return
	}
	sp := protocol.SubscribePayload{}
	if len(d.Payload) > 0 {
		if err := d.Decode(&sp); err != nil {
			s.logger.Printf("server error :: subscribe from %s %v\n", conn.RemoteAddr(), err)
			return
		}
	}
	_ = conn.SetDeadline(time.Time{})

	sub := &subscriber{
		conn:  conn,
		user:  username,
		queue: make(chan protocol.ChangePayload, s.queue),
	}
	for _, p := range sp.Paths {
		sub.paths = append(sub.paths, filepath.Clean(p))
	}

	if !s.add(sub) {
		return
	}
	defer s.remove(sub)
	s.logger.Printf("server :: %s subscribed to %v\n", sub, sub.paths)

	// nothing is expected after the subscription; reading only detects hangups
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := protocol.Read(r); err != nil {
				return
			}
		}
	}()

	s.stream(sub, gone)

	_ = conn.Close()
	<-gone
	s.logger.Printf("server :: %s disconnected, %d notifications dropped\n", sub, sub.dropped.Load())
}

func (s *Server) stream(sub *subscriber, gone <-chan struct{}) {
	for {
		select {
		case c := <-sub.queue:
			d, err := protocol.NewData(protocol.ChangeNotify, s.seq.Add(1), c)
			if err != nil {
				s.logger.Printf("server error :: %v\n", err)
				continue
			}

			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.Write(sub.conn, d); err != nil {
				s.logger.Printf("server error :: %s %v\n", sub, err)
				return
			}
		case <-gone:
			return
		case <-s.exit:
			return
		}
	}
}

// joinHandler answers the first frame of a connection. Without a user manager
// every join is accepted; otherwise the password is checked and a user may
// only hold one connection.
func (s *Server) joinHandler(conn net.Conn, r *bufio.Reader) (string, error) {
	req, err := protocol.Read(r)
	if err != nil {
		return "", err
	}

	var username string
	ack := protocol.AckJoinPayload{Ok: false}

	switch {
	case req.Type != protocol.Join:
		ack.Msg = "invalid packet type"
	case s.um == nil:
		ack.Ok = true
	default:
		joinPayload := protocol.JoinPayload{}
		if err := req.Decode(&joinPayload); err != nil {
			ack.Msg = fmt.Sprintf("invalid payload. %v", err)
		} else if !s.um.CheckUserPassword(joinPayload.Username, joinPayload.Password) {
			ack.Msg = "invalid username or password"
		} else {
			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

			if s.um.SetAuthenticatedUser(joinPayload.Username, host) {
				ack.Ok = true
				username = joinPayload.Username
			} else if s.um.CheckUserIP(joinPayload.Username, host) {
				ack.Msg = "already connected from this address."
			} else {
				ack.Msg = "another system has logged in. if something is wrong call the server admin."
			}
		}
	}

	res, err := protocol.NewData(protocol.AckJoin, req.Sec+1, ack)
	if err == nil {
		err = protocol.Write(conn, res)
	}
	if err != nil {
		if username != "" {
			s.um.UnsetAuthenticatedUser(username)
		}
		return "", err
	}

	if !ack.Ok {
		return "", errors.Join(protocol.ErrAuthenticationFail, fmt.Errorf("type: %s, msg: %q", req.Type, ack.Msg))
	}

	return username, nil
}
