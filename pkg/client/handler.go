package client

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/protocol"
)

// Auth logs into the server by sending the join packet. An open server
// accepts empty credentials.
func (c *Client) Auth(conn net.Conn, r *bufio.Reader) error {
	req, err := protocol.NewData(protocol.Join, 0, protocol.JoinPayload{
		Username: c.username,
		Password: c.password,
	})
	if err != nil {
		return err
	}

	if err := protocol.Write(conn, req); err != nil {
		return err
	}

	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})

	response, err := protocol.Expect(r, protocol.AckJoin)
	if err != nil {
		return err
	}

	ackJoinPayload := protocol.AckJoinPayload{}
	if err := response.Decode(&ackJoinPayload); err != nil {
		return err
	}

	if !ackJoinPayload.Ok {
		var subErr error
		if ackJoinPayload.Msg != "" {
			subErr = errors.New(ackJoinPayload.Msg)
		}
		return errors.Join(protocol.ErrAuthenticationFail, subErr)
	}

	return nil
}
