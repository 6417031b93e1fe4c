package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ManouchehrRasoulli/dirwatch/pkg/watcher"
)

type Type int64

const (
	Join Type = iota + 1
	AckJoin
	Subscribe
	ChangeNotify
)

func (t Type) String() string {
	switch t {
	case Join:
		return "join"
	case AckJoin:
		return "ack-join"
	case Subscribe:
		return "subscribe"
	case ChangeNotify:
		return "change-notify"
	}
	return fmt.Sprintf("type(%d)", int64(t))
}

/*
	A  <------------------------------ Join           B
	A  Ack Join ---------------------------------->   B
	A  <------------------------------ Subscribe      B
	A  Change Notify ----------------------------->   B
	A  Change Notify ----------------------------->   B
*/

// Delimiter ends every frame on the wire.
const Delimiter = '@'

var (
	ErrReadPacket         = errors.New("failed to read packet from connection")
	ErrUnmarshalPacket    = errors.New("failed to unmarshal packet data")
	ErrMarshalPacket      = errors.New("failed to marshal packet data")
	ErrWritePacket        = errors.New("failed to write packet to connection")
	ErrInconsistentWrite  = errors.New("inconsistent data write: bytes written mismatch")
	ErrInvalidPacketType  = errors.New("invalid packet type received")
	ErrAuthenticationFail = errors.New("authentication failed")
)

// Data
// General communication frame in given protocol
type Data struct {
	Sec     uint64                 `json:"sc"`
	Time    time.Time              `json:"t"`
	Type    Type                   `json:"tp"`
	Heading map[string]interface{} `json:"h,omitempty"`
	Payload json.RawMessage        `json:"p,omitempty"`
}

type JoinPayload struct {
	Username string `json:"u"`
	Password string `json:"pw"`
}

type AckJoinPayload struct {
	Ok  bool   `json:"ok"`
	Msg string `json:"m,omitempty"`
}

// SubscribePayload selects the notifications a connection receives. An empty
// Paths subscribes to everything the server watches.
type SubscribePayload struct {
	Paths []string `json:"p,omitempty"`
	Id    string   `json:"id,omitempty"`
}

type ChangePayload struct {
	Kind       watcher.Kind `json:"k"`
	Path       string       `json:"p"`
	IsDir      bool         `json:"d,omitempty"`
	Size       int64        `json:"sz,omitempty"`
	ChangeDate time.Time    `json:"cd,omitempty"`
}

func (c ChangePayload) Event() watcher.Event {
	return watcher.Event{Kind: c.Kind, Path: c.Path, IsDir: c.IsDir}
}

func NewData(tp Type, sec uint64, payload interface{}) (Data, error) {
	d := Data{
		Sec:  sec,
		Time: time.Now(),
		Type: tp,
	}
	if payload == nil {
		return d, nil
	}

	p, err := json.Marshal(payload)
	if err != nil {
		return Data{}, errors.Join(ErrMarshalPacket, err)
	}
	d.Payload = p
	return d, nil
}

// Decode unmarshals the payload into v.
func (d Data) Decode(v interface{}) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return errors.Join(ErrUnmarshalPacket, err)
	}
	return nil
}

var escapedDelimiter = []byte(`\u0040`)

// Write frames d onto w. A delimiter can only occur inside a JSON string, so
// it is escaped there and the frame stays unambiguous.
func Write(w io.Writer, d Data) error {
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Join(ErrMarshalPacket, err)
	}

	data = bytes.ReplaceAll(data, []byte{Delimiter}, escapedDelimiter)
	data = append(data, Delimiter)

	n, err := w.Write(data)
	if err != nil {
		return errors.Join(ErrWritePacket, err)
	}
	if n != len(data) {
		return errors.Join(ErrInconsistentWrite, fmt.Errorf("%d != %d", n, len(data)))
	}
	return nil
}

func Read(r *bufio.Reader) (Data, error) {
	data, err := r.ReadBytes(Delimiter)
	if err != nil {
		return Data{}, errors.Join(ErrReadPacket, err)
	}

	d := Data{}
	if err := json.Unmarshal(data[:len(data)-1], &d); err != nil {
		return Data{}, errors.Join(ErrUnmarshalPacket, err)
	}
	return d, nil
}

// Expect reads the next frame and checks its type.
func Expect(r *bufio.Reader, tp Type) (Data, error) {
	d, err := Read(r)
	if err != nil {
		return Data{}, err
	}
	if d.Type != tp {
		return Data{}, errors.Join(ErrInvalidPacketType, fmt.Errorf("expect %s but received %s", tp, d.Type))
	}
	return d, nil
}
