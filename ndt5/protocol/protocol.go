// Package protocol implements the NDT v3.7 message framer: a TLV envelope
// (type:u8, length:u16be, body) carried either directly over a raw
// connection or inside WebSocket binary frames, with the body itself in
// either "legacy" raw-bytes form or JSON-wrapped form. This is the
// client-side mirror of the server's own protocol.go, adapted from a
// receive/send split keyed on an http.Upgrade-derived websocket.Conn into
// a single Messager built on this module's own netx/ws layers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/stephen-soltesz/ndt5-client-cc/netx"
	"github.com/stephen-soltesz/ndt5-client-cc/ws"
)

// MessageType is the full set of NDT protocol messages the client
// recognizes.
type MessageType byte

const (
	// MsgUnknown is the zero value, returned under error conditions.
	MsgUnknown MessageType = iota
	// SrvQueue signals how long a client should wait.
	SrvQueue
	// MsgLogin is used for signalling capabilities.
	MsgLogin
	// TestPrepare indicates the server is getting ready to run a test.
	TestPrepare
	// TestStart indicates preparation is complete and the test is about to run.
	TestStart
	// TestMsg is used for communication during a test.
	TestMsg
	// TestFinalize is the last message a test sends.
	TestFinalize
	// MsgError is sent when an error occurs.
	MsgError
	// MsgResults sends test results.
	MsgResults
	// MsgLogout is used to logout.
	MsgLogout
	// MsgWaiting is used for queue management.
	MsgWaiting
	// MsgExtendedLogin is used to signal advanced capabilities.
	MsgExtendedLogin
)

func (m MessageType) String() string {
	switch m {
	case SrvQueue:
		return "SrvQueue"
	case MsgLogin:
		return "MsgLogin"
	case TestPrepare:
		return "TestPrepare"
	case TestStart:
		return "TestStart"
	case TestMsg:
		return "TestMsg"
	case TestFinalize:
		return "TestFinalize"
	case MsgError:
		return "MsgError"
	case MsgResults:
		return "MsgResults"
	case MsgLogout:
		return "MsgLogout"
	case MsgWaiting:
		return "MsgWaiting"
	case MsgExtendedLogin:
		return "MsgExtendedLogin"
	default:
		return fmt.Sprintf("UnknownMessage(0x%X)", byte(m))
	}
}

// Transport carries raw framed message bytes, hiding whether they travel
// directly over a netx.Conn or wrapped inside WebSocket binary frames.
type Transport interface {
	Send([]byte) error
	Recv() ([]byte, error)
}

// netTransport sends/receives the TLV envelope directly over a netx.Conn,
// for the plain (non-WebSocket) control/test channel.
type netTransport struct {
	conn *netx.Conn
}

// NewNetTransport wraps conn for direct TLV framing.
func NewNetTransport(conn *netx.Conn) Transport {
	return &netTransport{conn: conn}
}

func (t *netTransport) Send(b []byte) error {
	return t.conn.SendN(b)
}

func (t *netTransport) Recv() ([]byte, error) {
	hdr := make([]byte, 3)
	if err := t.conn.RecvN(hdr); err != nil {
		return nil, err
	}
	size := int(hdr[1])<<8 | int(hdr[2])
	body := make([]byte, size)
	if size > 0 {
		if err := t.conn.RecvN(body); err != nil {
			return nil, err
		}
	}
	return append(hdr, body...), nil
}

// wsTransport carries the TLV envelope inside a single WebSocket binary
// frame per message, for the WS-upgraded control/test channel.
type wsTransport struct {
	conn *ws.Conn
}

// NewWSTransport wraps conn for WebSocket-framed TLV messages.
func NewWSTransport(conn *ws.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(b []byte) error {
	return t.conn.WriteMessage(ws.OpBinary, b)
}

func (t *wsTransport) Recv() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Messager sends and receives NDT TLV messages. Whether bodies are
// carried raw or JSON-wrapped ({"msg": "<body>"}) is fixed for the whole
// connection at NewMessager time, matching how the NDT control channel's
// encoding is pinned during login and never changes mid-session.
type Messager interface {
	// SendMessage sends data as the body of a TLV message, JSON-wrapping
	// it first if this Messager is in JSON mode.
	SendMessage(t MessageType, data []byte) error
	// ReceiveMessage reads one TLV message, verifying its type is one of
	// expected, and returns its body, transparently unwrapped from
	// {"msg": "..."} if this Messager is in JSON mode.
	ReceiveMessage(expected ...MessageType) ([]byte, MessageType, error)
}

// maxBodySize is the largest body the u16be length field in the legacy
// NDT wire record can represent.
const maxBodySize = 65535

type messager struct {
	transport Transport
	// json, when true, wraps every outgoing body as {"msg": "<body>"}
	// and unwraps every incoming one the same way, matching §4.5's
	// write/read path. It is fixed once the control channel has
	// negotiated JSON vs legacy framing during login.
	json bool
}

// NewMessager builds a Messager over transport. jsonMode selects whether
// bodies travel wrapped as {"msg": "..."} JSON objects (JSON or
// WebSocket sessions) or as raw bytes (plain legacy sessions).
func NewMessager(transport Transport, jsonMode bool) Messager {
	return &messager{transport: transport, json: jsonMode}
}

func encodeTLV(t MessageType, body []byte) []byte {
	out := make([]byte, 3+len(body))
	out[0] = byte(t)
	out[1] = byte((len(body) >> 8) & 0xff)
	out[2] = byte(len(body) & 0xff)
	copy(out[3:], body)
	return out
}

// jsonBody is the wire shape of a JSON-framed message: the whole body,
// wrapped under a single "msg" field.
type jsonBody struct {
	Msg string `json:"msg"`
}

func (m *messager) SendMessage(t MessageType, data []byte) error {
	body := data
	if m.json {
		wrapped, err := json.Marshal(&jsonBody{Msg: string(data)})
		if err != nil {
			return fmt.Errorf("protocol: encoding JSON body: %w", err)
		}
		body = wrapped
	}
	if len(body) > maxBodySize {
		return netx.ErrMessageSize
	}
	return m.transport.Send(encodeTLV(t, body))
}

func (m *messager) ReceiveMessage(expected ...MessageType) ([]byte, MessageType, error) {
	raw, err := m.transport.Recv()
	if err != nil {
		return nil, MsgUnknown, err
	}
	if len(raw) < 3 {
		return nil, MsgUnknown, errors.New("protocol: message is too short")
	}
	got := MessageType(raw[0])
	found := len(expected) == 0
	for _, e := range expected {
		if got == e {
			found = true
			break
		}
	}
	if !found {
		return nil, got, fmt.Errorf("protocol: wanted one of %v, got %s", expected, got)
	}
	expectedLen := int(raw[1])<<8 | int(raw[2])
	body := raw[3:]
	if expectedLen != len(body) {
		return nil, got, fmt.Errorf("protocol: declared length %d does not match received length %d",
			expectedLen, len(body))
	}
	if m.json {
		var jb jsonBody
		if err := json.Unmarshal(body, &jb); err != nil {
			return nil, got, fmt.Errorf("protocol: decoding JSON body: %w", err)
		}
		body = []byte(jb.Msg)
	}
	return body, got, nil
}

// ErrShortRead is io.ErrUnexpectedEOF. Errors from the WebSocket transport
// wrap it when the peer closes mid-frame; the plain transport reports the
// same case as netx.ErrIO.
var ErrShortRead = io.ErrUnexpectedEOF
