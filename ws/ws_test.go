package ws

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stephen-soltesz/ndt5-client-cc/netx"
)

func fakeServerHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	req, err := http.ReadRequest(r)
	if err != nil {
		t.Errorf("fakeServerHandshake: ReadRequest failed: %v", err)
		return
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	accept := acceptKey(key)
	resp := fmt.Sprintf(
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		accept)
	if _, err := conn.Write([]byte(resp)); err != nil {
		t.Errorf("fakeServerHandshake: writing response failed: %v", err)
	}
}

func TestHandshakeSuccess(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	go fakeServerHandshake(t, srv)

	conn := netx.NewConn(cli, 2*time.Second)
	_, err := Handshake(conn, HandshakeSettings{Host: "ndt.example.org", URL: "/ndt_protocol", Protocol: "ndt"})
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
}

func TestWriteReadMessageRoundTrip(t *testing.T) {
	srvRaw, cliRaw := net.Pipe()
	defer srvRaw.Close()
	defer cliRaw.Close()

	srv := &Conn{conn: netx.NewConn(srvRaw, 2*time.Second), br: bufio.NewReader(srvRaw)}
	cli := &Conn{conn: netx.NewConn(cliRaw, 2*time.Second), br: bufio.NewReader(cliRaw)}

	want := []byte(`{"msg":"hello"}`)
	errc := make(chan error, 1)
	go func() {
		errc <- cli.WriteMessage(OpBinary, want)
	}()

	op, payload, err := srv.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if op != OpBinary {
		t.Fatalf("got opcode %v, want OpBinary", op)
	}
	if string(payload) != string(want) {
		t.Fatalf("got payload %q, want %q", payload, want)
	}
}

func TestMessageConnSendRecvRoundTrip(t *testing.T) {
	srvRaw, cliRaw := net.Pipe()
	defer srvRaw.Close()
	defer cliRaw.Close()

	srv := &MessageConn{Conn: &Conn{conn: netx.NewConn(srvRaw, 2*time.Second), br: bufio.NewReader(srvRaw)}}
	cli := &MessageConn{Conn: &Conn{conn: netx.NewConn(cliRaw, 2*time.Second), br: bufio.NewReader(cliRaw)}}

	want := []byte("some bulk test payload")
	errc := make(chan error, 1)
	go func() {
		_, err := cli.Send(want)
		errc <- err
	}()

	buf := make([]byte, 1024)
	n, err := srv.Recv(buf)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(buf[:n]) != string(want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestReadMessageAnswersPing(t *testing.T) {
	srvRaw, cliRaw := net.Pipe()
	defer srvRaw.Close()
	defer cliRaw.Close()

	srv := &Conn{conn: netx.NewConn(srvRaw, 2*time.Second), br: bufio.NewReader(srvRaw)}
	cli := &Conn{conn: netx.NewConn(cliRaw, 2*time.Second), br: bufio.NewReader(cliRaw)}

	// net.Pipe is unbuffered and the client writes its pong before reading
	// on, so the server reads the pong before sending the next message.
	type readResult struct {
		f   frame
		err error
	}
	pongc := make(chan readResult, 1)
	go func() {
		_ = srv.writeFrame(OpPing, true, []byte("ping-payload"))
		f, err := srv.readFrame()
		pongc <- readResult{f, err}
		_ = srv.WriteMessage(OpText, []byte("after-ping"))
	}()

	op, payload, err := cli.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if op != OpText || string(payload) != "after-ping" {
		t.Fatalf("got (%v, %q), want (OpText, after-ping)", op, payload)
	}

	pong := <-pongc
	pongFrame, err := pong.f, pong.err
	if err != nil {
		t.Fatalf("expected a pong frame echoed back: %v", err)
	}
	if pongFrame.opcode != OpPong {
		t.Fatalf("got opcode %v, want OpPong", pongFrame.opcode)
	}
}
