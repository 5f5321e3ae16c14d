package ndt5

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/protocol"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/results"
	"github.com/stephen-soltesz/ndt5-client-cc/netx"
)

// fakeControlServer drives the server side of a login-only control
// exchange: kickoff, queue, version, test list, results, logout. No
// subtest is requested, keeping the exchange fast and independent of
// c2s/s2c pacing.
func fakeControlServer(t *testing.T, ctrl net.Conn) {
	t.Helper()
	srvConn := netx.NewConn(ctrl, 2*time.Second)
	if err := srvConn.SendN([]byte(kickoff)); err != nil {
		t.Errorf("fakeControlServer: kickoff: %v", err)
		return
	}
	srvM := protocol.NewMessager(protocol.NewNetTransport(srvConn), false)

	if _, _, err := srvM.ReceiveMessage(protocol.MsgExtendedLogin); err != nil {
		t.Errorf("fakeControlServer: login: %v", err)
		return
	}
	if err := srvM.SendMessage(protocol.SrvQueue, []byte("0")); err != nil {
		t.Errorf("fakeControlServer: SrvQueue: %v", err)
		return
	}
	if err := srvM.SendMessage(protocol.MsgLogin, []byte("v5.0-NDTinGO")); err != nil {
		t.Errorf("fakeControlServer: version: %v", err)
		return
	}
	if err := srvM.SendMessage(protocol.MsgLogin, []byte(strconv.Itoa(testStatus))); err != nil {
		t.Errorf("fakeControlServer: test list: %v", err)
		return
	}
	if err := srvM.SendMessage(protocol.MsgResults, []byte("web100.foo: 1\n")); err != nil {
		t.Errorf("fakeControlServer: MsgResults: %v", err)
		return
	}
	if err := srvM.SendMessage(protocol.MsgLogout, nil); err != nil {
		t.Errorf("fakeControlServer: MsgLogout: %v", err)
	}
}

func TestClientRunLoginOnly(t *testing.T) {
	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ctrlLn.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ctrlLn.Accept()
		if err != nil {
			t.Errorf("accept control conn: %v", err)
			return
		}
		accepted <- c
	}()

	_, portStr, _ := net.SplitHostPort(ctrlLn.Addr().String())
	port, _ := strconv.Atoi(portStr)

	client := NewClient(Settings{
		Hostname:    "127.0.0.1",
		ControlPort: port,
		Timeout:     2 * time.Second,
	})

	errc := make(chan error, 1)
	var set *results.Set
	go func() {
		s, err := client.Run(context.Background())
		set = s
		errc <- err
	}()

	srvConn := <-accepted
	defer srvConn.Close()
	fakeControlServer(t, srvConn)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}
	if set == nil {
		t.Fatal("expected a non-nil results.Set")
	}
	if len(set.ByScope(results.ScopeWeb100)) == 0 {
		t.Fatal("expected web100 results")
	}
}

func TestClientRunAdvancesPastBusyCandidate(t *testing.T) {
	// Both candidates must share the client's single ControlPort, so the
	// busy and ok servers are distinguished by loopback address
	// (127.0.0.1/8 is entirely local) rather than by port.
	busyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busyLn.Close()
	_, portStr, _ := net.SplitHostPort(busyLn.Addr().String())
	okLn, err := net.Listen("tcp", net.JoinHostPort("127.0.0.2", portStr))
	if err != nil {
		t.Skipf("127.0.0.2 not available in this environment: %v", err)
	}
	defer okLn.Close()
	port, _ := strconv.Atoi(portStr)

	go func() {
		c, err := busyLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		conn := netx.NewConn(c, 2*time.Second)
		conn.SendN([]byte(kickoff))
		m := protocol.NewMessager(protocol.NewNetTransport(conn), false)
		if _, _, err := m.ReceiveMessage(protocol.MsgExtendedLogin); err != nil {
			return
		}
		m.SendMessage(protocol.SrvQueue, []byte("9977"))
	}()
	go func() {
		c, err := okLn.Accept()
		if err != nil {
			t.Errorf("accept ok candidate: %v", err)
			return
		}
		defer c.Close()
		fakeControlServer(t, c)
	}()

	client := NewClient(Settings{
		Candidates:  []string{"127.0.0.1", "127.0.0.2"},
		ControlPort: port,
		Timeout:     2 * time.Second,
	})

	errc := make(chan error, 1)
	var set *results.Set
	go func() {
		s, err := client.Run(context.Background())
		set = s
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}
	if set == nil {
		t.Fatal("expected a non-nil results.Set")
	}
}

func TestControlAddressDefaultsPlainPort(t *testing.T) {
	s := Settings{}
	if got, want := s.controlAddress("ndt.example.com"), "ndt.example.com:3001"; got != want {
		t.Errorf("controlAddress() = %q, want %q", got, want)
	}
}

func TestControlAddressDefaultsWSSPort(t *testing.T) {
	s := Settings{UseWebSocket: true, UseTLS: true}
	if got, want := s.controlAddress("ndt.example.com"), "ndt.example.com:443"; got != want {
		t.Errorf("controlAddress() = %q, want %q", got, want)
	}
}

func TestRequestedTestsBitmask(t *testing.T) {
	c := &Client{Settings: Settings{RunC2S: true, RunMeta: true}}
	got := c.requestedTests()
	want := testStatus | testC2S | testMETA
	if got != want {
		t.Errorf("requestedTests() = %d, want %d", got, want)
	}
}

func TestSendLoginBodyShape(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	cliM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(cli, time.Second)), false)
	c := &Client{}

	done := make(chan string, 1)
	go func() {
		srvM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(srv, time.Second)), false)
		body, _, err := srvM.ReceiveMessage(protocol.MsgExtendedLogin)
		if err != nil {
			t.Errorf("ReceiveMessage: %v", err)
			return
		}
		done <- string(body)
	}()

	if err := c.sendLogin(cliM, testC2S|testS2C); err != nil {
		t.Fatalf("sendLogin: %v", err)
	}

	select {
	case got := <-done:
		if want := strconv.Itoa(testC2S | testS2C); got != want {
			t.Errorf("login body = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive login message in time")
	}
}

func TestSendLoginBodyShapeJSON(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	cliM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(cli, time.Second)), true)
	c := &Client{}

	done := make(chan string, 1)
	go func() {
		srvM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(srv, time.Second)), true)
		body, _, err := srvM.ReceiveMessage(protocol.MsgExtendedLogin)
		if err != nil {
			t.Errorf("ReceiveMessage: %v", err)
			return
		}
		done <- string(body)
	}()

	if err := c.sendLogin(cliM, testC2S|testS2C); err != nil {
		t.Fatalf("sendLogin: %v", err)
	}

	select {
	case got := <-done:
		if want := strconv.Itoa(testC2S | testS2C); got != want {
			t.Errorf("login body = %q, want %q (unwrapped from JSON)", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive login message in time")
	}
}

func TestRecvQueueBusyIsNonFatal(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	srvM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(srv, time.Second)), false)
	cliM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(cli, time.Second)), false)

	go srvM.SendMessage(protocol.SrvQueue, []byte("9977"))

	c := &Client{}
	err := c.recvQueue(context.Background(), cliM, log.NewEntry(log.Log.(*log.Logger)))
	if err != errServerBusy {
		t.Fatalf("recvQueue() = %v, want errServerBusy", err)
	}
}

func TestRecvQueueSkipsKeepaliveAndWaitHints(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	srvM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(srv, time.Second)), false)
	cliM := protocol.NewMessager(protocol.NewNetTransport(netx.NewConn(cli, time.Second)), false)

	go func() {
		srvM.SendMessage(protocol.SrvQueue, []byte("9990"))
		srvM.SendMessage(protocol.SrvQueue, []byte("17"))
		srvM.SendMessage(protocol.SrvQueue, []byte("0"))
	}()

	c := &Client{}
	if err := c.recvQueue(context.Background(), cliM, log.NewEntry(log.Log.(*log.Logger))); err != nil {
		t.Fatalf("recvQueue() = %v, want nil", err)
	}
}

func TestRecvKickoffMismatchFails(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	go func() {
		netx.NewConn(srv, time.Second).SendN([]byte("wrong-13-byte"))
	}()

	c := &Client{}
	if err := c.recvKickoff(netx.NewConn(cli, time.Second)); err == nil {
		t.Fatal("expected an error for a mismatched kickoff")
	}
}
