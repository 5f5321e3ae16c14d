// Package ndt5 implements the NDT v3.7 control-session state machine from
// the client's side: kickoff, login, queueing, per-subtest
// prepare/start/msg/finalize exchanges, results, and logout. It composes
// the netx/socks5/tlsx/ws transport layers with ndt5/protocol's message
// framer and the c2s/s2c/meta subtest engines. It is the client-side
// mirror of the server's own ndt5.go control-channel handler
// (HandleControlChannel/handleControlChannel), inverted from the
// server's receiving role to the client's driving role.
package ndt5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/stephen-soltesz/ndt5-client-cc/metadata"
	"github.com/stephen-soltesz/ndt5-client-cc/metrics"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/c2s"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/meta"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/protocol"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/results"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/s2c"
	"github.com/stephen-soltesz/ndt5-client-cc/netx"
	"github.com/stephen-soltesz/ndt5-client-cc/socks5"
	"github.com/stephen-soltesz/ndt5-client-cc/tlsx"
	"github.com/stephen-soltesz/ndt5-client-cc/ws"
)

// Test suite bitmask values, matching the wire values the server expects
// in MsgLogin/MsgExtendedLogin's "tests" field.
const (
	testMID    = 1
	testC2S    = 2
	testS2C    = 4
	testSFW    = 8
	testStatus = 16
	testMETA   = 32
)

// kickoff is the fixed 13-byte string a plain (non-WebSocket) server
// sends before the login exchange begins.
const kickoff = "123456 654321"

// defaultTimeout and defaultMaxRuntime are the per-I/O and per-subtest
// defaults applied when Settings leaves the corresponding field zero.
const (
	defaultTimeout    = 7 * time.Second
	defaultMaxRuntime = 14 * time.Second
)

// errServerBusy signals that the candidate server reported it is at
// capacity (SrvQueue "9977"): non-fatal, the Discover loop should try the
// next mlab-ns candidate instead of aborting the whole run.
var errServerBusy = errors.New("ndt5: server busy")

// Settings configures a single NDT run.
type Settings struct {
	// Hostname is the NDT server to connect to. Ignored if Candidates is
	// non-empty.
	Hostname string
	// Candidates, if non-empty, is an ordered mlab-ns candidate list:
	// Run dials Candidates[0] first and advances to the next candidate
	// whenever one reports server_busy, matching the Discover state's
	// candidate loop. A single-element Candidates behaves the same as
	// setting Hostname alone.
	Candidates []string
	// ControlPort is the control-channel port. Defaults to 3001 for
	// plain/TLS and 443 for WebSocket-over-TLS if zero.
	ControlPort int
	// UseTLS wraps the transport in a TLS client handshake.
	UseTLS bool
	// UseWebSocket carries the control channel inside a WebSocket
	// upgrade on top of the (optionally TLS) transport.
	UseWebSocket bool
	// UseJSON forces JSON-wrapped message framing even when
	// UseWebSocket is false. UseWebSocket always implies JSON framing,
	// since the WS sub-protocol negotiated for the control channel only
	// exists in the JSON+WebSocket combination.
	UseJSON bool
	// SocksProxyAddr, if non-empty, routes the connection through a
	// SOCKS5h proxy at this address ("host:port").
	SocksProxyAddr string
	// CABundlePath, if non-empty, verifies the server's TLS certificate
	// against this PEM bundle instead of the system pool.
	CABundlePath string
	// InsecureSkipVerify disables TLS peer verification.
	InsecureSkipVerify bool
	// Timeout bounds every individual I/O operation. Defaults to 7s.
	Timeout time.Duration
	// MaxRuntime bounds each of the c2s/s2c subtests. Defaults to 14s.
	MaxRuntime time.Duration
	// NumStreams is the number of parallel measurement flows (nflows) the
	// c2s/s2c subtests fall back to when the server's TestPrepare announces
	// a non-positive nflows. It is not sent to the server; a TestPrepare
	// with no nflows field gives 1 flow. Defaults to 1.
	NumStreams int
	// RunC2S, RunS2C, RunMeta select which subtests to request. At least
	// one of RunC2S/RunS2C should be true for a meaningful run.
	RunC2S, RunS2C, RunMeta bool
	// Metadata is sent during the meta subtest, if RunMeta is set.
	Metadata []metadata.NameValue
	// DownloadObserver and UploadObserver, if non-nil, receive periodic
	// throughput samples during the respective subtest.
	DownloadObserver s2c.Observer
	UploadObserver   c2s.Observer
}

func (s Settings) candidates() []string {
	if len(s.Candidates) > 0 {
		return s.Candidates
	}
	return []string{s.Hostname}
}

func (s Settings) jsonMode() bool {
	return s.UseJSON || s.UseWebSocket
}

func (s Settings) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultTimeout
}

func (s Settings) maxRuntime() time.Duration {
	if s.MaxRuntime > 0 {
		return s.MaxRuntime
	}
	return defaultMaxRuntime
}

func (s Settings) numStreams() int {
	if s.NumStreams > 0 {
		return s.NumStreams
	}
	return 1
}

func (s Settings) controlAddress(hostname string) string {
	port := s.ControlPort
	if port == 0 {
		if s.UseWebSocket && s.UseTLS {
			port = 443
		} else {
			port = 3001
		}
	}
	return net.JoinHostPort(hostname, strconv.Itoa(port))
}

// Session carries the per-run state accumulated while driving the
// control FSM, useful for log correlation and post-run inspection.
type Session struct {
	RunID    uuid.UUID
	Hostname string
	// ServerVersion is the version string the server reports in its
	// first MsgLogin reply.
	ServerVersion string
	// TestIDs is the space-separated test bitmask string the server
	// reports it will run, as received from the server.
	TestIDs string
	LastErr error
}

// Client drives one NDT run against Settings.Hostname.
type Client struct {
	Settings Settings
}

// NewClient builds a Client from settings.
func NewClient(settings Settings) *Client {
	return &Client{Settings: settings}
}

// Run executes the Discover state's candidate loop: it tries each
// candidate host in turn, running the full control-session state machine
// against it, and moves on to the next candidate whenever one reports
// server_busy. Any other error is fatal and aborts the whole run
// immediately. The run also fails if every candidate is busy.
func (c *Client) Run(ctx context.Context) (*results.Set, error) {
	candidates := c.Settings.candidates()
	var lastErr error
	for i, hostname := range candidates {
		set, err := c.runOnce(ctx, hostname)
		if err == nil {
			return set, nil
		}
		lastErr = err
		if !errors.Is(err, errServerBusy) {
			return set, err
		}
		log.WithField("hostname", hostname).
			WithField("candidate", i+1).
			WithField("of", len(candidates)).
			Warn("ndt5: server busy, trying next candidate")
	}
	return nil, fmt.Errorf("ndt5: all %d candidate(s) exhausted: %w", len(candidates), lastErr)
}

// runOnce drives the full control-session state machine against a single
// candidate host.
func (c *Client) runOnce(ctx context.Context, hostname string) (*results.Set, error) {
	session := &Session{RunID: uuid.New(), Hostname: hostname}
	logger := log.WithField("run_id", session.RunID.String()).WithField("hostname", session.Hostname)

	connectStart := time.Now()
	m, rawConn, err := c.connect(ctx, hostname, logger)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("control", "connect").Inc()
		return nil, fmt.Errorf("ndt5: connecting to %s: %w", hostname, err)
	}
	metrics.ConnectDuration.Observe(time.Since(connectStart).Seconds())
	defer rawConn.Close()

	set := results.NewSet()

	if !c.Settings.UseWebSocket {
		if err := c.recvKickoff(rawConn); err != nil {
			return nil, fmt.Errorf("ndt5: kickoff: %w", err)
		}
	}

	tests := c.requestedTests()
	if err := c.sendLogin(m, tests); err != nil {
		return nil, fmt.Errorf("ndt5: login: %w", err)
	}

	if err := c.recvQueue(ctx, m, logger); err != nil {
		return nil, err
	}

	if err := c.recvLoginVersion(m, session); err != nil {
		return nil, fmt.Errorf("ndt5: server version: %w", err)
	}
	if err := c.recvLoginTests(m, session); err != nil {
		return nil, fmt.Errorf("ndt5: server test list: %w", err)
	}

	if c.Settings.RunC2S {
		dial := c.testDialer(hostname, "c2s", logger)
		r, err := c2s.Run(ctx, m, dial, c.Settings.maxRuntime(), c.Settings.numStreams(), c.Settings.UploadObserver)
		if err != nil {
			session.LastErr = err
			logger.WithError(err).Warn("ndt5: upload subtest failed")
		} else {
			set.Merge(r)
		}
	}
	if c.Settings.RunS2C {
		dial := c.testDialer(hostname, "s2c", logger)
		r, err := s2c.Run(ctx, m, dial, c.Settings.maxRuntime(), c.Settings.numStreams(), c.Settings.DownloadObserver)
		if err != nil {
			session.LastErr = err
			logger.WithError(err).Warn("ndt5: download subtest failed")
		} else {
			set.Merge(r)
		}
	}
	if c.Settings.RunMeta {
		if err := meta.Run(ctx, m, c.Settings.Metadata); err != nil {
			session.LastErr = err
			logger.WithError(err).Warn("ndt5: meta subtest failed")
		}
	}

	if err := c.recvResults(m, set); err != nil {
		logger.WithError(err).Warn("ndt5: reading final results/logout failed")
	}

	if session.LastErr != nil {
		return set, session.LastErr
	}
	return set, nil
}

func (c *Client) requestedTests() int {
	tests := testStatus
	if c.Settings.RunC2S {
		tests |= testC2S
	}
	if c.Settings.RunS2C {
		tests |= testS2C
	}
	if c.Settings.RunMeta {
		tests |= testMETA
	}
	return tests
}

// connect dials the transport stack (TCP -> optional SOCKS5h -> optional
// TLS -> optional WebSocket) and returns a Messager framing NDT messages
// over it.
func (c *Client) connect(ctx context.Context, hostname string, logger *log.Entry) (protocol.Messager, *netx.Conn, error) {
	dialer := &netx.Dialer{Timeout: c.Settings.timeout()}
	address := c.Settings.controlAddress(hostname)

	var conn *netx.Conn
	var err error
	if c.Settings.SocksProxyAddr != "" {
		conn, err = dialer.Dial(ctx, "tcp", c.Settings.SocksProxyAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing SOCKS5 proxy: %w", err)
		}
		conn, err = socks5.Dial(conn, address)
		if err != nil {
			return nil, nil, fmt.Errorf("SOCKS5 CONNECT to %s: %w", address, err)
		}
	} else {
		conn, err = dialer.Dial(ctx, "tcp", address)
		if err != nil {
			return nil, nil, fmt.Errorf("dialing %s: %w", address, err)
		}
	}

	if c.Settings.UseTLS {
		conn, err = tlsx.Client(conn, tlsx.Settings{
			ServerName:         hostname,
			CABundlePath:       c.Settings.CABundlePath,
			InsecureSkipVerify: c.Settings.InsecureSkipVerify,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("TLS handshake: %w", err)
		}
	}

	if c.Settings.UseWebSocket {
		wsConn, err := ws.Handshake(conn, ws.HandshakeSettings{
			Host:     hostname,
			URL:      "/ndt_protocol",
			Protocol: "ndt",
		})
		if err != nil {
			return nil, nil, fmt.Errorf("WebSocket handshake: %w", err)
		}
		logger.Debug("ndt5: connected over WebSocket")
		return protocol.NewMessager(protocol.NewWSTransport(wsConn), c.Settings.jsonMode()), conn, nil
	}
	logger.Debug("ndt5: connected over plain TCP")
	return protocol.NewMessager(protocol.NewNetTransport(conn), c.Settings.jsonMode()), conn, nil
}

// testDialer returns a c2s.Dialer/s2c.Dialer that opens a measurement flow
// to a test port on the same host, through the same base transport
// (TCP/SOCKS5h/TLS), additionally negotiating the given WebSocket
// sub-protocol ("c2s"/"s2c") when the control channel itself is
// WebSocket-based, per §4.7/§4.8. The returned connection satisfies
// netx.BulkConn either way.
func (c *Client) testDialer(hostname, wsProtocol string, logger *log.Entry) func(ctx context.Context, port int) (netx.BulkConn, error) {
	return func(ctx context.Context, port int) (netx.BulkConn, error) {
		dialer := &netx.Dialer{Timeout: c.Settings.timeout()}
		address := net.JoinHostPort(hostname, strconv.Itoa(port))

		var conn *netx.Conn
		var err error
		if c.Settings.SocksProxyAddr != "" {
			conn, err = dialer.Dial(ctx, "tcp", c.Settings.SocksProxyAddr)
			if err != nil {
				return nil, err
			}
			conn, err = socks5.Dial(conn, address)
			if err != nil {
				return nil, err
			}
		} else {
			conn, err = dialer.Dial(ctx, "tcp", address)
			if err != nil {
				return nil, err
			}
		}
		if c.Settings.UseTLS {
			conn, err = tlsx.Client(conn, tlsx.Settings{
				ServerName:         hostname,
				CABundlePath:       c.Settings.CABundlePath,
				InsecureSkipVerify: c.Settings.InsecureSkipVerify,
			})
			if err != nil {
				return nil, err
			}
		}
		logger.WithField("port", port).Debug("ndt5: dialed test connection")

		if !c.Settings.UseWebSocket {
			return conn, nil
		}
		wsConn, err := ws.Handshake(conn, ws.HandshakeSettings{
			Host:     hostname,
			URL:      "/ndt_protocol",
			Protocol: wsProtocol,
		})
		if err != nil {
			return nil, fmt.Errorf("WebSocket handshake on test connection: %w", err)
		}
		return &ws.MessageConn{Conn: wsConn}, nil
	}
}

// recvKickoff reads the fixed 13-byte kickoff string a plain
// (non-WebSocket) server writes directly on the control connection before
// the login exchange starts, and fails the run if it does not match.
func (c *Client) recvKickoff(conn *netx.Conn) error {
	buf := make([]byte, len(kickoff))
	if err := conn.RecvN(buf); err != nil {
		return fmt.Errorf("ndt5: reading kickoff: %w", err)
	}
	if string(buf) != kickoff {
		return fmt.Errorf("ndt5: ws_proto: kickoff mismatch, got %q", buf)
	}
	return nil
}

func (c *Client) sendLogin(m protocol.Messager, tests int) error {
	return m.SendMessage(protocol.MsgExtendedLogin, []byte(strconv.Itoa(tests)))
}

// recvQueue drives the WaitInQueue state: it loops on SrvQueue messages,
// treating "0" as proceed, "9977" as server_busy (non-fatal: the caller's
// Discover loop advances to the next candidate), "9990" as a keepalive,
// and any other non-zero value as a wait hint to keep looping on.
func (c *Client) recvQueue(ctx context.Context, m protocol.Messager, logger *log.Entry) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		body, _, err := m.ReceiveMessage(protocol.SrvQueue)
		if err != nil {
			return err
		}
		switch string(body) {
		case "0":
			return nil
		case "9977":
			logger.Warn("ndt5: server busy (9977)")
			return errServerBusy
		case "9990":
			logger.Debug("ndt5: queue keepalive (9990)")
		default:
			logger.WithField("queue", string(body)).Debug("ndt5: waiting in server queue")
		}
	}
}

func (c *Client) recvLoginVersion(m protocol.Messager, session *Session) error {
	body, _, err := m.ReceiveMessage(protocol.MsgLogin)
	if err != nil {
		return err
	}
	session.ServerVersion = string(body)
	return nil
}

func (c *Client) recvLoginTests(m protocol.Messager, session *Session) error {
	body, _, err := m.ReceiveMessage(protocol.MsgLogin)
	if err != nil {
		return err
	}
	session.TestIDs = strings.TrimSpace(string(body))
	return nil
}

// recvResults reads zero-or-more msg_results frames until msg_logout,
// splitting each frame's body into newline-separated "key: value" lines
// and adding one result entry per line.
func (c *Client) recvResults(m protocol.Messager, set *results.Set) error {
	for {
		body, typ, err := m.ReceiveMessage(protocol.MsgResults, protocol.MsgLogout)
		if err != nil {
			return err
		}
		if typ == protocol.MsgLogout {
			return nil
		}
		set.AddLines(string(body))
	}
}
