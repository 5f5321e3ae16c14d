// Package s2c implements the NDT download (server-to-client) subtest from
// the client's perspective: dial the test connection(s) the server
// announces in TestPrepare, read from them until max_runtime_s elapses or
// TestStart/TestFinalize framing completes, and report periodic and
// summary throughput. It is the client-side mirror of the server's own
// ManageTest in this subpackage.
package s2c

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/memoryless"

	"github.com/stephen-soltesz/ndt5-client-cc/metrics"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/protocol"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/results"
	"github.com/stephen-soltesz/ndt5-client-cc/netx"
)

const (
	minSamplingInterval      = 200 * time.Millisecond
	expectedSamplingInterval = 250 * time.Millisecond
	maxSamplingInterval      = 300 * time.Millisecond
)

// drainBufferSize is the throwaway read buffer used to drain the
// measurement stream; large enough that a single Recv call can keep up
// with a fast flow without the read loop becoming the bottleneck.
const drainBufferSize = 128 * 1024

// Sample is one periodic throughput observation, emitted once per
// sampling tick across however many flows this subtest opened.
type Sample struct {
	// TID identifies which subtest direction this sample belongs to.
	TID string
	// NFlows is the number of parallel measurement connections this
	// subtest opened, as announced by TestPrepare.
	NFlows int
	// MeasuredBytes is the number of bytes received since the previous
	// sample (or since the test started, for the first sample), summed
	// across every flow.
	MeasuredBytes int64
	// MeasurementInterval is the wall-clock duration MeasuredBytes was
	// accumulated over.
	MeasurementInterval time.Duration
	// Elapsed is the time since the subtest started reading.
	Elapsed time.Duration
	// MaxRuntime is the configured ceiling this subtest will run for.
	MaxRuntime time.Duration
}

// Observer receives periodic samples and the final summary sample. It
// must not block for long: it is invoked from the subtest's own
// goroutine, serialized one call at a time.
type Observer func(Sample)

// Dialer opens one test connection to the server's ephemeral test port,
// returning either a plain socket or a WebSocket-framed flow.
type Dialer func(ctx context.Context, port int) (netx.BulkConn, error)

// parsePortAndFlows parses a TestPrepare body of the form "<port>" or
// "<port> <nflows>", defaulting nflows to 1 when absent.
func parsePortAndFlows(body string) (port, nflows int, err error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty TestPrepare body")
	}
	port, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing port %q: %w", fields[0], err)
	}
	nflows = 1
	if len(fields) > 1 {
		nflows, err = strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("parsing nflows %q: %w", fields[1], err)
		}
	}
	return port, nflows, nil
}

// Run executes the download subtest and returns the accumulated results.
// maxRuntime bounds how long each flow reads for, measured against the
// client's own clock rather than waiting for the server to close the
// stream; requestedFlows is the client's own preference for nflows,
// overridden by whatever the server actually announces in TestPrepare.
func Run(ctx context.Context, m protocol.Messager, dial Dialer, maxRuntime time.Duration, requestedFlows int, observer Observer) (*results.Set, error) {
	localCtx, cancel := context.WithTimeout(ctx, maxRuntime+5*time.Second)
	defer cancel()

	metrics.ActiveTests.WithLabelValues("download").Inc()
	defer metrics.ActiveTests.WithLabelValues("download").Dec()

	body, _, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("download", "TestPrepare").Inc()
		return nil, fmt.Errorf("s2c: waiting for TestPrepare: %w", err)
	}
	port, nflows, err := parsePortAndFlows(string(body))
	if err != nil {
		return nil, fmt.Errorf("s2c: parsing TestPrepare body %q: %w", body, err)
	}
	if nflows <= 0 {
		nflows = requestedFlows
	}

	flows := make([]netx.BulkConn, 0, nflows)
	for i := 0; i < nflows; i++ {
		conn, err := dial(localCtx, port)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("download", "dial").Inc()
			for _, f := range flows {
				f.Close()
			}
			return nil, fmt.Errorf("s2c: dialing test connection %d/%d: %w", i+1, nflows, err)
		}
		if err := conn.EnableBBR(); err != nil {
			log.WithError(err).Debug("s2c: could not enable BBR, continuing with default congestion control")
		}
		flows = append(flows, conn)
	}
	defer func() {
		for _, f := range flows {
			f.Close()
		}
	}()

	if _, _, err := m.ReceiveMessage(protocol.TestStart); err != nil {
		metrics.ErrorCount.WithLabelValues("download", "TestStart").Inc()
		return nil, fmt.Errorf("s2c: waiting for TestStart: %w", err)
	}

	set := results.NewSet()
	var total int64
	start := time.Now()
	deadline := start.Add(maxRuntime)

	var wg sync.WaitGroup
	recvErrs := make(chan error, nflows)
	for _, f := range flows {
		wg.Add(1)
		go func(conn netx.BulkConn) {
			defer wg.Done()
			buf := make([]byte, drainBufferSize)
			for time.Now().Before(deadline) {
				n, err := conn.Recv(buf)
				atomic.AddInt64(&total, int64(n))
				if err != nil {
					recvErrs <- err
					return
				}
			}
			recvErrs <- nil
		}(f)
	}
	go func() {
		wg.Wait()
		close(recvErrs)
	}()

	ticker, err := memoryless.NewTicker(localCtx, memoryless.Config{
		Min:      minSamplingInterval,
		Expected: expectedSamplingInterval,
		Max:      maxSamplingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("s2c: creating sampling ticker: %w", err)
	}
	defer ticker.Stop()

	lastSample := start
	var lastTotal int64
	var finalErr error
	flowsDone := 0
loop:
	for {
		select {
		case now := <-ticker.C:
			cur := atomic.LoadInt64(&total)
			if observer != nil {
				observer(Sample{
					TID:                 "download",
					NFlows:              nflows,
					MeasuredBytes:       cur - lastTotal,
					MeasurementInterval: now.Sub(lastSample),
					Elapsed:             now.Sub(start),
					MaxRuntime:          maxRuntime,
				})
			}
			lastSample, lastTotal = now, cur
		case err, ok := <-recvErrs:
			if !ok {
				break loop
			}
			flowsDone++
			if err != nil {
				finalErr = err
			}
			if flowsDone == nflows {
				break loop
			}
		case <-localCtx.Done():
			finalErr = localCtx.Err()
			break loop
		}
	}
	elapsed := time.Since(start)
	bytes := atomic.LoadInt64(&total)
	if observer != nil {
		observer(Sample{
			TID:                 "download",
			NFlows:              nflows,
			MeasuredBytes:       bytes - lastTotal,
			MeasurementInterval: elapsed - lastSample.Sub(start),
			Elapsed:             elapsed,
			MaxRuntime:          maxRuntime,
		})
	}

	if bytes == 0 && finalErr != nil {
		metrics.ErrorCount.WithLabelValues("download", "drain").Inc()
		return nil, fmt.Errorf("s2c: reading test stream: %w", finalErr)
	}

	seconds := elapsed.Seconds()
	kbps := 8 * float64(bytes) / 1000 / seconds
	set.Add(results.ScopeSummary, "download.Mbps", fmt.Sprintf("%.4f", kbps/1000))
	set.Add(results.ScopeSummary, "download.Bytes", strconv.FormatInt(bytes, 10))
	set.Add(results.ScopeSummary, "download.NFlows", strconv.Itoa(nflows))

	if info, err := flows[0].TCPInfo(); err == nil {
		set.Add(results.ScopeTCPInfo, "RTT", strconv.FormatUint(uint64(info.RTT), 10))
	}

	if err := m.SendMessage(protocol.TestMsg, []byte(strconv.FormatInt(int64(kbps), 10))); err != nil {
		metrics.ErrorCount.WithLabelValues("download", "TestMsgSend").Inc()
		return nil, fmt.Errorf("s2c: sending measured rate: %w", err)
	}

	// The server follows with its own web100/tcp_info TestMsg frames and
	// a final summary line before TestFinalize; drain them until we see
	// TestFinalize.
	for {
		payload, typ, err := m.ReceiveMessage(protocol.TestMsg, protocol.TestFinalize)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("download", "ReceiveResults").Inc()
			return nil, fmt.Errorf("s2c: reading server results: %w", err)
		}
		if typ == protocol.TestFinalize {
			break
		}
		set.Add(results.ScopeWeb100, "server", string(payload))
	}

	metrics.TestRate.WithLabelValues("download").Observe(kbps / 1000)
	metrics.TestCount.WithLabelValues("download", "ok").Inc()
	return set, nil
}
