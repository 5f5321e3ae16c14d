// Package c2s implements the NDT upload (client-to-server) subtest from
// the client's perspective: dial the test connection(s) the server
// announces in TestPrepare, write to them until max_runtime_s elapses or
// TestStart/TestFinalize framing completes, and report periodic and
// summary throughput. It is the client-side mirror of the server's own
// ManageTest in this subpackage.
package c2s

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

// Sample is one periodic throughput observation, emitted once per
// sampling tick across however many flows this subtest opened.
type Sample struct {
	// TID identifies which subtest direction this sample belongs to
	// ("upload"); it is not per-flow: all flows share a single aggregate.
	TID string
	// NFlows is the number of parallel measurement connections this
	// subtest opened, as announced by TestPrepare.
	NFlows int
	// MeasuredBytes is the number of bytes sent since the previous
	// sample (or since the test started, for the first sample), summed
	// across every flow.
	MeasuredBytes int64
	// MeasurementInterval is the wall-clock duration MeasuredBytes was
	// accumulated over.
	MeasurementInterval time.Duration
	// Elapsed is the time since the subtest started sending.
	Elapsed time.Duration
	// MaxRuntime is the configured ceiling this subtest will run for.
	MaxRuntime time.Duration
}

// Observer receives periodic samples and the final summary sample.
type Observer func(Sample)

// Dialer opens one test connection to the server's ephemeral test port,
// returning either a plain socket or a WebSocket-framed flow.
type Dialer func(ctx context.Context, port int) (netx.BulkConn, error)

// fillPattern is the same printable byte pattern libndt and the server
// generate, chosen so packet captures are easy to eyeball.
func fillPattern(buf []byte) {
	for i := range buf {
		buf[i] = byte(((i * 101) % (122 - 33)) + 33)
	}
}

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

// Run executes the upload subtest and returns the accumulated results.
// maxRuntime bounds how long each flow sends for; requestedFlows is the
// client's own preference for nflows, overridden by whatever the server
// actually announces in TestPrepare.
func Run(ctx context.Context, m protocol.Messager, dial Dialer, maxRuntime time.Duration, requestedFlows int, observer Observer) (*results.Set, error) {
	localCtx, cancel := context.WithTimeout(ctx, maxRuntime+10*time.Second)
	defer cancel()

	metrics.ActiveTests.WithLabelValues("upload").Inc()
	defer metrics.ActiveTests.WithLabelValues("upload").Dec()

	body, _, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("upload", "TestPrepare").Inc()
		return nil, fmt.Errorf("c2s: waiting for TestPrepare: %w", err)
	}
	port, nflows, err := parsePortAndFlows(string(body))
	if err != nil {
		return nil, fmt.Errorf("c2s: parsing TestPrepare body %q: %w", body, err)
	}
	if nflows <= 0 {
		nflows = requestedFlows
	}

	flows := make([]netx.BulkConn, 0, nflows)
	for i := 0; i < nflows; i++ {
		conn, err := dial(localCtx, port)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("upload", "dial").Inc()
			for _, f := range flows {
				f.Close()
			}
			return nil, fmt.Errorf("c2s: dialing test connection %d/%d: %w", i+1, nflows, err)
		}
		if err := conn.EnableBBR(); err != nil {
			log.WithError(err).Debug("c2s: could not enable BBR, continuing with default congestion control")
		}
		flows = append(flows, conn)
	}
	defer func() {
		for _, f := range flows {
			f.Close()
		}
	}()

	if _, _, err := m.ReceiveMessage(protocol.TestStart); err != nil {
		metrics.ErrorCount.WithLabelValues("upload", "TestStart").Inc()
		return nil, fmt.Errorf("c2s: waiting for TestStart: %w", err)
	}

	set := results.NewSet()
	payload := make([]byte, 8192)
	fillPattern(payload)

	var total int64
	start := time.Now()
	deadline := start.Add(maxRuntime)

	var wg sync.WaitGroup
	sendErrs := make(chan error, nflows)
	for _, f := range flows {
		wg.Add(1)
		go func(conn netx.BulkConn) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				n, err := conn.Send(payload)
				atomic.AddInt64(&total, int64(n))
				if err != nil {
					sendErrs <- err
					return
				}
			}
			sendErrs <- nil
		}(f)
	}
	go func() {
		wg.Wait()
		close(sendErrs)
	}()

	ticker, err := memoryless.NewTicker(localCtx, memoryless.Config{
		Min:      minSamplingInterval,
		Expected: expectedSamplingInterval,
		Max:      maxSamplingInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("c2s: creating sampling ticker: %w", err)
	}
	defer ticker.Stop()

	var lastSample time.Time = start
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
					TID:                 "upload",
					NFlows:              nflows,
					MeasuredBytes:       cur - lastTotal,
					MeasurementInterval: now.Sub(lastSample),
					Elapsed:             now.Sub(start),
					MaxRuntime:          maxRuntime,
				})
			}
			lastSample, lastTotal = now, cur
		case err, ok := <-sendErrs:
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
			TID:                 "upload",
			NFlows:              nflows,
			MeasuredBytes:       bytes - lastTotal,
			MeasurementInterval: elapsed - lastSample.Sub(start),
			Elapsed:             elapsed,
			MaxRuntime:          maxRuntime,
		})
	}
	if finalErr != nil && bytes == 0 {
		metrics.ErrorCount.WithLabelValues("upload", "send").Inc()
		return nil, fmt.Errorf("c2s: writing test stream: %w", finalErr)
	}

	clientKbps := 8 * float64(bytes) / 1000 / elapsed.Seconds()
	set.Add(results.ScopeSummary, "upload.Mbps", fmt.Sprintf("%.4f", clientKbps/1000))
	set.Add(results.ScopeSummary, "upload.Bytes", strconv.FormatInt(bytes, 10))
	set.Add(results.ScopeSummary, "upload.NFlows", strconv.Itoa(nflows))

	if info, err := flows[0].TCPInfo(); err == nil {
		set.Add(results.ScopeTCPInfo, "RTT", strconv.FormatUint(uint64(info.RTT), 10))
	}

	// The server reports what it measured in a TestMsg before TestFinalize.
	serverMsg, typ, err := m.ReceiveMessage(protocol.TestMsg, protocol.TestFinalize)
	if err != nil {
		metrics.ErrorCount.WithLabelValues("upload", "ReceiveResults").Inc()
		return nil, fmt.Errorf("c2s: reading server results: %w", err)
	}
	if typ == protocol.TestMsg {
		set.Add(results.ScopeSummary, "upload.ServerReportedKbps", string(serverMsg))
		if _, _, err := m.ReceiveMessage(protocol.TestFinalize); err != nil {
			metrics.ErrorCount.WithLabelValues("upload", "TestFinalize").Inc()
			return nil, fmt.Errorf("c2s: waiting for TestFinalize: %w", err)
		}
	}

	metrics.TestRate.WithLabelValues("upload").Observe(clientKbps / 1000)
	metrics.TestCount.WithLabelValues("upload", "ok").Inc()
	return set, nil
}
