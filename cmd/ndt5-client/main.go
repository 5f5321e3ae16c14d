// Command ndt5-client runs a single NDT v3.7 measurement against a
// server and prints the resulting throughput summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/apex/log"

	"github.com/stephen-soltesz/ndt5-client-cc/logging"
	"github.com/stephen-soltesz/ndt5-client-cc/metadata"
	"github.com/stephen-soltesz/ndt5-client-cc/metrics"
	"github.com/stephen-soltesz/ndt5-client-cc/mlabns"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/c2s"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/results"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/s2c"
)

var (
	hostname           = flag.String("hostname", "", "NDT server to connect to; discovered via mlab-ns when empty")
	mlabnsTool         = flag.String("mlabns-tool", "ndt_ssl", "mlab-ns tool name to use for discovery")
	controlPort        = flag.Int("port", 0, "Control port to connect to; 0 picks the protocol default")
	useTLS             = flag.Bool("tls", true, "Wrap the connection in TLS")
	useWebSocket       = flag.Bool("websocket", false, "Carry the control/test channel inside a WebSocket upgrade")
	skipTLSVerify      = flag.Bool("skip-tls-verify", false, "Skip TLS peer verification")
	caBundle           = flag.String("ca-bundle", "", "PEM file to verify the server certificate against")
	socksProxy         = flag.String("socks5", "", "host:port of a SOCKS5h proxy to route the connection through")
	timeout            = flag.Duration("timeout", 7*time.Second, "Per I/O-operation timeout")
	maxRuntime         = flag.Duration("max-runtime", 14*time.Second, "Maximum duration of a single c2s/s2c subtest")
	numStreams         = flag.Int("streams", 1, "Fallback number of measurement flows (nflows) when the server announces none")
	useJSON            = flag.Bool("json", false, "Wrap control messages in the JSON-framed web100-clt encoding")
	upload             = flag.Bool("upload", true, "Run the upload (C2S) subtest")
	download           = flag.Bool("download", true, "Run the download (S2C) subtest")
	meta               = flag.Bool("meta", true, "Run the metadata subtest")
	verbose            = flag.Bool("verbose", false, "Enable debug logging")
	interactiveLogging = flag.Bool("interactive", true, "Use colorized terminal logging instead of JSON")
)

func main() {
	flag.Parse()
	logging.Configure(*interactiveLogging, *verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	if runtime.GOOS != "windows" {
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigs
			log.Warn("received interrupt, cancelling the run")
			cancel()
		}()
	}

	settings := ndt5.Settings{
		Hostname:           *hostname,
		ControlPort:        *controlPort,
		UseTLS:             *useTLS,
		UseWebSocket:       *useWebSocket,
		UseJSON:            *useJSON,
		SocksProxyAddr:     *socksProxy,
		CABundlePath:       *caBundle,
		InsecureSkipVerify: *skipTLSVerify,
		Timeout:            *timeout,
		MaxRuntime:         *maxRuntime,
		NumStreams:         *numStreams,
		RunC2S:             *upload,
		RunS2C:             *download,
		RunMeta:            *meta,
		Metadata: []metadata.NameValue{
			{Name: "client.os.name", Value: runtime.GOOS},
			{Name: "client.arch", Value: runtime.GOARCH},
		},
		UploadObserver: func(s c2s.Sample) {
			log.WithField("tid", s.TID).WithField("nflows", s.NFlows).
				WithField("elapsed", s.Elapsed).WithField("bytes", s.MeasuredBytes).
				Debug("upload sample")
		},
		DownloadObserver: func(s s2c.Sample) {
			log.WithField("tid", s.TID).WithField("nflows", s.NFlows).
				WithField("elapsed", s.Elapsed).WithField("bytes", s.MeasuredBytes).
				Debug("download sample")
		},
	}

	if settings.Hostname == "" {
		discovered, err := mlabns.NewClient(*mlabnsTool).QueryAll(ctx)
		if err != nil {
			metrics.DiscoveryCandidates.WithLabelValues("error").Inc()
			log.WithError(err).Warn("mlab-ns discovery failed")
			os.Exit(1)
		}
		metrics.DiscoveryCandidates.WithLabelValues("ok").Inc()
		settings.Candidates = discovered
		log.WithField("candidates", discovered).Info("discovered servers via mlab-ns")
	}

	client := ndt5.NewClient(settings)
	set, runErr := client.Run(ctx)
	if set != nil {
		printSummary(set)
	}
	if runErr != nil {
		log.WithError(runErr).Warn("NDT run failed")
		os.Exit(1)
	}
}

func printSummary(set *results.Set) {
	for _, e := range set.All() {
		fmt.Printf("%s.%s: %s\n", e.Scope, e.Name, e.Value)
	}
}
