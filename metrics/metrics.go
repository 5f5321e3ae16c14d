// Package metrics exposes this client's own run as Prometheus metrics,
// adapted from the server's general-purpose instrumentation package of
// the same name for a single-shot client process instead of a
// long-running server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics describing this client's own NDT runs.
var (
	ActiveTests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ndt5_client_active_tests",
			Help: "A gauge of subtests this client currently has in flight.",
		},
		[]string{"direction"})
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ndt5_client_test_rate_mbps",
			Help: "A histogram of measured throughput for completed subtests.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"direction"},
	)
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_test_total",
			Help: "Number of NDT subtests run by this client.",
		},
		[]string{"direction", "result"},
	)
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_errors_total",
			Help: "Number of client-side errors of each type for each subtest.",
		},
		[]string{"direction", "error"},
	)
	DiscoveryCandidates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndt5_client_discovery_candidates_total",
			Help: "Number of mlab-ns discovery queries and their outcome.",
		},
		[]string{"result"},
	)
	ConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "ndt5_client_connect_duration_seconds",
			Help: "How long the connect (TCP/SOCKS5h dial plus TLS and WebSocket handshakes) took.",
			Buckets: []float64{
				.1, .25, .5, 1, 2, 4, 8, 16, 32,
			},
		},
	)
)
