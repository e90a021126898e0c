// Package metrics holds the node's Prometheus collectors on a private
// registry, so several nodes can live in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shadowledger"

type Metrics struct {
	Registry *prometheus.Registry

	ChainHeight      prometheus.Gauge
	BlocksAccepted   *prometheus.CounterVec // source: local, peer
	ChainReplaced    prometheus.Counter
	BlocksOrphaned   prometheus.Counter
	MempoolSize      prometheus.Gauge
	TxAdmissions     *prometheus.CounterVec // result: admitted, duplicate, rejected
	Peers            prometheus.Gauge
	GossipSuppressed prometheus.Counter

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chain", Name: "height",
			Help: "Number of blocks in the local chain.",
		}),
		BlocksAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_accepted_total",
			Help: "Blocks appended to the local chain.",
		}, []string{"source"}),
		ChainReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "replacements_total",
			Help: "Successful fork resolutions.",
		}),
		BlocksOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chain", Name: "blocks_orphaned_total",
			Help: "Local blocks dropped by chain replacement.",
		}),
		MempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "size",
			Help: "Pending transactions.",
		}),
		TxAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "admissions_total",
			Help: "Admission decisions by result.",
		}, []string{"result"}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "p2p", Name: "peers",
			Help: "Known peers.",
		}),
		GossipSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "p2p", Name: "gossip_suppressed_total",
			Help: "Re-broadcasts skipped because the item was seen recently.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ChainHeight, m.BlocksAccepted, m.ChainReplaced, m.BlocksOrphaned,
		m.MempoolSize, m.TxAdmissions, m.Peers, m.GossipSuppressed,
		m.requests, m.duration,
	)
	return m
}

// MinerSource exposes miner counters read on every scrape.
type MinerSource struct {
	Hashrate func() float64
	Mined    func() float64
	Hashes   func() float64
	Aborted  func() float64
}

// TrackMiner registers collectors that read src at scrape time.
func (m *Metrics) TrackMiner(src MinerSource) {
	m.Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "miner", Name: "hashrate",
			Help: "Hashes per second of the last search.",
		}, src.Hashrate),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "blocks_mined_total",
			Help: "Blocks found and appended by the local miner.",
		}, src.Mined),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "hashes_total",
			Help: "Hash attempts.",
		}, src.Hashes),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "miner", Name: "aborted_total",
			Help: "Searches abandoned because the tip moved or a stop was requested.",
		}, src.Aborted),
	)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records per-route request counts and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
