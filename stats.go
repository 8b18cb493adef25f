package main

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats exports tracker counters and gauges for an external collector.
// Updates happen via atomic increments at the point of state change, never by
// a separate pass over swarm state; no request handler blocks on reads.
type Stats struct {
	registry *prometheus.Registry

	announces      prometheus.Counter
	scrapes        prometheus.Counter
	failures       *prometheus.CounterVec
	announceLat    prometheus.Histogram
	scrapeLat      prometheus.Histogram
	peers          prometheus.Gauge
	seeders        prometheus.Gauge
	leechers       prometheus.Gauge
	activeTorrents prometheus.Gauge
	batchWrites    prometheus.Counter
	batchRecords   prometheus.Counter
	batchLat       prometheus.Histogram
	flushDegraded  prometheus.Gauge

	degraded atomic.Bool
}

func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	latBuckets := []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0}

	s := &Stats{
		registry: reg,
		announces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "margay_announce_requests_total",
			Help: "Total number of announce requests",
		}),
		scrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "margay_scrape_requests_total",
			Help: "Total number of scrape requests",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "margay_failed_requests_total",
			Help: "Total number of failed requests",
		}, []string{"type", "reason"}),
		announceLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "margay_announce_duration_seconds",
			Help:    "Announce request duration",
			Buckets: latBuckets,
		}),
		scrapeLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "margay_scrape_duration_seconds",
			Help:    "Scrape request duration",
			Buckets: latBuckets,
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margay_peers_total",
			Help: "Current number of peers across all torrents",
		}),
		seeders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margay_seeders_total",
			Help: "Current number of seeders",
		}),
		leechers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margay_leechers_total",
			Help: "Current number of leechers",
		}),
		activeTorrents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margay_torrents_active",
			Help: "Number of torrents with live peers",
		}),
		batchWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "margay_batch_writes_total",
			Help: "Number of batched storage writes",
		}),
		batchRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "margay_batch_records_total",
			Help: "Number of rows written in batches",
		}),
		batchLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "margay_batch_write_duration_seconds",
			Help:    "Batch write duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		flushDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "margay_flush_degraded",
			Help: "1 when the flush pipeline has exceeded its failure budget",
		}),
	}

	reg.MustRegister(
		s.announces, s.scrapes, s.failures,
		s.announceLat, s.scrapeLat,
		s.peers, s.seeders, s.leechers, s.activeTorrents,
		s.batchWrites, s.batchRecords, s.batchLat,
		s.flushDegraded,
	)
	return s
}

func (s *Stats) RecordAnnounce(d time.Duration) {
	s.announces.Inc()
	s.announceLat.Observe(d.Seconds())
}

func (s *Stats) RecordScrape(d time.Duration) {
	s.scrapes.Inc()
	s.scrapeLat.Observe(d.Seconds())
}

func (s *Stats) RecordFailure(reqType, reason string) {
	s.failures.WithLabelValues(reqType, reason).Inc()
}

func (s *Stats) PeerAdded(seeder bool) {
	s.peers.Inc()
	if seeder {
		s.seeders.Inc()
	} else {
		s.leechers.Inc()
	}
}

func (s *Stats) PeerRemoved(seeder bool) {
	s.peers.Dec()
	if seeder {
		s.seeders.Dec()
	} else {
		s.leechers.Dec()
	}
}

// PeerFlipped records a leecher becoming a seeder or the reverse.
func (s *Stats) PeerFlipped(nowSeeder bool) {
	if nowSeeder {
		s.seeders.Inc()
		s.leechers.Dec()
	} else {
		s.seeders.Dec()
		s.leechers.Inc()
	}
}

func (s *Stats) TorrentAdded()   { s.activeTorrents.Inc() }
func (s *Stats) TorrentRemoved() { s.activeTorrents.Dec() }

func (s *Stats) RecordBatchWrite(rows int, d time.Duration) {
	s.batchWrites.Inc()
	s.batchRecords.Add(float64(rows))
	s.batchLat.Observe(d.Seconds())
}

// SetDegraded flips the degraded-flush health signal. Announce handling is
// unaffected; this only surfaces through /healthz and the gauge.
func (s *Stats) SetDegraded(degraded bool) {
	s.degraded.Store(degraded)
	if degraded {
		s.flushDegraded.Set(1)
	} else {
		s.flushDegraded.Set(0)
	}
}

func (s *Stats) Degraded() bool {
	return s.degraded.Load()
}

// Handler serves the pull-based metrics snapshot.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
