// Package metrics exposes receiver counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/romshark/latency-bench-go/frame"
	"github.com/romshark/latency-bench-go/latency"
)

// Collector implements latency.Observer.
// All methods are safe for concurrent use with the HTTP handler.
type Collector struct {
	Records       prometheus.Counter
	Undecodable   prometheus.Counter
	InvalidLat    prometheus.Counter
	Bytes         prometheus.Counter
	ParseFailures *prometheus.CounterVec
	Released      prometheus.Counter
	Latency       prometheus.Histogram
}

// New registers the collectors of one receiver with reg.
// path labels every series, e.g. "socket" or "afxdp".
func New(reg prometheus.Registerer, path string) *Collector {
	f := promauto.With(reg)
	labels := prometheus.Labels{"path": path}
	return &Collector{
		Records: f.NewCounter(prometheus.CounterOpts{
			Name:        "latbench_records_total",
			Help:        "Total latency records written.",
			ConstLabels: labels,
		}),
		Undecodable: f.NewCounter(prometheus.CounterOpts{
			Name:        "latbench_undecodable_total",
			Help:        "Records whose wire record prefix could not be decoded.",
			ConstLabels: labels,
		}),
		InvalidLat: f.NewCounter(prometheus.CounterOpts{
			Name:        "latbench_invalid_latency_total",
			Help:        "Records without a computable latency.",
			ConstLabels: labels,
		}),
		Bytes: f.NewCounter(prometheus.CounterOpts{
			Name:        "latbench_received_bytes_total",
			Help:        "Wire bytes of all recorded arrivals.",
			ConstLabels: labels,
		}),
		ParseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "latbench_parse_failures_total",
			Help:        "Frames that failed Ethernet/IPv4/UDP validation.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Released: f.NewCounter(prometheus.CounterOpts{
			Name:        "latbench_frames_released_total",
			Help:        "Frames returned to the driver pool.",
			ConstLabels: labels,
		}),
		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "latbench_latency_seconds",
			Help:        "One-way latency of decoded records.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.000001, 2, 24), // 1µs to ~8s
		}),
	}
}

func (c *Collector) Observe(r latency.Record) {
	c.Records.Inc()
	c.Bytes.Add(float64(r.WireLen))
	if !r.Decoded() {
		c.Undecodable.Inc()
	}
	if r.LatencyUs == latency.Invalid {
		c.InvalidLat.Inc()
		return
	}
	c.Latency.Observe(r.LatencyUs / 1e6)
}

// ParseFailed counts a frame rejected by frame.ParseUDP.
func (c *Collector) ParseFailed(err error) {
	c.ParseFailures.WithLabelValues(frame.Reason(err)).Inc()
}

// FrameReleased counts a frame returned to the driver.
func (c *Collector) FrameReleased() { c.Released.Inc() }

// Serve exposes the default gatherer at addr under /metrics in the background.
func Serve(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("serving metrics")
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	return s
}
