// Package metrics exposes download counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grabbot"

type Collector struct {
	registry *prometheus.Registry

	downloads    *prometheus.CounterVec
	bytes        prometheus.Counter
	duration     *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	active       prometheus.Gauge
	slotsInUse   prometheus.GaugeFunc
}

// New registers the collectors on a fresh registry. slotsInUse, if not
// nil, is sampled on every scrape.
func New(slotsInUse func() float64) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Download requests by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_bytes_total",
			Help:      "Bytes of media handed out, cached or fresh.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time from request to delivery or failure.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_downloads",
			Help:      "Downloads currently registered.",
		}),
	}
	reg.MustRegister(
		c.downloads, c.bytes, c.duration, c.cacheLookups, c.active,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if slotsInUse != nil {
		c.slotsInUse = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_slots_in_use",
			Help:      "Concurrency permits currently held.",
		}, slotsInUse)
		reg.MustRegister(c.slotsInUse)
	}
	return c
}

func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) DownloadFinished(outcome string, sizeBytes int64, elapsed time.Duration) {
	c.downloads.WithLabelValues(outcome).Inc()
	c.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if sizeBytes > 0 {
		c.bytes.Add(float64(sizeBytes))
	}
}

func (c *Collector) ActiveDownloads(n int) {
	c.active.Set(float64(n))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
