// Package metrics exposes swarm and tracker counters as Prometheus gauges,
// scraped from an internal/torrent.Controller's Stats snapshot and served
// over HTTP when enabled.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource is the subset of internal/torrent.Controller's Stats method
// this package depends on, kept narrow so metrics never imports torrent.
type StatsSource interface {
	Stats() Snapshot
}

// Snapshot mirrors the fields of internal/torrent.Stats that are worth
// exporting. Callers adapt their own stats struct into this shape.
type Snapshot struct {
	Progress            float64
	TotalPeers          uint32
	UnchokedPeers       uint32
	InterestedPeers     uint32
	UploadingTo         uint32
	DownloadingFrom     uint32
	TotalDownloaded     uint64
	TotalUploaded       uint64
	DownloadRate        uint64
	UploadRate          uint64
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
}

// Collector polls a StatsSource on an interval and updates a fixed set of
// Prometheus gauges.
type Collector struct {
	log    *slog.Logger
	source StatsSource

	progress            prometheus.Gauge
	totalPeers          prometheus.Gauge
	unchokedPeers       prometheus.Gauge
	interestedPeers     prometheus.Gauge
	uploadingTo         prometheus.Gauge
	downloadingFrom     prometheus.Gauge
	totalDownloaded     prometheus.Gauge
	totalUploaded       prometheus.Gauge
	downloadRate        prometheus.Gauge
	uploadRate          prometheus.Gauge
	totalAnnounces      prometheus.Gauge
	successfulAnnounces prometheus.Gauge
	failedAnnounces     prometheus.Gauge
}

// NewCollector registers every gauge against a fresh registry and returns a
// Collector ready to Run.
func NewCollector(source StatsSource, log *slog.Logger) (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	ns := "rabbit"

	c := &Collector{
		log:    log.With("component", "metrics"),
		source: source,
		progress: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "progress_percent", Help: "Percentage of pieces verified.",
		}),
		totalPeers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "peers_total", Help: "Currently connected peers.",
		}),
		unchokedPeers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "peers_unchoked", Help: "Peers we are not choking.",
		}),
		interestedPeers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "peers_interested", Help: "Peers interested in us.",
		}),
		uploadingTo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "peers_uploading_to", Help: "Peers we're actively uploading to.",
		}),
		downloadingFrom: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "peers_downloading_from", Help: "Peers we're actively downloading from.",
		}),
		totalDownloaded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "bytes_downloaded_total", Help: "Total bytes downloaded.",
		}),
		totalUploaded: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "bytes_uploaded_total", Help: "Total bytes uploaded.",
		}),
		downloadRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "download_rate_bytes", Help: "Smoothed download rate, bytes/sec.",
		}),
		uploadRate: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "upload_rate_bytes", Help: "Smoothed upload rate, bytes/sec.",
		}),
		totalAnnounces: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "tracker_announces_total", Help: "Tracker announce attempts.",
		}),
		successfulAnnounces: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "tracker_announces_successful", Help: "Successful tracker announces.",
		}),
		failedAnnounces: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "tracker_announces_failed", Help: "Failed tracker announces.",
		}),
	}

	return c, reg
}

// Run polls the source every interval and refreshes every gauge until ctx
// is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh()
		}
	}
}

func (c *Collector) refresh() {
	s := c.source.Stats()

	c.progress.Set(s.Progress)
	c.totalPeers.Set(float64(s.TotalPeers))
	c.unchokedPeers.Set(float64(s.UnchokedPeers))
	c.interestedPeers.Set(float64(s.InterestedPeers))
	c.uploadingTo.Set(float64(s.UploadingTo))
	c.downloadingFrom.Set(float64(s.DownloadingFrom))
	c.totalDownloaded.Set(float64(s.TotalDownloaded))
	c.totalUploaded.Set(float64(s.TotalUploaded))
	c.downloadRate.Set(float64(s.DownloadRate))
	c.uploadRate.Set(float64(s.UploadRate))
	c.totalAnnounces.Set(float64(s.TotalAnnounces))
	c.successfulAnnounces.Set(float64(s.SuccessfulAnnounces))
	c.failedAnnounces.Set(float64(s.FailedAnnounces))
}

// Serve starts an HTTP server exposing /metrics on addr using reg, and
// blocks until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
