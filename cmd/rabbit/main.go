// Command rabbit downloads a single-file torrent given its .torrent metainfo
// path, reporting progress on the terminal until every piece verifies.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/metrics"
	"github.com/prxssh/rabbit/internal/torrent"
	"github.com/schollz/progressbar/v3"
)

type cli struct {
	Metainfo string `arg:"" help:"Path to the .torrent metainfo file." type:"existingfile"`

	DownloadDir string        `help:"Directory to write downloaded data into." type:"existingdir"`
	Port        uint16        `default:"6881" help:"TCP port to listen for inbound peer connections on."`
	MaxPeers    int           `default:"50" help:"Maximum number of simultaneous peer connections."`
	Verbose     bool          `short:"v" help:"Enable debug logging."`
	Metrics     bool          `help:"Serve Prometheus metrics."`
	MetricsAddr string        `default:":9090" help:"Address to serve /metrics on."`
	Strategy    string        `default:"rarest-first" enum:"rarest-first,sequential,random" help:"Piece selection strategy."`
	RechokeEach time.Duration `default:"10s" help:"Interval between choke/unchoke recalculation."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("rabbit"),
		kong.Description("A BitTorrent client."),
	)

	setupLogger(c.Verbose)

	if err := run(&c); err != nil {
		slog.Error("rabbit: fatal", "error", err)
		kctx.Exit(1)
	}
}

func run(c *cli) error {
	data, err := os.ReadFile(c.Metainfo)
	if err != nil {
		return fmt.Errorf("read metainfo: %w", err)
	}

	config.Update(func(cfg *config.Config) {
		if c.DownloadDir != "" {
			cfg.DownloadDir = c.DownloadDir
		}
		cfg.Port = c.Port
		cfg.MaxPeers = c.MaxPeers
		cfg.MetricsEnabled = c.Metrics
		cfg.MetricsBindAddr = c.MetricsAddr
		cfg.RechokeInterval = c.RechokeEach
		cfg.PieceDownloadStrategy = parseStrategy(c.Strategy)
	})

	ctrl, err := torrent.New(data, slog.Default())
	if err != nil {
		return fmt.Errorf("initialize torrent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Run(ctx) }()

	if config.Load().MetricsEnabled {
		go serveMetrics(ctx, ctrl)
	}

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctrl.Done():
			_ = bar.Set(100)
			fmt.Println("\ndownload complete")
			stop()
			return <-errCh
		case err := <-errCh:
			return err
		case <-ctx.Done():
			ctrl.Stop()
			return <-errCh
		case <-ticker.C:
			s := ctrl.Stats()
			_ = bar.Set(int(s.Progress))
		}
	}
}

func serveMetrics(ctx context.Context, ctrl *torrent.Controller) {
	collector, reg := metrics.NewCollector(statsAdapter{ctrl}, slog.Default())
	go collector.Run(ctx, time.Second)

	if err := metrics.Serve(ctx, config.Load().MetricsBindAddr, reg, slog.Default()); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

// statsAdapter maps internal/torrent.Controller's Stats shape onto the
// narrow metrics.Snapshot contract, so internal/metrics never imports
// internal/torrent.
type statsAdapter struct{ c *torrent.Controller }

func (a statsAdapter) Stats() metrics.Snapshot {
	s := a.c.Stats()
	return metrics.Snapshot{
		Progress:            s.Progress,
		TotalPeers:          s.TotalPeers,
		UnchokedPeers:       s.UnchokedPeers,
		InterestedPeers:     s.InterestedPeers,
		UploadingTo:         s.UploadingTo,
		DownloadingFrom:     s.DownloadingFrom,
		TotalDownloaded:     s.TotalDownloaded,
		TotalUploaded:       s.TotalUploaded,
		DownloadRate:        s.DownloadRate,
		UploadRate:          s.UploadRate,
		TotalAnnounces:      s.TrackerMetrics.TotalAnnounces,
		SuccessfulAnnounces: s.TrackerMetrics.SuccessfulAnnounces,
		FailedAnnounces:     s.TrackerMetrics.FailedAnnounces,
	}
}

func parseStrategy(s string) config.PieceDownloadStrategy {
	switch s {
	case "sequential":
		return config.PieceDownloadStrategySequential
	case "random":
		return config.PieceDownloadStrategyRandom
	default:
		return config.PieceDownloadStrategyRarestFirst
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
