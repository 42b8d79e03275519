// Package torrent ties one parsed metainfo descriptor to its on-disk
// storage, its piece/block bookkeeping, its peer swarm, and its tracker
// announces, and exposes the lifecycle and stats surface the CLI drives.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/eventbus"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/swarm"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Controller owns a single torrent's full lifecycle: piece/block state
// (internal/piece.Manager), on-disk storage (internal/storage.Store), the
// live peer swarm (internal/swarm.Coordinator and ServerAcceptor), and
// tracker announces (internal/tracker.Tracker).
type Controller struct {
	log  *slog.Logger
	desc *meta.Descriptor

	clientID [sha1.Size]byte
	pieces   *piece.Manager
	store    *storage.Store
	coord    *swarm.Coordinator
	tr       *tracker.Tracker
	acceptor *swarm.ServerAcceptor

	cancel context.CancelFunc
	done   chan struct{}
}

// New parses the metainfo bytes and wires every collaborator, ready for
// Run. It does not start any network I/O.
func New(data []byte, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}

	desc, err := meta.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse metainfo: %w", err)
	}
	log = log.With("torrent", desc.Name)

	cfg := config.Load()

	store, err := storage.New(desc, cfg.DownloadDir, log)
	if err != nil {
		return nil, fmt.Errorf("torrent: storage: %w", err)
	}

	pieces := piece.NewManager(desc, cfg.MaxPeers)
	for _, i := range store.Have() {
		pieces.MarkVerified(i)
	}

	c := &Controller{
		log:      log,
		desc:     desc,
		clientID: cfg.ClientID,
		pieces:   pieces,
		store:    store,
		done:     make(chan struct{}),
	}

	bus := eventbus.New(1024)
	coord := swarm.New(swarm.Opts{
		Log:             log,
		Bus:             bus,
		Pieces:          pieces,
		InfoHash:        desc.InfoHash,
		ClientID:        cfg.ClientID,
		OnPieceComplete: store.WritePiece,
		OnReadBlock:     store.ReadBlock,
		OnDone:          func() { close(c.done) },
	})
	c.coord = coord

	tr, err := tracker.NewTracker(desc.Announce, desc.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		Bus:               bus,
		OnAnnounceStart:   c.buildAnnounceParams,
		OnAnnounceSuccess: coord.AdmitPeers,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("torrent: tracker: %w", err)
	}
	c.tr = tr

	acceptor, err := swarm.NewServerAcceptor(
		fmt.Sprintf(":%d", cfg.Port), desc.InfoHash, cfg.ClientID, coord, log,
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("torrent: listen: %w", err)
	}
	c.acceptor = acceptor

	return c, nil
}

// Run starts the swarm, the inbound-connection acceptor, and the tracker
// announce loop, and blocks until ctx is cancelled or one of them fails
// fatally (e.g. the initial announce).
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer c.store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.coord.Run(gctx) })
	g.Go(func() error { return c.acceptor.Serve(gctx) })
	g.Go(func() error { return c.tr.Run(gctx) })

	return g.Wait()
}

// Stop cancels the running Controller. Safe to call once, after Run.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Close releases the listening socket and the storage file directly,
// without starting Run's announce/swarm loops. Used when a caller
// constructs a Controller but decides not to Run it.
func (c *Controller) Close() error {
	acceptErr := c.acceptor.Close()
	storeErr := c.store.Close()
	if acceptErr != nil {
		return acceptErr
	}
	return storeErr
}

// Done closes once every piece has verified.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Stats is a point-in-time view of the torrent's progress, swarm, and
// tracker state, suitable for a CLI progress bar or /metrics scrape.
type Stats struct {
	Progress float64
	swarm.StatsSnapshot
	tracker.TrackerMetrics
}

// Stats returns the current snapshot.
func (c *Controller) Stats() Stats {
	s := Stats{
		StatsSnapshot:  c.coord.Stats(),
		TrackerMetrics: c.tr.Stats(),
	}
	if total := c.pieces.PieceCount(); total > 0 {
		have := c.pieces.Bitfield().Count()
		s.Progress = (float64(have) / float64(total)) * 100.0
	}
	return s
}

func (c *Controller) buildAnnounceParams() *tracker.AnnounceParams {
	cfg := config.Load()
	stats := c.coord.Stats()

	left := uint64(c.desc.Length) - stats.TotalDownloaded

	event := tracker.EventNone
	switch {
	case c.pieces.Done():
		event = tracker.EventCompleted
	case stats.TotalDownloaded == 0:
		event = tracker.EventStarted
	}

	return &tracker.AnnounceParams{
		InfoHash:   c.desc.InfoHash,
		PeerID:     c.clientID,
		Uploaded:   stats.TotalUploaded,
		Downloaded: stats.TotalDownloaded,
		Left:       left,
		Event:      event,
		Port:       cfg.Port,
		NumWant:    cfg.NumWant,
	}
}
