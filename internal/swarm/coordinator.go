// Package swarm owns every live connection for one torrent: it dials and
// accepts peers, reacts to the single event stream they publish, runs the
// choke/unchoke algorithm, and drives piece/block selection through
// internal/piece.Manager. Per-connection I/O itself lives in internal/peer;
// a peer session only ever reaches this package through the callbacks
// injected into it and the event bus, never by calling it directly.
package swarm

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/errs"
	"github.com/prxssh/rabbit/internal/eventbus"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Stats is a point-in-time snapshot of swarm-wide counters.
type Stats struct {
	TotalPeers      atomic.Uint32
	UnchokedPeers   atomic.Uint32
	InterestedPeers atomic.Uint32
	UploadingTo     atomic.Uint32
	DownloadingFrom atomic.Uint32
	TotalDownloaded atomic.Uint64
	TotalUploaded   atomic.Uint64
	DownloadRate    atomic.Uint64
	UploadRate      atomic.Uint64
}

// StatsSnapshot is the plain-value form of Stats, safe to copy and log.
type StatsSnapshot struct {
	TotalPeers, UnchokedPeers, InterestedPeers    uint32
	UploadingTo, DownloadingFrom                  uint32
	TotalDownloaded, TotalUploaded                uint64
	DownloadRate, UploadRate                      uint64
}

// Opts configures a new Coordinator.
type Opts struct {
	Log      *slog.Logger
	Bus      *eventbus.Bus
	Pieces   *piece.Manager
	InfoHash [sha1.Size]byte
	ClientID [sha1.Size]byte

	// OnPieceComplete persists a verified piece's bytes. Required.
	OnPieceComplete func(pieceIndex int, data []byte) error
	// OnDone is called exactly once, when every piece has verified.
	OnDone func()
	// OnReadBlock serves a block of a verified piece for an incoming
	// REQUEST. Required to upload; nil means requests are never answered.
	OnReadBlock func(piece, begin, length int) ([]byte, error)
}

// Coordinator is the single consumer of its Bus and the sole owner of every
// peer.Session for one torrent.
type Coordinator struct {
	log      *slog.Logger
	bus      *eventbus.Bus
	pieces   *piece.Manager
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	onPieceComplete func(int, []byte) error
	onDone          func()
	onReadBlock     func(piece, begin, length int) ([]byte, error)
	doneOnce        sync.Once

	mu             sync.RWMutex
	sessions       map[netip.AddrPort]*peer.Session
	optimisticAddr netip.AddrPort

	connectCh chan netip.AddrPort
	stats     Stats
}

// New constructs a Coordinator. Call Run to start it.
func New(opts Opts) *Coordinator {
	return &Coordinator{
		log:             opts.Log.With("component", "swarm"),
		bus:             opts.Bus,
		pieces:          opts.Pieces,
		infoHash:        opts.InfoHash,
		clientID:        opts.ClientID,
		onPieceComplete: opts.OnPieceComplete,
		onDone:          opts.OnDone,
		onReadBlock:     opts.OnReadBlock,
		sessions:        make(map[netip.AddrPort]*peer.Session),
		connectCh:       make(chan netip.AddrPort, config.Load().MaxPeers*4),
	}
}

// Run drives the coordinator's background loops until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.eventLoop(gctx) })
	g.Go(func() error { return c.maintenanceLoop(gctx) })
	g.Go(func() error { return c.chokeLoop(gctx) })
	for i := 0; i < 8; i++ {
		g.Go(func() error { return c.dialerLoop(gctx) })
	}
	return g.Wait()
}

// AdmitPeers queues addresses (typically from a tracker announce) for
// dialing by the dialer pool.
func (c *Coordinator) AdmitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case c.connectCh <- addr:
		default:
			c.log.Warn("admit queue full, dropping peer", "addr", addr)
		}
	}
}

// Stats returns a consistent snapshot of swarm-wide counters.
func (c *Coordinator) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalPeers:       c.stats.TotalPeers.Load(),
		UnchokedPeers:    c.stats.UnchokedPeers.Load(),
		InterestedPeers:  c.stats.InterestedPeers.Load(),
		UploadingTo:      c.stats.UploadingTo.Load(),
		DownloadingFrom:  c.stats.DownloadingFrom.Load(),
		TotalDownloaded:  c.stats.TotalDownloaded.Load(),
		TotalUploaded:    c.stats.TotalUploaded.Load(),
		DownloadRate:     c.stats.DownloadRate.Load(),
		UploadRate:       c.stats.UploadRate.Load(),
	}
}

func (c *Coordinator) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-c.connectCh:
			if !ok {
				return nil
			}
			c.connect(ctx, addr)
		}
	}
}

func (c *Coordinator) connect(ctx context.Context, addr netip.AddrPort) {
	if !c.hasCapacity(addr) {
		return
	}

	s, err := peer.Dial(ctx, addr, c.infoHash, c.log, c.bus, c.pieces.PieceCount(), c.workFor)
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}
	c.runSession(ctx, s)
}

// Accept wraps an inbound connection once its handshake has already been
// read and matched against infoHash by a ServerAcceptor.
func (c *Coordinator) Accept(ctx context.Context, conn net.Conn, addr netip.AddrPort) {
	if !c.hasCapacity(addr) {
		_ = conn.Close()
		return
	}
	s := peer.Accept(conn, addr, c.log, c.bus, c.pieces.PieceCount(), c.workFor)
	c.runSession(ctx, s)
}

func (c *Coordinator) hasCapacity(addr netip.AddrPort) bool {
	c.mu.RLock()
	_, dup := c.sessions[addr]
	total := len(c.sessions)
	c.mu.RUnlock()
	return !dup && total < config.Load().MaxPeers
}

func (c *Coordinator) runSession(ctx context.Context, s *peer.Session) {
	s.SetOnBlock(c.onBlock)
	s.SetOnRequest(c.onReadBlock)

	c.mu.Lock()
	c.sessions[s.Addr()] = s
	c.mu.Unlock()
	c.stats.TotalPeers.Add(1)

	s.SendBitfield(c.pieces.Bitfield())

	go func() {
		defer c.removeSession(s.Addr())
		if err := s.Run(ctx); err != nil {
			c.log.Debug("session ended", "addr", s.Addr(), "error", err)
		}
	}()
}

func (c *Coordinator) removeSession(addr netip.AddrPort) {
	c.mu.Lock()
	_, ok := c.sessions[addr]
	delete(c.sessions, addr)
	c.mu.Unlock()

	if ok {
		c.stats.TotalPeers.Add(^uint32(0))
	}
}

func (c *Coordinator) getSession(addr netip.AddrPort) (*peer.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[addr]
	return s, ok
}

// workFor is the callback injected into every Session as peer.WorkFunc: it
// is the only path through which a session learns what to request next.
func (c *Coordinator) workFor(addr netip.AddrPort, peerBF bitfield.Bitfield) []peer.BlockRequest {
	cfg := config.Load()
	capacity := cfg.MaxInflightRequestsPerPeer

	endgame := c.remainingBlockEstimate() <= cfg.EndgameThreshold
	var blocks []piece.BlockInfo
	if endgame {
		blocks = c.pieces.AssignEndgameBlocks(addr, peerBF, capacity, cfg.EndgameDupPerBlock)
	} else {
		rarestFirst := cfg.PieceDownloadStrategy == config.PieceDownloadStrategyRarestFirst
		blocks = c.pieces.AssignBlocks(addr, peerBF, capacity, rarestFirst)
	}

	out := make([]peer.BlockRequest, len(blocks))
	for i, b := range blocks {
		out[i] = peer.BlockRequest{Piece: b.Piece, Begin: b.Begin, Length: b.Length}
	}
	return out
}

func (c *Coordinator) remainingBlockEstimate() int {
	return c.pieces.RemainingBlocks()
}

// onBlock is the BlockFunc injected into every Session: the only path
// through which a session's received PIECE data reaches the piece manager.
func (c *Coordinator) onBlock(addr netip.AddrPort, pieceIdx, begin int, data []byte) {
	outcome, assembled, redundant := c.pieces.ApplyBlock(addr, pieceIdx, begin, data)

	for _, raddr := range redundant {
		if s, ok := c.getSession(raddr); ok {
			s.SendCancel(pieceIdx, begin, len(data))
		}
	}

	switch outcome {
	case piece.OutcomeVerified:
		if c.onPieceComplete != nil {
			if err := c.onPieceComplete(pieceIdx, assembled); err != nil {
				c.log.Error("failed to persist piece", "piece", pieceIdx, "error", err)
			}
		}
		c.broadcastHave(pieceIdx)
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindPieceDownloaded, Data: eventbus.PieceDownloadedData{Piece: pieceIdx}})
		if c.pieces.Done() {
			c.doneOnce.Do(func() {
				c.bus.Publish(eventbus.Event{Kind: eventbus.KindCompleted})
				if c.onDone != nil {
					c.onDone()
				}
			})
		}
	case piece.OutcomeCorrupt:
		c.bus.Publish(eventbus.Event{Kind: eventbus.KindPieceError, Data: eventbus.PieceErrorData{Piece: pieceIdx}})
	}
}

func (c *Coordinator) broadcastHave(pieceIdx int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		s.SendHave(pieceIdx)
	}
}

func (c *Coordinator) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-c.bus.Events():
			if !ok {
				return nil
			}
			c.handleEvent(e)
		}
	}
}

func (c *Coordinator) handleEvent(e eventbus.Event) {
	switch e.Kind {
	case eventbus.KindPanic:
		c.log.Error("peer session panicked", "peer", e.Peer, "data", e.Data)
	case eventbus.KindAvailable:
		data, _ := e.Data.(eventbus.AvailableData)
		c.pieces.PieceAvailable(data.Piece)
		if !c.pieces.Bitfield().Has(data.Piece) {
			if s, ok := c.getSession(e.Peer); ok && !s.AmInterested() {
				s.SendInterested()
			}
		}
	case eventbus.KindAnnounceSucceeded:
		data, _ := e.Data.(eventbus.AnnounceSucceededData)
		c.log.Debug("tracker announce succeeded", "url", data.URL, "peers", data.Peers,
			"seeders", data.Seeders, "leechers", data.Leechers)
	case eventbus.KindAnnounceFailed:
		data, _ := e.Data.(eventbus.AnnounceFailedData)
		c.log.Warn("tracker announce failed", "error", data.Err)
	case eventbus.KindInterested, eventbus.KindNotInterested, eventbus.KindConnect,
		eventbus.KindPieceDownloaded, eventbus.KindPieceError, eventbus.KindBlockError,
		eventbus.KindCompleted, eventbus.KindAnnounceStarted:
		// Aggregate stats are recomputed from live sessions by recomputeStats
		// in maintenanceLoop;
		// these events exist for observability (logging/metrics hooks).
	}
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) error {
	inactivity := time.NewTicker(5 * time.Second)
	defer inactivity.Stop()
	expiry := time.NewTicker(config.Load().RequestTimeout / 2)
	defer expiry.Stop()
	statsTick := time.NewTicker(time.Second)
	defer statsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inactivity.C:
			c.dropInactive()
		case <-expiry.C:
			c.expireStaleRequests()
		case <-statsTick.C:
			c.recomputeStats()
		}
	}
}

func (c *Coordinator) dropInactive() {
	maxIdle := config.Load().PeerInactivityDuration

	c.mu.RLock()
	var stale []netip.AddrPort
	for addr, s := range c.sessions {
		if s.Idle() > maxIdle {
			stale = append(stale, addr)
		}
	}
	c.mu.RUnlock()

	for _, addr := range stale {
		if s, ok := c.getSession(addr); ok {
			s.Close()
		}
	}
}

func (c *Coordinator) expireStaleRequests() {
	for _, req := range c.pieces.ExpireStaleRequests(config.Load().RequestTimeout) {
		c.bus.Publish(eventbus.Event{
			Kind: eventbus.KindBlockError,
			Peer: req.Peer,
			Data: eventbus.BlockErrorData{Piece: req.Piece, Begin: req.Begin, Err: errs.Transport("request timeout", nil)},
		})
	}
}

func (c *Coordinator) recomputeStats() {
	var totUp, totDown, upRate, downRate uint64
	var unchoked, interested, uploadingTo, downloadingFrom uint32

	c.mu.RLock()
	for _, s := range c.sessions {
		st := s.Stats()
		totUp += st.Uploaded
		totDown += st.Downloaded
		upRate += st.UploadRate
		downRate += st.DownloadRate

		if !s.AmChoking() {
			unchoked++
		}
		if s.PeerInterested() {
			interested++
		}
		if st.UploadRate > 0 {
			uploadingTo++
		}
		if st.DownloadRate > 0 {
			downloadingFrom++
		}
	}
	c.mu.RUnlock()

	c.stats.TotalUploaded.Store(totUp)
	c.stats.TotalDownloaded.Store(totDown)
	c.stats.UploadRate.Store(upRate)
	c.stats.DownloadRate.Store(downRate)
	c.stats.UnchokedPeers.Store(unchoked)
	c.stats.InterestedPeers.Store(interested)
	c.stats.UploadingTo.Store(uploadingTo)
	c.stats.DownloadingFrom.Store(downloadingFrom)
}

func (c *Coordinator) chokeLoop(ctx context.Context) error {
	cfg := config.Load()
	regular := time.NewTicker(cfg.RechokeInterval)
	defer regular.Stop()
	optimistic := time.NewTicker(cfg.OptimisticUnchokeInterval)
	defer optimistic.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-regular.C:
			c.recalculateRegularUnchokes()
		case <-optimistic.C:
			c.recalculateOptimisticUnchoke()
		}
	}
}

func (c *Coordinator) recalculateRegularUnchokes() {
	c.mu.RLock()
	candidates := make([]*peer.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if s.PeerInterested() {
			candidates = append(candidates, s)
		}
	}
	c.mu.RUnlock()

	seeding := c.pieces.Done()
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Stats(), candidates[j].Stats()
		if seeding {
			return si.UploadRate > sj.UploadRate
		}
		return si.DownloadRate > sj.DownloadRate
	})

	newUnchokes := make(map[netip.AddrPort]struct{})
	slots := config.Load().UploadSlots
	for i := 0; i < len(candidates) && i < slots; i++ {
		newUnchokes[candidates[i].Addr()] = struct{}{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for addr, s := range c.sessions {
		_, top := newUnchokes[addr]
		optimistic := addr == c.optimisticAddr
		if top || optimistic {
			if s.AmChoking() {
				s.SendUnchoke()
			}
		} else if !s.AmChoking() {
			s.SendChoke()
		}
	}
}

func (c *Coordinator) recalculateOptimisticUnchoke() {
	c.mu.RLock()
	var candidates []*peer.Session
	for _, s := range c.sessions {
		if s.PeerInterested() && s.AmChoking() {
			candidates = append(candidates, s)
		}
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		c.optimisticAddr = netip.AddrPort{}
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	c.optimisticAddr = chosen.Addr()
	chosen.SendUnchoke()
}

// ServerAcceptor listens for inbound peer connections, performs the
// handshake itself (since it must read info_hash before the Coordinator for
// that torrent can be looked up), and hands validated connections to the
// matching Coordinator.
type ServerAcceptor struct {
	log      *slog.Logger
	ln       net.Listener
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte
	coord    *Coordinator
}

// NewServerAcceptor binds addr and returns an acceptor for one torrent's
// Coordinator.
func NewServerAcceptor(addr string, infoHash, clientID [sha1.Size]byte, coord *Coordinator, log *slog.Logger) (*ServerAcceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.Transport("listen", err)
	}
	return &ServerAcceptor{log: log.With("component", "acceptor"), ln: ln, infoHash: infoHash, clientID: clientID, coord: coord}, nil
}

// Addr returns the bound listen address.
func (a *ServerAcceptor) Addr() net.Addr { return a.ln.Addr() }

// Close releases the listening socket without waiting for Serve's ctx.
func (a *ServerAcceptor) Close() error { return a.ln.Close() }

// Serve accepts connections until ctx is cancelled.
func (a *ServerAcceptor) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.ln.Close()
	}()

	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Transport("accept", err)
			}
		}
		go a.handshakeAndAdmit(ctx, conn)
	}
}

func (a *ServerAcceptor) handshakeAndAdmit(ctx context.Context, conn net.Conn) {
	got, err := wire.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := got.Validate(a.infoHash, true); err != nil {
		_ = conn.Close()
		return
	}
	reply := wire.NewHandshake(a.infoHash, a.clientID)
	if err := wire.WriteHandshake(conn, reply); err != nil {
		_ = conn.Close()
		return
	}

	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return
	}
	a.coord.Accept(ctx, conn, addrPort)
}
