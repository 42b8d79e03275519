// Package peer drives one connection to a remote peer: the handshake, the
// read/write loops, wire-message dispatch, and per-connection rate
// accounting. A Session never talks to another Session or to the piece
// manager directly — it reports everything onto an eventbus.Bus and pulls
// request assignments through an injected callback, so ownership only flows
// one way, from swarm down to session.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/errs"
	"github.com/prxssh/rabbit/internal/eventbus"
	"github.com/prxssh/rabbit/internal/wire"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
	maskGotMessage     = 1 << 4
)

// WorkFunc is called whenever the peer becomes eligible to have outstanding
// requests (on unchoke, and after each completed block); it returns the
// block requests the session should send next.
type WorkFunc func(addr netip.AddrPort, peerBF bitfield.Bitfield) []BlockRequest

// BlockRequest is a single REQUEST a session is asked to issue.
type BlockRequest struct {
	Piece, Begin, Length int
}

// Stats holds per-connection counters. The counter fields are atomic and only
// grow for the session's lifetime; DownloadRate and UploadRate are smoothed
// bytes-per-second rates that rise and fall, and ConnectedAt/DisconnectedAt
// are plain timestamps.
type Stats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Session is one live connection to a remote peer.
type Session struct {
	log  *slog.Logger
	bus  *eventbus.Bus
	conn net.Conn
	addr netip.AddrPort

	state uint32
	stats Stats

	pieceCount int
	bfMu       sync.RWMutex
	bf         bitfield.Bitfield
	lastSeen   atomic.Int64

	outbox    chan *wire.Message
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc

	work      WorkFunc
	onBlock   BlockFunc
	readBlock ReadBlockFunc
}

// BlockFunc delivers a received block's payload to the owner of piece state
// (internal/swarm, backed by internal/piece.Manager). It is called
// synchronously from the session's read loop; implementations must not
// block meaningfully since that stalls this connection's read loop.
type BlockFunc func(addr netip.AddrPort, piece, begin int, data []byte)

// ReadBlockFunc serves an outgoing block for a peer's REQUEST, reading from
// wherever verified piece data lives (internal/storage). Returning an error
// drops the request silently; the peer will re-request or time out.
type ReadBlockFunc func(piece, begin, length int) ([]byte, error)

// SetOnBlock installs the block-received callback. Must be called before Run.
func (s *Session) SetOnBlock(fn BlockFunc) { s.onBlock = fn }

// SetOnRequest installs the callback used to serve incoming block requests.
// Must be called before Run.
func (s *Session) SetOnRequest(fn ReadBlockFunc) { s.readBlock = fn }

// Dial connects to addr, performs the handshake, and returns a live Session.
// The remote peer_id is not checked: per the wire protocol a peer_id
// mismatching what the tracker advertised is not itself fatal.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash [sha1.Size]byte, log *slog.Logger, bus *eventbus.Bus, pieceCount int, work WorkFunc) (*Session, error) {
	cfg := config.Load()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, errs.Transport("dial", err)
	}

	hs := wire.NewHandshake(infoHash, cfg.ClientID)
	if err := wire.WriteHandshake(conn, hs); err != nil {
		_ = conn.Close()
		return nil, errs.Transport("handshake write", err)
	}
	got, err := wire.ReadHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errs.Transport("handshake read", err)
	}
	if err := got.Validate(infoHash, true); err != nil {
		_ = conn.Close()
		return nil, errs.Protocol("handshake validation", err)
	}

	return newSession(conn, addr, log, bus, pieceCount, work), nil
}

// Accept wraps an already-handshaken inbound connection. The handshake
// itself is exchanged by the acceptor (internal/swarm) before the Session is
// constructed, since the acceptor must read the info_hash before it knows
// which torrent's piece count to size the bitfield with.
func Accept(conn net.Conn, addr netip.AddrPort, log *slog.Logger, bus *eventbus.Bus, pieceCount int, work WorkFunc) *Session {
	return newSession(conn, addr, log, bus, pieceCount, work)
}

func newSession(conn net.Conn, addr netip.AddrPort, log *slog.Logger, bus *eventbus.Bus, pieceCount int, work WorkFunc) *Session {
	s := &Session{
		log:        log.With("addr", addr),
		bus:        bus,
		conn:       conn,
		addr:       addr,
		pieceCount: pieceCount,
		bf:         bitfield.New(pieceCount),
		outbox:     make(chan *wire.Message, config.Load().PeerOutboundQueueBacklog),
		work:       work,
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	s.lastSeen.Store(time.Now().UnixNano())
	s.stats.ConnectedAt = time.Now()
	return s
}

// Run drives the session until ctx is cancelled or the connection fails. It
// always returns after cleaning up, even on panic in one of its loops.
func (s *Session) Run(ctx context.Context) (err error) {
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindPanic, Peer: s.addr, Data: eventbus.PanicData{Value: r}})
			err = fmt.Errorf("peer session panic: %v", r)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.bus.Publish(eventbus.Event{Kind: eventbus.KindConnect, Peer: s.addr, Data: eventbus.ConnectData{PieceCount: s.pieceCount}})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.rateLoop(gctx) })
	return g.Wait()
}

// Close tears the connection down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)
		s.stats.DisconnectedAt = time.Now()
	})
}

// Addr returns the remote address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// StatsSnapshot is a plain-value copy of a session's counters, safe to
// read without racing the connection's own goroutines.
type StatsSnapshot struct {
	Downloaded, Uploaded         uint64
	DownloadRate, UploadRate     uint64
	RequestsSent, RequestsTimedOut uint64
}

// Stats returns a snapshot of this session's transfer counters.
func (s *Session) Stats() StatsSnapshot {
	return StatsSnapshot{
		Downloaded:      s.stats.Downloaded.Load(),
		Uploaded:        s.stats.Uploaded.Load(),
		DownloadRate:    s.stats.DownloadRate.Load(),
		UploadRate:      s.stats.UploadRate.Load(),
		RequestsSent:    s.stats.RequestsSent.Load(),
		RequestsTimedOut: 0,
	}
}

// Idle returns how long it has been since any traffic was seen.
func (s *Session) Idle() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// Bitfield returns a snapshot of what this peer has advertised.
func (s *Session) Bitfield() bitfield.Bitfield {
	s.bfMu.RLock()
	defer s.bfMu.RUnlock()
	return s.bf.Clone()
}

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

// SendChoke / SendUnchoke / ... enqueue outbound control messages. All are
// non-blocking best-effort sends: a full outbox drops the message rather than
// stalling the caller, since choke-state and keep-alives are re-sent anyway.
func (s *Session) SendChoke()         { s.enqueue(wire.NewChoke()) }
func (s *Session) SendUnchoke()       { s.enqueue(wire.NewUnchoke()) }
func (s *Session) SendInterested()    { s.enqueue(wire.NewInterested()) }
func (s *Session) SendNotInterested() { s.enqueue(wire.NewNotInterested()) }
func (s *Session) SendHave(piece int) { s.enqueue(wire.NewHave(uint32(piece))) }
func (s *Session) SendBitfield(bf bitfield.Bitfield) {
	s.enqueue(wire.NewBitfield(bf.Bytes()))
}
func (s *Session) SendKeepAlive() { s.enqueue(nil) }

func (s *Session) SendRequest(piece, begin, length int) {
	if s.PeerChoking() {
		return
	}
	s.enqueue(wire.NewRequest(uint32(piece), uint32(begin), uint32(length)))
}

func (s *Session) SendCancel(piece, begin, length int) {
	s.enqueue(wire.NewCancel(uint32(piece), uint32(begin), uint32(length)))
}

func (s *Session) SendPiece(piece, begin uint32, block []byte) {
	if s.AmChoking() {
		return
	}
	s.enqueue(wire.NewPiece(piece, begin, block))
}

func (s *Session) enqueue(m *wire.Message) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.outbox <- m:
		return true
	default:
		return false
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	var buf []byte
	frame := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(config.Load().ReadTimeout))
		n, err := s.conn.Read(frame)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.stats.Errors.Add(1)
			return errs.Transport("read", err)
		}
		buf = append(buf, frame[:n]...)

		for {
			msg, rest, err := wire.Decode(buf)
			if errors.Is(err, wire.ErrIncomplete) {
				break
			}
			if err != nil {
				s.stats.Errors.Add(1)
				return errs.Protocol("decode", err)
			}
			buf = rest
			s.stats.MessagesReceived.Add(1)
			s.lastSeen.Store(time.Now().UnixNano())
			if wire.IsKeepAlive(msg) {
				continue
			}
			if err := s.handle(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	interval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
			if _, err := s.conn.Write(wire.Encode(msg)); err != nil {
				s.stats.Errors.Add(1)
				return errs.Transport("write", err)
			}
			s.onWritten(msg)
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastSeen.Load())) >= interval {
				s.SendKeepAlive()
			}
		}
	}
}

func (s *Session) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	const alpha = 0.2
	var upEMA, downEMA float64
	lastUp, lastDown := s.stats.Uploaded.Load(), s.stats.Downloaded.Load()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curUp, curDown := s.stats.Uploaded.Load(), s.stats.Downloaded.Load()
			instUp, instDown := float64(curUp-lastUp), float64(curDown-lastDown)
			upEMA = alpha*instUp + (1-alpha)*upEMA
			downEMA = alpha*instDown + (1-alpha)*downEMA
			s.stats.UploadRate.Store(uint64(upEMA))
			s.stats.DownloadRate.Store(uint64(downEMA))
			lastUp, lastDown = curUp, curDown
		}
	}
}

func (s *Session) handle(msg *wire.Message) error {
	if msg.ID == wire.Bitfield && s.getState(maskGotMessage) {
		return errs.Protocol("bitfield: received after other messages", nil)
	}
	s.setState(maskGotMessage, true)

	switch msg.ID {
	case wire.Choke:
		s.setState(maskPeerChoking, true)
	case wire.Unchoke:
		s.setState(maskPeerChoking, false)
		s.issueWork()
	case wire.Interested:
		s.setState(maskPeerInterested, true)
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindInterested, Peer: s.addr})
	case wire.NotInterested:
		s.setState(maskPeerInterested, false)
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindNotInterested, Peer: s.addr})
	case wire.Bitfield:
		bf, err := bitfield.Decode(msg.Payload, s.pieceCount)
		if err != nil {
			return errs.Protocol("bitfield", err)
		}
		if !bf.TrailingBitsZero(s.pieceCount) {
			return errs.Protocol("bitfield: non-zero trailing bits", nil)
		}
		s.bfMu.Lock()
		s.bf = bf
		s.bfMu.Unlock()
		for _, i := range bf.Indices() {
			s.bus.Publish(eventbus.Event{Kind: eventbus.KindAvailable, Peer: s.addr, Data: eventbus.AvailableData{Piece: i}})
		}
	case wire.Have:
		piece, ok := msg.ParseHave()
		if !ok {
			return errs.Protocol("malformed have", nil)
		}
		if int(piece) >= s.pieceCount {
			return errs.Protocol(fmt.Sprintf("have: piece index %d out of range", piece), nil)
		}
		s.bfMu.Lock()
		s.bf.Set(int(piece))
		s.bfMu.Unlock()
		s.bus.Publish(eventbus.Event{Kind: eventbus.KindAvailable, Peer: s.addr, Data: eventbus.AvailableData{Piece: int(piece)}})
	case wire.Piece:
		idx, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errs.Protocol("malformed piece", nil)
		}
		s.stats.PiecesReceived.Add(1)
		s.stats.Downloaded.Add(uint64(len(block)))
		if s.onBlock != nil {
			s.onBlock(s.addr, int(idx), int(begin), block)
		}
		s.issueWork()
	case wire.Request:
		idx, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errs.Protocol("malformed request", nil)
		}
		s.stats.RequestsReceived.Add(1)
		if s.AmChoking() || !s.PeerInterested() || s.readBlock == nil {
			break
		}
		block, err := s.readBlock(int(idx), int(begin), int(length))
		if err != nil {
			s.log.Debug("failed to serve request", "piece", idx, "begin", begin, "error", err)
			break
		}
		s.stats.PiecesSent.Add(1)
		s.stats.Uploaded.Add(uint64(len(block)))
		s.SendPiece(idx, begin, block)
	case wire.Cancel:
		s.stats.RequestsCancelled.Add(1)
	case wire.Port:
		// DHT port advertisement; DHT is out of scope, nothing to do.
	default:
		return errs.Protocol(fmt.Sprintf("unknown message id %d", msg.ID), nil)
	}
	return nil
}

func (s *Session) issueWork() {
	if s.work == nil || s.PeerChoking() {
		return
	}
	for _, r := range s.work(s.addr, s.Bitfield()) {
		s.SendRequest(r.Piece, r.Begin, r.Length)
	}
}

func (s *Session) onWritten(msg *wire.Message) {
	s.stats.MessagesSent.Add(1)
	s.lastSeen.Store(time.Now().UnixNano())
	if msg == nil {
		return
	}

	switch msg.ID {
	case wire.Choke:
		s.setState(maskAmChoking, true)
	case wire.Unchoke:
		s.setState(maskAmChoking, false)
	case wire.Interested:
		s.setState(maskAmInterested, true)
	case wire.NotInterested:
		s.setState(maskAmInterested, false)
	case wire.Request:
		s.stats.RequestsSent.Add(1)
	case wire.Piece:
		if n := len(msg.Payload); n >= 8 {
			s.stats.PiecesSent.Add(1)
			s.stats.Uploaded.Add(uint64(n - 8))
		}
	case wire.Cancel:
		s.stats.RequestsCancelled.Add(1)
	}
}
