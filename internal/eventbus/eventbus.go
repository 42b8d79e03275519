// Package eventbus is the single publish/subscribe channel the swarm
// coordinator selects on. Peer sessions and the tracker emit onto it instead
// of calling the coordinator directly, so ownership between the packages
// stays one-directional; the coordinator also publishes its own piece
// outcomes on it.
package eventbus

import "net/netip"

// Kind is the closed set of events the coordinator reacts to.
type Kind int

const (
	KindPanic Kind = iota
	KindConnect
	KindAvailable
	KindInterested
	KindNotInterested
	KindPieceDownloaded
	KindBlockError
	KindPieceError
	KindCompleted
	KindAnnounceStarted
	KindAnnounceSucceeded
	KindAnnounceFailed
)

func (k Kind) String() string {
	switch k {
	case KindPanic:
		return "panic"
	case KindConnect:
		return "connect"
	case KindAvailable:
		return "available"
	case KindInterested:
		return "interested"
	case KindNotInterested:
		return "not_interested"
	case KindPieceDownloaded:
		return "piece_downloaded"
	case KindBlockError:
		return "block_error"
	case KindPieceError:
		return "piece_error"
	case KindCompleted:
		return "completed"
	case KindAnnounceStarted:
		return "announce_started"
	case KindAnnounceSucceeded:
		return "announce_succeeded"
	case KindAnnounceFailed:
		return "announce_failed"
	default:
		return "unknown"
	}
}

// PanicData carries a recovered panic value out of a peer goroutine so the
// coordinator can log it and drop the session instead of crashing the
// process.
type PanicData struct {
	Value any
	Stack []byte
}

// ConnectData announces a newly handshaked peer and its initial bitfield.
type ConnectData struct {
	PieceCount int
}

// AvailableData reports a single piece index becoming available from Peer,
// either via a Have message or the initial Bitfield.
type AvailableData struct {
	Piece int
}

// PieceDownloadedData reports a fully assembled and hash-verified piece.
type PieceDownloadedData struct {
	Piece int
}

// BlockErrorData reports a single block request that failed (timeout or
// transport error) and must be re-queued.
type BlockErrorData struct {
	Piece int
	Begin int
	Err   error
}

// PieceErrorData reports a piece that failed SHA-1 verification after
// assembly; all of its blocks are reset to want.
type PieceErrorData struct {
	Piece int
}

// AnnounceSucceededData reports a completed tracker announce, so the
// coordinator and any observability layer see tracker activity on the same
// stream as peer/piece events instead of only through a separate Stats call.
type AnnounceSucceededData struct {
	URL      string
	Peers    int
	Seeders  int64
	Leechers int64
}

// AnnounceFailedData reports a tracker announce attempt that exhausted every
// tier.
type AnnounceFailedData struct {
	Err error
}

// Event is the envelope delivered on the bus. Peer is the zero value for
// events that aren't peer-scoped (e.g. KindCompleted).
type Event struct {
	Kind Kind
	Peer netip.AddrPort
	Data any
}

// Bus is a single-consumer, multi-producer event channel. It is intentionally
// thin: ordering and backpressure are the channel's, not the bus's, concern.
type Bus struct {
	events chan Event
}

// New creates a Bus with the given channel capacity. A capacity of 0 makes
// Publish block until the coordinator is ready to receive, which is rarely
// what callers want outside of tests.
func New(capacity int) *Bus {
	return &Bus{events: make(chan Event, capacity)}
}

// Publish enqueues an event. It never blocks the caller indefinitely in
// practice because the coordinator is the bus's sole, always-running
// consumer; callers that need a non-blocking publish should select on
// Events() themselves via a default case.
func (b *Bus) Publish(e Event) {
	b.events <- e
}

// Events returns the receive-only channel the coordinator selects on.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close releases the channel. Callers must ensure no more Publish calls are
// in flight.
func (b *Bus) Close() {
	close(b.events)
}
