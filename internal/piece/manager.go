// Package piece tracks which pieces and blocks of a torrent are wanted, in
// flight, or done, selects what to request next, and assembles + verifies
// completed pieces.
package piece

import (
	"crypto/sha1"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
)

// Status is the lifecycle state of a piece or a block.
type Status uint8

const (
	StatusWant Status = iota
	StatusInflight
	StatusDone
)

// BlockInfo identifies a requestable sub-chunk of a piece.
type BlockInfo struct {
	Piece  int
	Begin  int
	Length int
}

type owner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status Status
	owners []owner
}

type pieceState struct {
	length     int64
	blockCount int
	doneBlocks int
	verified   bool
	blocks     []*block
	hash       [sha1.Size]byte
	buf        []byte
}

// Manager is the single authority over piece/block state for one torrent. It
// is safe for concurrent use by every peer session.
type Manager struct {
	desc *meta.Descriptor

	mu              sync.RWMutex
	pieces          []*pieceState
	nextPiece       int
	nextBlock       int
	remainingBlocks int

	avail *availabilityBucket
}

// NewManager builds piece/block state for the whole torrent described by
// desc. maxAvail bounds the availability-bucket width (typically the
// configured max peer count).
func NewManager(desc *meta.Descriptor, maxAvail int) *Manager {
	n := desc.PieceCount()
	pieces := make([]*pieceState, n)
	total := 0

	for i := 0; i < n; i++ {
		bc := desc.BlockCount(i)
		blocks := make([]*block, bc)
		for j := range blocks {
			blocks[j] = &block{status: StatusWant}
		}
		total += bc

		pieces[i] = &pieceState{
			length:     desc.PieceLengthAt(i),
			blockCount: bc,
			blocks:     blocks,
			hash:       desc.PieceHashes[i],
			buf:        make([]byte, desc.PieceLengthAt(i)),
		}
	}

	return &Manager{
		desc:            desc,
		pieces:          pieces,
		remainingBlocks: total,
		avail:           newAvailabilityBucket(n, maxAvail),
	}
}

// PieceCount returns the total number of pieces in the torrent.
func (m *Manager) PieceCount() int { return len(m.pieces) }

// RemainingBlocks returns how many blocks are wanted and not assigned to any
// peer: a block leaves the count when it is first assigned and rejoins it when
// its request is released or expires, or its piece fails verification.
func (m *Manager) RemainingBlocks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remainingBlocks
}

// Done reports whether every piece has been verified.
func (m *Manager) Done() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pieces {
		if !p.verified {
			return false
		}
	}
	return true
}

// MarkVerified marks piece i as already verified without re-hashing it, for
// resuming a download from an on-disk have-set. It must be called before any
// AssignBlocks call observes the piece.
func (m *Manager) MarkVerified(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.pieces) {
		return
	}
	p := m.pieces[i]
	if p.verified {
		return
	}

	p.verified = true
	p.doneBlocks = p.blockCount
	for _, b := range p.blocks {
		if b.status != StatusDone {
			m.remainingBlocks--
		}
		b.status = StatusDone
		b.owners = nil
	}
	p.buf = nil

	if m.nextPiece == i {
		m.nextPiece++
		m.nextBlock = 0
	}
}

// Bitfield returns a snapshot of which pieces are verified.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bf := bitfield.New(len(m.pieces))
	for i, p := range m.pieces {
		if p.verified {
			bf.Set(i)
		}
	}
	return bf
}

// PieceAvailable records that peer now has piece i, moving it up one
// availability bucket for rarest-first selection.
func (m *Manager) PieceAvailable(i int) {
	if i < 0 || i >= len(m.pieces) {
		return
	}
	m.avail.Move(i, +1)
}

// PieceUnavailable records that a peer holding piece i has disconnected.
func (m *Manager) PieceUnavailable(i int) {
	if i < 0 || i >= len(m.pieces) {
		return
	}
	m.avail.Move(i, -1)
}

// Availability returns the current owner count of piece i.
func (m *Manager) Availability(i int) int { return m.avail.Availability(i) }

// AssignBlocks picks up to capacity blocks to request from a peer holding
// peerBF, following the configured strategy. Sequential and random fall back
// to a simple first-match scan; rarest-first walks the availability buckets
// from lowest to highest.
func (m *Manager) AssignBlocks(peerAddr netip.AddrPort, peerBF bitfield.Bitfield, capacity int, rarestFirst bool) []BlockInfo {
	if rarestFirst {
		return m.assignRarestFirst(peerAddr, peerBF, capacity)
	}
	return m.assignSequential(peerAddr, peerBF, capacity)
}

func (m *Manager) assignRarestFirst(peerAddr netip.AddrPort, peerBF bitfield.Bitfield, capacity int) []BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlockInfo, 0, capacity)

	start, ok := m.avail.FirstNonEmpty()
	if !ok {
		return out
	}
	for a := start; a <= m.avail.maxAvail && capacity > 0; a++ {
		for _, idx := range m.avail.Bucket(a) {
			if capacity == 0 {
				break
			}
			if m.pieces[idx].verified || !peerBF.Has(idx) {
				continue
			}
			bi, ok := m.assignOneBlock(peerAddr, idx, 1)
			if ok {
				out = append(out, bi)
				capacity--
			}
		}
	}
	return out
}

func (m *Manager) assignSequential(peerAddr netip.AddrPort, peerBF bitfield.Bitfield, capacity int) []BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlockInfo, 0, capacity)

	for m.nextPiece < len(m.pieces) && capacity > 0 {
		for m.nextPiece < len(m.pieces) && m.pieces[m.nextPiece].verified {
			m.nextPiece++
			m.nextBlock = 0
		}
		if m.nextPiece >= len(m.pieces) {
			break
		}
		if !peerBF.Has(m.nextPiece) {
			break
		}

		p := m.pieces[m.nextPiece]
		for m.nextBlock < p.blockCount && capacity > 0 {
			if p.blocks[m.nextBlock].status == StatusWant {
				begin := m.nextBlock * meta.BlockLength
				length := int(m.desc.BlockLengthAt(m.nextPiece, m.nextBlock))
				p.blocks[m.nextBlock].status = StatusInflight
				p.blocks[m.nextBlock].owners = append(p.blocks[m.nextBlock].owners, owner{peerAddr, time.Now()})
				m.remainingBlocks--
				out = append(out, BlockInfo{Piece: m.nextPiece, Begin: begin, Length: length})
				capacity--
			}
			m.nextBlock++
		}
		if m.nextBlock >= p.blockCount {
			m.nextPiece++
			m.nextBlock = 0
		} else {
			break
		}
	}
	return out
}

// AssignEndgameBlocks requests blocks peer already has that are still
// in-flight (not yet done), up to duplicateLimit concurrent owners per
// block. Used once remaining work drops below the endgame threshold.
func (m *Manager) AssignEndgameBlocks(peerAddr netip.AddrPort, peerBF bitfield.Bitfield, capacity, duplicateLimit int) []BlockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BlockInfo, 0, capacity)
	for i, p := range m.pieces {
		if capacity == 0 {
			break
		}
		if p.verified || !peerBF.Has(i) {
			continue
		}
		for j := 0; j < p.blockCount && capacity > 0; j++ {
			if p.blocks[j].status == StatusDone {
				continue
			}
			if len(p.blocks[j].owners) >= duplicateLimit {
				continue
			}
			begin := j * meta.BlockLength
			length := int(m.desc.BlockLengthAt(i, j))
			p.blocks[j].status = StatusInflight
			p.blocks[j].owners = append(p.blocks[j].owners, owner{peerAddr, time.Now()})
			out = append(out, BlockInfo{Piece: i, Begin: begin, Length: length})
			capacity--
		}
	}
	return out
}

func (m *Manager) assignOneBlock(peerAddr netip.AddrPort, pieceIdx int, duplicateLimit int) (BlockInfo, bool) {
	p := m.pieces[pieceIdx]
	for j := 0; j < p.blockCount; j++ {
		b := p.blocks[j]
		if b.status == StatusDone || len(b.owners) >= duplicateLimit {
			continue
		}
		begin := j * meta.BlockLength
		length := int(m.desc.BlockLengthAt(pieceIdx, j))
		b.status = StatusInflight
		b.owners = append(b.owners, owner{peerAddr, time.Now()})
		m.remainingBlocks--
		return BlockInfo{Piece: pieceIdx, Begin: begin, Length: length}, true
	}
	return BlockInfo{}, false
}

// Unassign releases a block back to want, e.g. after a peer disconnects with
// the request still outstanding.
func (m *Manager) Unassign(peerAddr netip.AddrPort, pieceIdx, begin int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return
	}
	p := m.pieces[pieceIdx]
	bi := begin / meta.BlockLength
	if bi < 0 || bi >= p.blockCount {
		return
	}
	b := p.blocks[bi]
	for i, o := range b.owners {
		if o.peer == peerAddr {
			b.owners = append(b.owners[:i], b.owners[i+1:]...)
			m.remainingBlocks++
			break
		}
	}
	if len(b.owners) == 0 && b.status != StatusDone {
		b.status = StatusWant
	}
}

// ExpiredRequest identifies one in-flight request that has been outstanding
// longer than the timeout and should be cancelled and re-assigned.
type ExpiredRequest struct {
	Peer  netip.AddrPort
	Piece int
	Begin int
}

// ExpireStaleRequests releases every in-flight block whose oldest request
// exceeds timeout, returning them so the caller can send Cancel and re-queue
// elsewhere.
func (m *Manager) ExpireStaleRequests(timeout time.Duration) []ExpiredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var expired []ExpiredRequest

	for pi, p := range m.pieces {
		if p.verified {
			continue
		}
		for bi, b := range p.blocks {
			if b.status != StatusInflight || len(b.owners) == 0 {
				continue
			}
			kept := b.owners[:0]
			for _, o := range b.owners {
				if now.Sub(o.requestedAt) > timeout {
					expired = append(expired, ExpiredRequest{Peer: o.peer, Piece: pi, Begin: bi * meta.BlockLength})
					m.remainingBlocks++
				} else {
					kept = append(kept, o)
				}
			}
			b.owners = kept
			if len(b.owners) == 0 {
				b.status = StatusWant
			}
		}
	}
	return expired
}

// Outcome describes what happened after a block of data was applied.
type Outcome int

const (
	// OutcomeAccepted means the block was stored; the piece isn't complete
	// yet.
	OutcomeAccepted Outcome = iota
	// OutcomeDuplicate means this block was already done (e.g. from an
	// end-game race); the data was ignored.
	OutcomeDuplicate
	// OutcomeVerified means the block completed the piece and its hash
	// matched; PieceData carries the assembled bytes.
	OutcomeVerified
	// OutcomeCorrupt means the block completed the piece but the hash
	// didn't match; every block in the piece is reset to want.
	OutcomeCorrupt
)

// ApplyBlock records a received block's payload. When it is the piece's last
// outstanding block, the piece is assembled and SHA-1 verified in the same
// call. redundant lists peers whose in-flight requests for the same block are
// now wasted and should be cancelled (end-game mode).
func (m *Manager) ApplyBlock(from netip.AddrPort, pieceIdx, begin int, data []byte) (outcome Outcome, pieceData []byte, redundant []netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= len(m.pieces) {
		return OutcomeDuplicate, nil, nil
	}
	p := m.pieces[pieceIdx]
	bi := begin / meta.BlockLength
	if bi < 0 || bi >= p.blockCount {
		return OutcomeDuplicate, nil, nil
	}
	b := p.blocks[bi]
	if b.status == StatusDone {
		return OutcomeDuplicate, nil, nil
	}

	copy(p.buf[begin:], data)
	b.status = StatusDone
	p.doneBlocks++

	for _, o := range b.owners {
		if o.peer != from {
			redundant = append(redundant, o.peer)
		}
	}
	b.owners = nil

	if p.doneBlocks < p.blockCount {
		return OutcomeAccepted, nil, redundant
	}

	if sha1.Sum(p.buf) != p.hash {
		for _, b := range p.blocks {
			b.status = StatusWant
			b.owners = nil
		}
		m.remainingBlocks += p.blockCount
		p.doneBlocks = 0
		return OutcomeCorrupt, nil, redundant
	}

	p.verified = true
	out := p.buf
	p.buf = nil
	if m.nextPiece == pieceIdx {
		m.nextPiece++
		m.nextBlock = 0
	}
	return OutcomeVerified, out, redundant
}
