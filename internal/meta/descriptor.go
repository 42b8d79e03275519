package meta

import "crypto/sha1"

// BlockLength is the fixed size of a requestable sub-chunk of a piece.
const BlockLength = 16 * 1024

// Descriptor is the immutable, parsed shape of a single-file torrent that the
// engine consumes. It never changes after construction.
type Descriptor struct {
	Announce     string
	AnnounceList [][]string
	Name         string
	InfoHash     [sha1.Size]byte
	PieceLength  int64
	Length       int64
	PieceHashes  [][sha1.Size]byte
}

// PieceCount returns P = ceil(N/L).
func (d *Descriptor) PieceCount() int { return len(d.PieceHashes) }

// PieceLengthAt returns the exact length of piece i, honoring the shorter
// final piece: ((N-1) mod L)+1.
func (d *Descriptor) PieceLengthAt(i int) int64 {
	if i == d.PieceCount()-1 {
		return ((d.Length - 1) % d.PieceLength) + 1
	}
	return d.PieceLength
}

// BlockCount returns the number of BlockLength-sized requests piece i needs.
func (d *Descriptor) BlockCount(i int) int {
	pl := d.PieceLengthAt(i)
	return int((pl + BlockLength - 1) / BlockLength)
}

// BlockLengthAt returns the exact length of block bi within piece i, honoring
// the shorter final block: ((l-1) mod B)+1.
func (d *Descriptor) BlockLengthAt(i, bi int) int64 {
	pl := d.PieceLengthAt(i)
	if bi == d.BlockCount(i)-1 {
		return ((pl - 1) % BlockLength) + 1
	}
	return BlockLength
}
