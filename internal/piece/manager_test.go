package piece

import (
	"crypto/sha1"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
)

func testDescriptor(t *testing.T, length int64, pieceLength int64) *meta.Descriptor {
	t.Helper()
	n := int((length + pieceLength - 1) / pieceLength)
	hashes := make([][sha1.Size]byte, n)
	return &meta.Descriptor{Length: length, PieceLength: pieceLength, PieceHashes: hashes}
}

func fillVerifiedHashes(d *meta.Descriptor, data []byte) {
	for i := 0; i < d.PieceCount(); i++ {
		start := int64(i) * d.PieceLength
		end := start + d.PieceLengthAt(i)
		d.PieceHashes[i] = sha1.Sum(data[start:end])
	}
}

func TestManager_ApplyBlock_SingleBlockPiece_Verified(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}
	d := testDescriptor(t, 10, 10)
	fillVerifiedHashes(d, data)

	m := NewManager(d, 10)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	outcome, piece, _ := m.ApplyBlock(peer, 0, 0, data)
	if outcome != OutcomeVerified {
		t.Fatalf("outcome = %v, want OutcomeVerified", outcome)
	}
	if string(piece) != string(data) {
		t.Fatalf("assembled piece mismatch")
	}
	if !m.Done() {
		t.Fatalf("manager should be done")
	}
}

func TestManager_ApplyBlock_Corrupt(t *testing.T) {
	d := testDescriptor(t, 10, 10)
	d.PieceHashes[0] = [sha1.Size]byte{0xFF}

	m := NewManager(d, 10)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	outcome, _, _ := m.ApplyBlock(peer, 0, 0, make([]byte, 10))
	if outcome != OutcomeCorrupt {
		t.Fatalf("outcome = %v, want OutcomeCorrupt", outcome)
	}
	if m.Done() {
		t.Fatalf("manager should not be done after corrupt piece")
	}
}

func TestManager_ApplyBlock_Duplicate(t *testing.T) {
	data := make([]byte, 10)
	d := testDescriptor(t, 10, 10)
	fillVerifiedHashes(d, data)

	m := NewManager(d, 10)
	peerA := netip.MustParseAddrPort("1.2.3.4:6881")
	peerB := netip.MustParseAddrPort("5.6.7.8:6881")

	m.ApplyBlock(peerA, 0, 0, data)
	outcome, _, _ := m.ApplyBlock(peerB, 0, 0, data)
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %v, want OutcomeDuplicate", outcome)
	}
}

func TestAvailabilityBucket_RarestFirst(t *testing.T) {
	d := testDescriptor(t, 30, 10)
	m := NewManager(d, 5)

	m.PieceAvailable(0)
	m.PieceAvailable(0)
	m.PieceAvailable(1)

	a, ok := m.avail.FirstNonEmpty()
	if !ok {
		t.Fatalf("expected a non-empty bucket")
	}
	if a != 0 {
		t.Fatalf("lowest bucket = %d, want 0 (piece 2 has no owners)", a)
	}
	bucket := m.avail.Bucket(0)
	if len(bucket) != 1 || bucket[0] != 2 {
		t.Fatalf("bucket 0 = %v, want [2]", bucket)
	}
}

func TestManager_AssignBlocks_Sequential(t *testing.T) {
	d := testDescriptor(t, 40, 10)
	m := NewManager(d, 5)
	peer := netip.MustParseAddrPort("1.2.3.4:6881")

	raw := []byte{0xF0} // pieces 0-3 available
	peerBF, err := bitfield.Decode(raw, 4)
	if err != nil {
		t.Fatalf("bitfield: %v", err)
	}

	blocks := m.AssignBlocks(peer, peerBF, 2, false)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(blocks))
	}
	if blocks[0].Piece != 0 || blocks[1].Piece != 1 {
		t.Fatalf("unexpected assignment order: %+v", blocks)
	}
}
