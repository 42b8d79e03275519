package swarm

import (
	"crypto/sha1"
	"log/slog"
	"testing"

	"github.com/prxssh/rabbit/internal/eventbus"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/piece"
)

func TestNew_StatsStartAtZero(t *testing.T) {
	desc := &meta.Descriptor{Length: 10, PieceLength: 10, PieceHashes: make([][sha1.Size]byte, 1)}
	m := piece.NewManager(desc, 5)
	c := New(Opts{
		Log:    slog.Default(),
		Bus:    eventbus.New(8),
		Pieces: m,
	})

	st := c.Stats()
	if st.TotalPeers != 0 || st.TotalDownloaded != 0 {
		t.Fatalf("expected zero-valued stats, got %+v", st)
	}
}

func TestRemainingBlockEstimate_TracksManager(t *testing.T) {
	desc := &meta.Descriptor{Length: 20, PieceLength: 10, PieceHashes: make([][sha1.Size]byte, 2)}
	m := piece.NewManager(desc, 5)
	c := New(Opts{Log: slog.Default(), Bus: eventbus.New(8), Pieces: m})

	if got := c.remainingBlockEstimate(); got != m.RemainingBlocks() {
		t.Fatalf("remainingBlockEstimate = %d, want %d", got, m.RemainingBlocks())
	}
}
