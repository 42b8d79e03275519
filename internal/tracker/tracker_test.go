package tracker

import (
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/eventbus"
)

func TestNewTracker_RequiresBus(t *testing.T) {
	_, err := NewTracker("http://tracker", nil, &TrackerOpts{
		Log:               slog.Default(),
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err == nil {
		t.Fatal("expected error for missing Bus")
	}
}

func TestNewTracker_BuildsTiersAndWiresBus(t *testing.T) {
	bus := eventbus.New(8)
	tr, err := NewTracker("http://tracker", [][]string{{"udp://t2"}}, &TrackerOpts{
		Log:               slog.Default(),
		Bus:               bus,
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]netip.AddrPort) {},
	})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if len(tr.tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(tr.tiers))
	}
	if tr.bus != bus {
		t.Fatal("bus not wired into tracker")
	}
}

func TestCalculateBackoff_BoundedByMax(t *testing.T) {
	config.Update(func(c *config.Config) { c.MaxAnnounceBackoff = 20 * time.Second })

	d := calculateBackoff(10, maxBackoffShift)
	if d > 20*time.Second {
		t.Fatalf("backoff %v exceeds MaxAnnounceBackoff", d)
	}
}

func TestGetNextAnnounceInterval_FloorsAtMinAnnounceInterval(t *testing.T) {
	config.Update(func(c *config.Config) { c.MinAnnounceInterval = 5 * time.Minute })

	got := getNextAnnounceInterval(&AnnounceResponse{Interval: 30 * time.Second})
	if got != 5*time.Minute {
		t.Fatalf("interval = %v, want 5m floor", got)
	}
}

func TestBuildAnnounceURLs_SkipsUnsupportedSchemes(t *testing.T) {
	tiers, err := buildAnnounceURLs("ws://bad", [][]string{{"http://ok", "ws://bad2"}})
	if err != nil {
		t.Fatalf("buildAnnounceURLs: %v", err)
	}
	if len(tiers) != 1 || len(tiers[0]) != 1 {
		t.Fatalf("tiers = %+v", tiers)
	}
}
