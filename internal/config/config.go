// Package config holds the engine's tunables. A single instance is created
// at startup (from defaults plus CLI overrides) and treated as read-only
// afterwards; components that need live tuning use Update to swap in a new
// snapshot atomically.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// PieceDownloadStrategy enumerates high-level piece selection policies the
// picker can apply.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom samples uniformly among eligible pieces.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	DownloadDir string
	ClientID    [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int
	Port         uint16

	// ========== Tracker / Announce ==========

	NumWant             uint32
	AnnounceInterval    time.Duration
	MinAnnounceInterval time.Duration
	MaxAnnounceBackoff  time.Duration
	TrackerHTTPTimeout  time.Duration
	TrackerUDPRetries   int

	// ========== Rate limits ==========

	MaxUploadRate            int64
	MaxDownloadRate          int64
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	// ========== Piece picker / requests ==========

	PieceDownloadStrategy      PieceDownloadStrategy
	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestTimeout             time.Duration
	EndgameDupPerBlock         int
	EndgameThreshold           int

	// ========== Seeding / choking ==========

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration

	// ========== Keepalive ==========

	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	KeepAliveInterval      time.Duration

	// ========== Observability ==========

	MetricsEnabled  bool
	MetricsBindAddr string

	// ========== Miscellaneous ==========

	EnableIPv6 bool
}

func defaultConfig() Config {
	clientID, err := generateClientID()
	if err != nil {
		panic(err)
	}

	return Config{
		DownloadDir:                defaultDownloadDir(),
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		Port:                       6881,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        5 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		TrackerHTTPTimeout:         30 * time.Second,
		TrackerUDPRetries:          8,
		MaxUploadRate:              0,
		MaxDownloadRate:            0,
		RateLimitRefresh:           200 * time.Millisecond,
		PeerOutboundQueueBacklog:   256,
		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           30,
		UploadSlots:                4,
		RechokeInterval:            10 * time.Second,
		OptimisticUnchokeInterval:  30 * time.Second,
		PeerHeartbeatInterval:      60 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
		KeepAliveInterval:          90 * time.Second,
		MetricsEnabled:             false,
		MetricsBindAddr:            ":9090",
		EnableIPv6:                 hasIPv6(),
	}
}

var cfg atomic.Value

func init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current snapshot. Treat the result as read-only.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current snapshot and swaps it in.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the snapshot wholesale, e.g. after parsing CLI flags.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}
	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default:
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte
	prefix := []byte("-RB0001-")
	copy(peerID[:], prefix)
	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return peerID, nil
}
