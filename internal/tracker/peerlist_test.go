package tracker

import (
	"net/netip"
	"testing"
)

func TestDecodeTrackerPeers_CompactV4(t *testing.T) {
	data := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE2}

	peers, err := decodeTrackerPeers(string(data), false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:6881"),
		netip.MustParseAddrPort("10.0.0.1:6882"),
	}
	if len(peers) != len(want) || peers[0] != want[0] || peers[1] != want[1] {
		t.Fatalf("peers = %v, want %v", peers, want)
	}
}

func TestDecodeTrackerPeers_CompactV6(t *testing.T) {
	addr := netip.MustParseAddr("::1")
	a16 := addr.As16()
	data := append(a16[:], 0x1A, 0xE1)

	peers, err := decodeTrackerPeers(data, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 1 || peers[0] != netip.MustParseAddrPort("[::1]:6881") {
		t.Fatalf("peers = %v", peers)
	}
}

func TestDecodeTrackerPeers_CompactMalformedLength(t *testing.T) {
	if _, err := decodeTrackerPeers(string([]byte{1, 2, 3}), false); err == nil {
		t.Fatal("expected error for malformed compact peer string")
	}
}

func TestDecodeTrackerPeers_Dictionary(t *testing.T) {
	list := []any{
		map[string]any{"ip": "127.0.0.1", "port": int64(6881)},
	}
	peers, err := decodeTrackerPeers(list, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 1 || peers[0] != netip.MustParseAddrPort("127.0.0.1:6881") {
		t.Fatalf("peers = %v", peers)
	}
}

func TestDecodeTrackerPeers_DictionaryInvalidPort(t *testing.T) {
	list := []any{
		map[string]any{"ip": "127.0.0.1", "port": int64(99999)},
	}
	if _, err := decodeTrackerPeers(list, false); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestDecodeTrackerPeers_UnsupportedType(t *testing.T) {
	if _, err := decodeTrackerPeers(42, false); err == nil {
		t.Fatal("expected error for unsupported peers type")
	}
}
