package peer

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/prxssh/rabbit/internal/eventbus"
	"github.com/prxssh/rabbit/internal/wire"
)

func pipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	bus := eventbus.New(16)
	s := newSession(client, addr, slog.Default(), bus, 10, nil)
	return s, server
}

func TestSession_StateMasks(t *testing.T) {
	s, server := pipeSession(t)
	defer server.Close()
	defer s.Close()

	if !s.AmChoking() || !s.PeerChoking() {
		t.Fatalf("new session should start choking both directions")
	}
	if s.AmInterested() || s.PeerInterested() {
		t.Fatalf("new session should start uninterested both directions")
	}

	s.setState(maskAmInterested, true)
	if !s.AmInterested() {
		t.Fatalf("expected AmInterested true")
	}
	s.setState(maskAmInterested, false)
	if s.AmInterested() {
		t.Fatalf("expected AmInterested false")
	}
}

func TestSession_EnqueueAfterClose(t *testing.T) {
	s, server := pipeSession(t)
	defer server.Close()

	s.Close()
	if s.enqueue(nil) {
		t.Fatalf("enqueue should fail after Close")
	}
}

func TestSession_HandleChokeUnchoke(t *testing.T) {
	s, server := pipeSession(t)
	defer server.Close()
	defer s.Close()

	if err := s.handle(wire.NewChoke()); err != nil {
		t.Fatalf("handle choke: %v", err)
	}
	if !s.PeerChoking() {
		t.Fatalf("expected PeerChoking true after Choke")
	}

	if err := s.handle(wire.NewUnchoke()); err != nil {
		t.Fatalf("handle unchoke: %v", err)
	}
	if s.PeerChoking() {
		t.Fatalf("expected PeerChoking false after Unchoke")
	}
}
