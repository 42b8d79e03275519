package wire

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"
)

func TestHandshake_MarshalBinary_Literal(t *testing.T) {
	var info [sha1.Size]byte
	var peer [sha1.Size]byte
	for i := range peer {
		peer[i] = 0x41
	}

	h := NewHandshake(info, peer)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary error: %v", err)
	}

	if len(b) != 68 {
		t.Fatalf("length = %d, want 68", len(b))
	}
	if b[0] != 19 {
		t.Fatalf("pstrlen = %d, want 19", b[0])
	}
	if string(b[1:20]) != protocolString {
		t.Fatalf("pstr = %q, want %q", b[1:20], protocolString)
	}
	if !bytes.Equal(b[20:28], make([]byte, 8)) {
		t.Fatalf("reserved not zeroed: %v", b[20:28])
	}
	if !bytes.Equal(b[28:48], make([]byte, 20)) {
		t.Fatalf("info hash mismatch: %x", b[28:48])
	}
	want := bytes.Repeat([]byte{0x41}, 20)
	if !bytes.Equal(b[48:68], want) {
		t.Fatalf("peer id mismatch: %x", b[48:68])
	}
}

func TestHandshake_RoundTrip(t *testing.T) {
	var info, peer [sha1.Size]byte
	copy(info[:], "info_hash_1234567890")
	copy(peer[:], "peer_id_abcdefghijkl")

	h := NewHandshake(info, peer)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Pstr != protocolString || got.InfoHash != info || got.PeerID != peer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshake_ReadFrom_ShortRead(t *testing.T) {
	var h Handshake
	_, err := h.ReadFrom(bytes.NewReader([]byte{19, 'B', 'i', 't'}))
	if err != ErrShortHandshake {
		t.Fatalf("err = %v, want ErrShortHandshake", err)
	}
}

func TestHandshake_Validate(t *testing.T) {
	var ours, theirs [sha1.Size]byte
	ours[0] = 1
	theirs[0] = 2

	h := &Handshake{Pstr: protocolString, InfoHash: theirs}
	if err := h.Validate(ours, true); err != ErrInfoHashMismatch {
		t.Fatalf("err = %v, want ErrInfoHashMismatch", err)
	}

	h2 := &Handshake{Pstr: "garbage"}
	if err := h2.Validate(ours, false); err != ErrProtocolMismatch {
		t.Fatalf("err = %v, want ErrProtocolMismatch", err)
	}

	h3 := &Handshake{Pstr: protocolString, InfoHash: ours}
	if err := h3.Validate(ours, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandshake_WriteThenRead(t *testing.T) {
	var info, peer [sha1.Size]byte
	copy(info[:], strings.Repeat("z", 20))
	copy(peer[:], strings.Repeat("q", 20))

	var buf bytes.Buffer
	h := NewHandshake(info, peer)
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got.InfoHash != info || got.PeerID != peer {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
