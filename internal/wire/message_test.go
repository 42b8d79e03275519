package wire

import (
	"bytes"
	"testing"
)

func TestEncode_Request_Literal(t *testing.T) {
	m := NewRequest(10, 20, 30)
	got := Encode(m)
	want := []byte{
		0x00, 0x00, 0x00, 0x0d,
		0x06,
		0x00, 0x00, 0x00, 0x0a,
		0x00, 0x00, 0x00, 0x14,
		0x00, 0x00, 0x00, 0x1e,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(Request) = % x, want % x", got, want)
	}

	decoded, rest, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %d bytes, want 0", len(rest))
	}
	idx, begin, length, ok := decoded.ParseRequest()
	if !ok || idx != 10 || begin != 20 || length != 30 {
		t.Fatalf("ParseRequest = (%d,%d,%d,%v), want (10,20,30,true)", idx, begin, length, ok)
	}
}

func TestEncode_KeepAlive(t *testing.T) {
	got := Encode(nil)
	if !bytes.Equal(got, []byte{0, 0, 0, 0}) {
		t.Fatalf("keep-alive bytes = % x", got)
	}

	msg, rest, err := Decode(got)
	if err != nil || msg != nil || len(rest) != 0 {
		t.Fatalf("Decode(keep-alive) = (%v,%v,%v)", msg, rest, err)
	}
}

func TestDecode_RoundTripAllVariants(t *testing.T) {
	variants := []*Message{
		NewChoke(), NewUnchoke(), NewInterested(), NewNotInterested(),
		NewHave(42), NewBitfield([]byte{0x55, 0x40}),
		NewRequest(1, 2, 3), NewPiece(1, 2, []byte("blockdata")),
		NewCancel(1, 2, 3), NewPort(6881),
	}

	for _, m := range variants {
		b := Encode(m)
		got, rest, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", m.ID, err)
		}
		if len(rest) != 0 {
			t.Fatalf("Decode(%s) left %d bytes", m.ID, len(rest))
		}
		if got.ID != m.ID || !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("Decode(%s) = %+v, want %+v", m.ID, got, m)
		}
	}
}

func TestDecode_Incomplete(t *testing.T) {
	full := Encode(NewRequest(1, 2, 3))
	for n := 0; n < len(full); n++ {
		_, rest, err := Decode(full[:n])
		if err != ErrIncomplete {
			t.Fatalf("Decode(%d bytes) err = %v, want ErrIncomplete", n, err)
		}
		if len(rest) != n {
			t.Fatalf("Decode(%d bytes) should retain the full buffer on Incomplete", n)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"unknown id", []byte{0, 0, 0, 1, 0xff}},
		{"have short payload", []byte{0, 0, 0, 3, 4, 0, 0}},
		{"request wrong size", []byte{0, 0, 0, 5, 6, 1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := Decode(tt.buf); err != ErrMalformed {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecode_TrailingBytesPreserved(t *testing.T) {
	first := Encode(NewChoke())
	second := Encode(NewUnchoke())
	buf := append(first, second...)

	m1, rest, err := Decode(buf)
	if err != nil || m1.ID != Choke {
		t.Fatalf("first decode = (%v,%v)", m1, err)
	}
	m2, rest, err := Decode(rest)
	if err != nil || m2.ID != Unchoke || len(rest) != 0 {
		t.Fatalf("second decode = (%v,%v,%d)", m2, err, len(rest))
	}
}
