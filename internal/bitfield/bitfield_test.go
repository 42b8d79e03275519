package bitfield

import (
	"bytes"
	"testing"
)

func TestFromSet_Literal(t *testing.T) {
	set := map[int]struct{}{1: {}, 3: {}, 5: {}, 7: {}, 9: {}}
	bf := FromSet(10, set)
	want := []byte{0x55, 0x40}
	if !bytes.Equal(bf.Bytes(), want) {
		t.Fatalf("bytes = % x, want % x", bf.Bytes(), want)
	}

	for i := 0; i < 10; i++ {
		_, wantSet := set[i]
		if bf.Has(i) != wantSet {
			t.Fatalf("Has(%d) = %v, want %v", i, bf.Has(i), wantSet)
		}
	}
}

func TestDecode_WrongLength(t *testing.T) {
	if _, err := Decode([]byte{0x00}, 10); err != ErrLength {
		t.Fatalf("err = %v, want ErrLength", err)
	}
	if _, err := Decode([]byte{0x00, 0x00}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTrailingBitsZero(t *testing.T) {
	bf := New(10)
	bf.Set(9)
	if !bf.TrailingBitsZero(10) {
		t.Fatalf("expected trailing bits zero for a valid P=10 bitfield")
	}

	bf2 := New(10)
	bf2.Set(15) // bit 15 is in the trailing padding of byte 1 for P=10
	if bf2.TrailingBitsZero(10) {
		t.Fatalf("expected trailing bit violation to be detected")
	}
}

func TestSetClear(t *testing.T) {
	bf := New(4)
	if bf.Has(0) {
		t.Fatalf("new bitfield should be empty")
	}
	if !bf.Set(0) {
		t.Fatalf("Set on unset bit should report change")
	}
	if bf.Set(0) {
		t.Fatalf("Set on already-set bit should report no change")
	}
	if !bf.Has(0) {
		t.Fatalf("bit 0 should be set")
	}
	if !bf.Clear(0) {
		t.Fatalf("Clear on set bit should report change")
	}
	if bf.Has(0) {
		t.Fatalf("bit 0 should be cleared")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)
	if bf.Has(100) {
		t.Fatalf("out-of-range Has should be false")
	}
	if bf.Set(100) {
		t.Fatalf("out-of-range Set should report no change")
	}
}
