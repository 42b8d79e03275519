package storage

import (
	"crypto/sha1"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/internal/meta"
)

func testDescriptor(t *testing.T, name string, length, pieceLength int64) *meta.Descriptor {
	t.Helper()

	n := int((length + pieceLength - 1) / pieceLength)
	hashes := make([][sha1.Size]byte, n)
	return &meta.Descriptor{
		Name:        name,
		Length:      length,
		PieceLength: pieceLength,
		PieceHashes: hashes,
	}
}

func TestStore_WriteAndReadBlock(t *testing.T) {
	dir := t.TempDir()
	desc := testDescriptor(t, "file.bin", 30, 10)

	s, err := New(desc, dir, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	piece1 := []byte("bbbbbbbbbb")
	if err := s.WritePiece(1, piece1); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	block, err := s.ReadBlock(1, 2, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(block) != "bbbb" {
		t.Fatalf("ReadBlock = %q, want %q", block, "bbbb")
	}
}

func TestStore_ResumeFromSidecar(t *testing.T) {
	dir := t.TempDir()
	desc := testDescriptor(t, "file.bin", 30, 10)

	s, err := New(desc, dir, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.WritePiece(0, []byte("aaaaaaaaaa")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if err := s.WritePiece(2, []byte("cccccccccc")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := New(desc, dir, slog.Default())
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer s2.Close()

	have := s2.Have()
	want := map[int]bool{0: true, 2: true}
	if len(have) != len(want) {
		t.Fatalf("Have() = %v, want pieces %v", have, want)
	}
	for _, i := range have {
		if !want[i] {
			t.Fatalf("unexpected piece %d in have-set", i)
		}
	}
}

func TestStore_SidecarSurvivesAcrossRenames(t *testing.T) {
	dir := t.TempDir()
	desc := testDescriptor(t, "file.bin", 10, 10)

	s, err := New(desc, dir, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, []byte("0123456789")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "file.bin.have")); err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "file.bin.have.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp sidecar file left behind: %v", err)
	}
}
