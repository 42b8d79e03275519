package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/errs"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func TestParse_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"pieces":       mkPieces(2),
		"length":       int64(16384 + 100),
	}
	root := map[string]any{"announce": "http://tracker", "info": info}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if d.Announce != "http://tracker" {
		t.Fatalf("announce = %q", d.Announce)
	}
	if d.Name != "file.txt" || d.PieceLength != 16384 || d.Length != 16484 {
		t.Fatalf("descriptor mismatch: %+v", d)
	}
	if d.PieceCount() != 2 {
		t.Fatalf("piece count = %d, want 2", d.PieceCount())
	}

	hashed, _ := bencode.Marshal(info)
	want := sha1.Sum(hashed)
	if d.InfoHash != want {
		t.Fatalf("info hash mismatch")
	}
}

func TestParse_AnnounceListOnly_OK(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}
	tiers := []any{
		[]any{"http://t1", "http://t1b"},
		[]any{"http://t2"},
	}
	root := map[string]any{"announce-list": tiers, "info": info}
	data, _ := bencode.Marshal(root)

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if d.Announce != "" || len(d.AnnounceList) != 2 {
		t.Fatalf("announce/announce-list mismatch: %#v", d)
	}
}

func TestParse_MultiFile_Rejected(t *testing.T) {
	files := []any{map[string]any{"length": int64(10), "path": []any{"a"}}}
	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       mkPieces(1),
		"files":        files,
	}
	root := map[string]any{"announce": "udp://tracker", "info": info}
	data, _ := bencode.Marshal(root)

	_, err := Parse(data)
	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestParse_TopLevelAndRequiredErrors(t *testing.T) {
	data, _ := bencode.Marshal([]any{"x"})
	if _, err := Parse(data); err != ErrTopLevelNotDict {
		t.Fatalf("want ErrTopLevelNotDict, got %v", err)
	}

	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}
	root := map[string]any{"info": info}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrAnnounceMissing {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}

	root = map[string]any{"announce": "x"}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrInfoMissing {
		t.Fatalf("want ErrInfoMissing, got %v", err)
	}

	root = map[string]any{"announce": "x", "info": "oops"}
	data, _ = bencode.Marshal(root)
	if _, err := Parse(data); err != ErrInfoNotDict {
		t.Fatalf("want ErrInfoNotDict, got %v", err)
	}
}

func TestParseInfo_ValidationErrors(t *testing.T) {
	_, err := parseInfo(map[string]any{
		"name":   "f",
		"pieces": mkPieces(1),
		"length": int64(1),
	})
	if err != ErrPieceLenMissing {
		t.Fatalf("want ErrPieceLenMissing, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name": "f", "piece length": int64(0),
		"pieces": mkPieces(1), "length": int64(1),
	})
	if err != ErrPieceLenNonPositive {
		t.Fatalf("want ErrPieceLenNonPositive, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name": "f", "piece length": int64(1), "length": int64(1),
	})
	if err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}

	_, err = parseInfo(map[string]any{
		"name": "f", "piece length": int64(16384),
		"pieces": mkPieces(2), "length": int64(1),
	})
	if err != ErrPieceCountMismatch {
		t.Fatalf("want ErrPieceCountMismatch, got %v", err)
	}
}

func TestParsePieces_Errors(t *testing.T) {
	if _, err := parsePieces(nil); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}
	if _, err := parsePieces([]byte("short")); err != ErrPiecesLenInvalid {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}
}

func TestInfoHash(t *testing.T) {
	info := map[string]any{
		"name": "f", "piece length": int64(1),
		"pieces": mkPieces(1), "length": int64(1),
	}
	got, err := infoHash(info)
	if err != nil {
		t.Fatalf("infoHash error: %v", err)
	}
	b, _ := bencode.Marshal(info)
	if want := sha1.Sum(b); got != want {
		t.Fatalf("hash mismatch")
	}
}

func TestDescriptor_PieceAndBlockArithmetic_Literal(t *testing.T) {
	// N=100, L=30 => P=4, pieces 0..2 length 30, piece 3 length 10.
	d := &Descriptor{
		Length:      100,
		PieceLength: 30,
		PieceHashes: make([][sha1.Size]byte, 4),
	}
	if d.PieceCount() != 4 {
		t.Fatalf("piece count = %d, want 4", d.PieceCount())
	}
	for i := 0; i < 3; i++ {
		if got := d.PieceLengthAt(i); got != 30 {
			t.Fatalf("piece %d length = %d, want 30", i, got)
		}
	}
	if got := d.PieceLengthAt(3); got != 10 {
		t.Fatalf("last piece length = %d, want 10", got)
	}
	// With B=16384 every piece here is a single block of the piece's length.
	if got := d.BlockCount(3); got != 1 {
		t.Fatalf("last piece block count = %d, want 1", got)
	}
	if got := d.BlockLengthAt(3, 0); got != 10 {
		t.Fatalf("last block length = %d, want 10", got)
	}
	if got := d.BlockLengthAt(0, 0); got != 30 {
		t.Fatalf("piece 0 block length = %d, want 30", got)
	}
}
