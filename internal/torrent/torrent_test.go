package torrent

import (
	"crypto/sha1"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/config"
)

func singleFileMetainfo(t *testing.T, pieceData []byte) []byte {
	t.Helper()

	hash := sha1.Sum(pieceData)
	info := map[string]any{
		"name":         "controller-test.bin",
		"piece length": int64(len(pieceData)),
		"pieces":       hash[:],
		"length":       int64(len(pieceData)),
	}
	root := map[string]any{"announce": "http://127.0.0.1:1/announce", "info": info}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal metainfo: %v", err)
	}
	return data
}

func withTestConfig(t *testing.T, downloadDir string) {
	t.Helper()
	config.Update(func(c *config.Config) {
		c.DownloadDir = downloadDir
		c.Port = 0
		c.MaxPeers = 5
	})
}

func TestNew_WiresCollaborators(t *testing.T) {
	dir := t.TempDir()
	withTestConfig(t, dir)

	data := singleFileMetainfo(t, []byte("0123456789abcdef"))

	ctrl, err := New(data, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	if ctrl.desc.Name != "controller-test.bin" {
		t.Fatalf("descriptor not wired: %+v", ctrl.desc)
	}

	st := ctrl.Stats()
	if st.Progress != 0 {
		t.Fatalf("fresh torrent should start at 0%% progress, got %v", st.Progress)
	}
}

func TestNew_ResumesFromHaveSetSidecar(t *testing.T) {
	dir := t.TempDir()
	withTestConfig(t, dir)

	pieceData := []byte("0123456789abcdef")
	data := singleFileMetainfo(t, pieceData)

	dataPath := filepath.Join(dir, "controller-test.bin")
	if err := os.WriteFile(dataPath, pieceData, 0o644); err != nil {
		t.Fatalf("seed data file: %v", err)
	}
	// A single piece whose only bit is set is byte 0x80.
	if err := os.WriteFile(dataPath+".have", []byte{0x80}, 0o644); err != nil {
		t.Fatalf("seed sidecar: %v", err)
	}

	ctrl, err := New(data, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	st := ctrl.Stats()
	if st.Progress != 100 {
		t.Fatalf("resumed torrent should report 100%% progress, got %v", st.Progress)
	}
}

func TestNew_RejectsMalformedMetainfo(t *testing.T) {
	dir := t.TempDir()
	withTestConfig(t, dir)

	if _, err := New([]byte("not bencode"), slog.Default()); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestBuildAnnounceParams_ReflectsDescriptorAndStats(t *testing.T) {
	dir := t.TempDir()
	withTestConfig(t, dir)

	data := singleFileMetainfo(t, []byte("0123456789abcdef"))
	ctrl, err := New(data, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ctrl.Close()

	params := ctrl.buildAnnounceParams()
	if params.InfoHash != ctrl.desc.InfoHash {
		t.Fatalf("info hash mismatch")
	}
	if params.Left != uint64(ctrl.desc.Length) {
		t.Fatalf("left = %d, want %d", params.Left, ctrl.desc.Length)
	}
}
