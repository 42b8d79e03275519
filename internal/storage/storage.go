// Package storage persists a single-file torrent's verified pieces to disk.
// It keeps a have-set sidecar alongside the data file so a restart can
// resume a partially-downloaded torrent without re-verifying pieces it
// already wrote.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
)

const sidecarSuffix = ".have"

// Store is the on-disk home for one torrent's data and have-set.
type Store struct {
	log  *slog.Logger
	desc *meta.Descriptor

	dataPath    string
	sidecarPath string

	mu   sync.Mutex
	f    *os.File
	have bitfield.Bitfield
}

// New opens (creating if necessary) the data file for desc under
// downloadDir, sized to desc.Length, and loads any existing have-set
// sidecar.
func New(desc *meta.Descriptor, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage", "name", desc.Name)

	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", downloadDir, err)
	}

	dataPath := filepath.Join(downloadDir, desc.Name)
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dataPath, err)
	}
	if err := f.Truncate(desc.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: truncate %s: %w", dataPath, err)
	}

	s := &Store{
		log:         log,
		desc:        desc,
		dataPath:    dataPath,
		sidecarPath: dataPath + sidecarSuffix,
		f:           f,
		have:        bitfield.New(desc.PieceCount()),
	}

	if err := s.loadSidecar(); err != nil {
		log.Warn("have-set sidecar unreadable, starting fresh", "error", err)
	}

	return s, nil
}

// Have reports which pieces were already verified on a previous run, per the
// sidecar loaded at construction time. The caller (internal/torrent) feeds
// these into piece.Manager.MarkVerified before starting the swarm.
func (s *Store) Have() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Indices()
}

// WritePiece writes a verified piece's bytes at its offset, fsyncs the data,
// then durably records the piece in the have-set sidecar (temp file, fsync,
// rename) before returning. A crash between the data write and the sidecar
// rename loses only the have-bit, not the data — the piece is simply
// downloaded again after the next resume.
func (s *Store) WritePiece(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := int64(index) * s.desc.PieceLength
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("storage: write piece %d: %w", index, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("storage: fsync piece %d: %w", index, err)
	}

	s.have.Set(index)
	return s.writeSidecar()
}

// ReadBlock serves length bytes starting at begin within piece, for an
// outgoing upload. It returns an error for a piece not marked have or a range
// that runs outside the piece.
func (s *Store) ReadBlock(piece, begin, length int) ([]byte, error) {
	s.mu.Lock()
	if !s.have.Has(piece) || begin < 0 || length < 0 ||
		int64(begin)+int64(length) > s.desc.PieceLengthAt(piece) {
		s.mu.Unlock()
		return nil, fmt.Errorf("storage: piece %d range %d+%d not available", piece, begin, length)
	}
	offset := int64(piece)*s.desc.PieceLength + int64(begin)
	buf := make([]byte, length)
	_, err := s.f.ReadAt(buf, offset)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("storage: read piece %d begin %d: %w", piece, begin, err)
	}
	return buf, nil
}

// Close flushes and closes the underlying data file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func (s *Store) loadSidecar() error {
	raw, err := os.ReadFile(s.sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	bf, err := bitfield.Decode(raw, s.desc.PieceCount())
	if err != nil {
		return err
	}
	s.have = bf
	return nil
}

// writeSidecar durably persists the have-set: write to a temp file in the
// same directory, fsync it, then rename over the sidecar path. Rename is
// atomic on the same filesystem, so a reader never observes a half-written
// sidecar.
func (s *Store) writeSidecar() error {
	tmp := s.sidecarPath + ".tmp"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: sidecar temp file: %w", err)
	}

	if _, err := f.Write(s.have.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("storage: sidecar write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: sidecar fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: sidecar close: %w", err)
	}

	if err := os.Rename(tmp, s.sidecarPath); err != nil {
		return fmt.Errorf("storage: sidecar rename: %w", err)
	}
	return nil
}
