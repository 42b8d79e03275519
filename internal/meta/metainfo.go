package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/errs"
)

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrPieceCountMismatch  = errors.New("metainfo: piece count does not match length/piece length")
)

// Parse decodes a bencoded .torrent file into a Descriptor.
//
// A multi-file info dict (one carrying "files" instead of "length") is
// rejected with a *errs.ConfigurationError — single-file torrents are the
// only layout this engine runs, and this is the only place that decision is
// enforced, so nothing downstream ever observes a multi-file descriptor.
func Parse(data []byte) (*Descriptor, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := tieredStrings(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	infoVal, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoVal.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	desc, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}
	desc.InfoHash = hash
	desc.Announce = announce
	desc.AnnounceList = announceList

	return desc, nil
}

func parseInfo(dict map[string]any) (*Descriptor, error) {
	name, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	nameStr, err := toString(name)
	if err != nil || nameStr == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	pieceLength, err := toInt(plVal)
	if err != nil || pieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	pieces, err := parsePieces(dict["pieces"])
	if err != nil {
		return nil, err
	}

	_, hasFiles := dict["files"]
	lengthVal, hasLength := dict["length"]
	if hasFiles {
		return nil, errs.Configuration("multi-file torrents are not supported")
	}
	if !hasLength {
		return nil, errs.Configuration("single-file torrent missing 'length'")
	}
	length, err := toInt(lengthVal)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("metainfo: invalid 'length'")
	}

	wantPieces := int((length + pieceLength - 1) / pieceLength)
	if wantPieces != len(pieces) {
		return nil, ErrPieceCountMismatch
	}

	return &Descriptor{
		Name:        nameStr,
		PieceLength: pieceLength,
		Length:      length,
		PieceHashes: pieces,
	}, nil
}

func infoHash(info map[string]any) ([sha1.Size]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf), nil
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := range out {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func tieredStrings(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}

	out := make([][]string, 0, len(tiers))
	for i, t := range tiers {
		list, ok := t.([]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: announce-list tier %d: not a list", i)
		}
		ss := make([]string, 0, len(list))
		for _, e := range list {
			s, err := toString(e)
			if err != nil {
				return nil, fmt.Errorf("metainfo: announce-list tier %d: %w", i, err)
			}
			ss = append(ss, s)
		}
		if len(ss) > 0 {
			out = append(out, ss)
		}
	}
	return out, nil
}
