// Package metainfo is the typed view over a decoded .torrent file: it
// derives info_hash, piece counts, and per-piece hashes from the bencode
// tree without ever re-encoding the info dictionary through a lossy
// intermediate representation.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/spaolacci/murmur3"

	"github.com/gorent-dev/gorent/internal/bencode"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
)

const pieceHashLen = 20

// Metainfo is a typed, validated view over a single-file torrent.
type Metainfo struct {
	Announce    string
	Name        string
	Length      int64
	PieceLength int64
	Pieces      []byte // pieceCount*20 raw SHA-1 hashes, concatenated
	infoHash    [20]byte
}

// Load reads and decodes a .torrent file from path.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.IO, "read torrent file", err)
	}
	return Parse(data)
}

// Parse decodes raw .torrent file bytes into a validated Metainfo.
func Parse(data []byte) (*Metainfo, error) {
	root, _, err := bencode.Decode(data)
	if err != nil {
		return nil, errs.New(errs.Bencode, "decode torrent file", err)
	}
	if root.Kind != bencode.KindDict {
		return nil, errs.New(errs.Metainfo, "decode torrent file", fmt.Errorf("top-level value is not a dictionary"))
	}

	announceVal, ok := root.Get("announce")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse metainfo", fmt.Errorf("missing 'announce' key"))
	}
	announceBytes, ok := announceVal.Bytes()
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse metainfo", fmt.Errorf("'announce' is not a byte string"))
	}

	infoVal, ok := root.Get("info")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse metainfo", fmt.Errorf("missing 'info' key"))
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, errs.New(errs.Metainfo, "parse metainfo", fmt.Errorf("'info' is not a dictionary"))
	}

	m, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}
	m.Announce = string(announceBytes)

	// info_hash is the SHA-1 of the exact bytes that decoded to the info
	// value, never a re-encoding of the typed tree.
	m.infoHash = sha1.Sum(infoVal.Raw)

	logging.Log().WithField("info_fingerprint", fmt.Sprintf("%08x", murmur3.Sum32(infoVal.Raw))).
		Debug("parsed metainfo info dictionary")

	return m, nil
}

func parseInfo(info bencode.Value) (*Metainfo, error) {
	nameVal, ok := info.Get("name")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("missing 'name' key"))
	}
	nameBytes, ok := nameVal.Bytes()
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("'name' is not a byte string"))
	}

	pieceLengthVal, ok := info.Get("piece length")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("missing 'piece length' key"))
	}
	pieceLength, ok := pieceLengthVal.IntVal()
	if !ok || pieceLength <= 0 {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("'piece length' must be a positive integer"))
	}

	lengthVal, ok := info.Get("length")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("missing 'length' key (multi-file torrents are not supported)"))
	}
	length, ok := lengthVal.IntVal()
	if !ok || length <= 0 {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("'length' must be a positive integer"))
	}

	piecesVal, ok := info.Get("pieces")
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("missing 'pieces' key"))
	}
	piecesBytes, ok := piecesVal.Bytes()
	if !ok {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("'pieces' is not a byte string"))
	}
	if len(piecesBytes)%pieceHashLen != 0 {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf("'pieces' length %d is not a multiple of %d", len(piecesBytes), pieceHashLen))
	}

	pieceCount := int64(len(piecesBytes) / pieceHashLen)
	expectedCount := (length + pieceLength - 1) / pieceLength
	if expectedCount != pieceCount {
		return nil, errs.New(errs.Metainfo, "parse info", fmt.Errorf(
			"piece count mismatch: ceil(length/piece_length)=%d but pieces holds %d hashes", expectedCount, pieceCount))
	}

	return &Metainfo{
		Name:        string(nameBytes),
		Length:      length,
		PieceLength: pieceLength,
		Pieces:      piecesBytes,
	}, nil
}

// InfoHash returns the SHA-1 identity of the torrent.
func (m *Metainfo) InfoHash() [20]byte {
	return m.infoHash
}

// PieceCount returns the number of pieces in the torrent.
func (m *Metainfo) PieceCount() uint32 {
	return uint32(len(m.Pieces) / pieceHashLen)
}

// PieceLengthAt returns the nominal length of the piece at index: the
// full piece_length, except for the last piece whose length is the
// remainder of length.
func (m *Metainfo) PieceLengthAt(index uint32) (int64, error) {
	count := m.PieceCount()
	if index >= count {
		return 0, errs.New(errs.Metainfo, "piece length", fmt.Errorf("piece index %d out of range [0,%d)", index, count))
	}
	if index == count-1 {
		remainder := m.Length - int64(count-1)*m.PieceLength
		return remainder, nil
	}
	return m.PieceLength, nil
}

// PieceHash returns the expected SHA-1 hash of the piece at index.
func (m *Metainfo) PieceHash(index uint32) ([20]byte, error) {
	var h [20]byte
	count := m.PieceCount()
	if index >= count {
		return h, errs.New(errs.Metainfo, "piece hash", fmt.Errorf("piece index %d out of range [0,%d)", index, count))
	}
	copy(h[:], m.Pieces[int(index)*pieceHashLen:int(index)*pieceHashLen+pieceHashLen])
	return h, nil
}
