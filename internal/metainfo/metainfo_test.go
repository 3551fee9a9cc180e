package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"
)

func fakeHash(b byte) [20]byte {
	var h [20]byte
	for i := range h {
		h[i] = b
	}
	return h
}

// buildInfo returns the exact bencoded bytes of an info dict with the
// given fields, keys already in ascending order (length, name, piece
// length, pieces).
func buildInfo(pieceLength, length int64, hashes [][20]byte) string {
	var pieces bytes.Buffer
	for _, h := range hashes {
		pieces.Write(h[:])
	}
	return fmt.Sprintf("d6:lengthi%de4:name8:test.iso12:piece lengthi%de6:pieces%d:%se",
		length, pieceLength, pieces.Len(), pieces.String())
}

func buildTorrent(announce, info string) []byte {
	return []byte(fmt.Sprintf("d8:announce%d:%s4:info%se", len(announce), announce, info))
}

// TestParseAndPieceMath checks piece_length = 32768, length = 81920
// gives 3 pieces, the last only 16384 bytes.
func TestParseAndPieceMath(t *testing.T) {
	pieceLength := int64(32768)
	length := int64(81920)
	hashes := [][20]byte{fakeHash(1), fakeHash(2), fakeHash(3)}
	announce := "http://tracker.test/announce"

	info := buildInfo(pieceLength, length, hashes)
	torrentBytes := buildTorrent(announce, info)

	m, err := Parse(torrentBytes)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if m.Announce != announce {
		t.Errorf("Announce = %q, want %q", m.Announce, announce)
	}
	if m.PieceCount() != 3 {
		t.Errorf("PieceCount = %d, want 3", m.PieceCount())
	}

	pl0, err := m.PieceLengthAt(0)
	if err != nil || pl0 != pieceLength {
		t.Errorf("PieceLengthAt(0) = %d, %v; want %d, nil", pl0, err, pieceLength)
	}
	plLast, err := m.PieceLengthAt(2)
	if err != nil || plLast != 16384 {
		t.Errorf("PieceLengthAt(2) = %d, %v; want 16384, nil", plLast, err)
	}

	h0, err := m.PieceHash(0)
	if err != nil || h0 != hashes[0] {
		t.Errorf("PieceHash(0) = %x, %v; want %x", h0, err, hashes[0])
	}

	want := sha1.Sum([]byte(info))
	if got := m.InfoHash(); got != want {
		t.Errorf("InfoHash = %x, want %x", got, want)
	}
}

func TestParseRejectsPieceCountMismatch(t *testing.T) {
	// length implies 3 pieces but only 2 hashes are supplied.
	hashes := [][20]byte{fakeHash(1), fakeHash(2)}
	info := buildInfo(32768, 81920, hashes)
	torrentBytes := buildTorrent("http://tracker.test/announce", info)

	if _, err := Parse(torrentBytes); err == nil {
		t.Fatal("expected piece count mismatch error, got none")
	}
}

func TestParseRejectsMissingAnnounce(t *testing.T) {
	info := buildInfo(1, 0, nil)
	torrentBytes := []byte(fmt.Sprintf("d4:info%se", info))
	if _, err := Parse(torrentBytes); err == nil {
		t.Fatal("expected missing announce error, got none")
	}
}
