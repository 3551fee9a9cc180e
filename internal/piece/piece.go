// Package piece implements block partitioning and offset-indexed
// reassembly of a single piece, plus its SHA-1 verification.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"

	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
)

// Block is a contiguous sub-range of a piece, addressed by offset.
type Block struct {
	Offset uint32
	Length uint32
}

// Plan partitions a piece of the given length into fixed-size blocks
// (config.BlockSize), the last block possibly shorter. Block offsets
// form a disjoint, gap-free partition of [0, pieceLength).
func Plan(pieceLength uint32) []Block {
	var blocks []Block
	for offset := uint32(0); offset < pieceLength; offset += config.BlockSize {
		length := uint32(config.BlockSize)
		if remaining := pieceLength - offset; remaining < length {
			length = remaining
		}
		blocks = append(blocks, Block{Offset: offset, Length: length})
	}
	return blocks
}

// Builder accumulates block responses for one piece-under-construction
// and assembles the result once every block has arrived; checking the
// assembled bytes against their hash is done separately by Verify.
type Builder struct {
	Index       uint32
	pieceLength uint32
	outstanding map[uint32]uint32 // offset -> expected length
	received    map[uint32][]byte // offset -> block bytes
}

// NewBuilder creates a piece-under-construction for index, expecting
// exactly the blocks in plan.
func NewBuilder(index uint32, pieceLength uint32, plan []Block) *Builder {
	outstanding := make(map[uint32]uint32, len(plan))
	for _, b := range plan {
		outstanding[b.Offset] = b.Length
	}
	return &Builder{
		Index:       index,
		pieceLength: pieceLength,
		outstanding: outstanding,
		received:    make(map[uint32][]byte, len(plan)),
	}
}

// Outstanding reports how many blocks are still unaccounted for.
// Completion is "outstanding is empty".
func (b *Builder) Outstanding() int {
	return len(b.outstanding)
}

// OnBlock records a Piece response. It is permutation-invariant: blocks
// may arrive in any order relative to the requests that produced them.
func (b *Builder) OnBlock(index, offset uint32, data []byte) error {
	if index != b.Index {
		return errs.New(errs.Protocol, "assemble block",
			fmt.Errorf("piece index mismatch: builder is for %d, got block for %d", b.Index, index))
	}
	expectedLen, ok := b.outstanding[offset]
	if !ok {
		return errs.New(errs.Protocol, "assemble block",
			fmt.Errorf("unsolicited block at offset %d for piece %d", offset, index))
	}
	if uint32(len(data)) != expectedLen {
		return errs.New(errs.Protocol, "assemble block",
			fmt.Errorf("block at offset %d: expected %d bytes, got %d", offset, expectedLen, len(data)))
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	b.received[offset] = buf
	delete(b.outstanding, offset)
	return nil
}

// Assemble concatenates every received block in ascending offset order.
// It must only be called once Outstanding() == 0.
func (b *Builder) Assemble() []byte {
	out := make([]byte, 0, b.pieceLength)
	offsets := make([]uint32, 0, len(b.received))
	for off := range b.received {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	for _, off := range offsets {
		out = append(out, b.received[off]...)
	}
	return out
}

// Verify computes the SHA-1 of data and compares it byte-for-byte
// against expected, failing with a HashMismatchError on divergence.
func Verify(index uint32, data []byte, expected [20]byte) error {
	got := sha1.Sum(data)
	if !bytes.Equal(got[:], expected[:]) {
		return errs.New(errs.Integrity, "verify piece",
			&HashMismatchError{Index: index, Expected: expected, Got: got})
	}
	return nil
}

// HashMismatchError reports a verified piece whose SHA-1 does not match
// the metainfo's expected hash.
type HashMismatchError struct {
	Index          uint32
	Expected, Got [20]byte
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("piece %d hash mismatch: expected %x, got %x", e.Index, e.Expected, e.Got)
}
