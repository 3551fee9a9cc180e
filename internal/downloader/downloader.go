// Package downloader orchestrates the pipelined per-piece download loop
// and the positional writes to the output file.
package downloader

import (
	"fmt"
	"os"

	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
	"github.com/gorent-dev/gorent/internal/metainfo"
	"github.com/gorent-dev/gorent/internal/peerconn"
	"github.com/gorent-dev/gorent/internal/peerwire"
	"github.com/gorent-dev/gorent/internal/piece"
)

// Downloader drives one already-handshaken peer connection through the
// remaining prelude (bitfield/interested/unchoke) and the piece loop.
type Downloader struct {
	conn *peerconn.Conn
	mi   *metainfo.Metainfo
	cfg  config.Config
}

// New wraps a connection that has already completed Handshake.
func New(conn *peerconn.Conn, mi *metainfo.Metainfo, cfg config.Config) *Downloader {
	return &Downloader{conn: conn, mi: mi, cfg: cfg}
}

// Prelude drives Handshaken -> Unchoked: receive bitfield, send
// interested, receive unchoke.
func (d *Downloader) Prelude() error {
	if err := d.conn.ReceiveBitfield(); err != nil {
		return err
	}
	if err := d.conn.SendInterested(); err != nil {
		return err
	}
	if err := d.conn.ReceiveUnchoke(); err != nil {
		return err
	}
	return nil
}

// DownloadPiece fetches, reassembles, and verifies one piece using
// pipelined rounds of up to cfg.PipelineDepth in-flight requests. It
// does not write the result to disk; callers decide where the bytes go
// (download_piece writes one file, download writes at an offset into
// the full output).
func (d *Downloader) DownloadPiece(index uint32) ([]byte, error) {
	pieceLength, err := d.mi.PieceLengthAt(index)
	if err != nil {
		return nil, err
	}
	plan := piece.Plan(uint32(pieceLength))
	builder := piece.NewBuilder(index, uint32(pieceLength), plan)

	depth := d.cfg.PipelineDepth
	if depth <= 0 {
		depth = config.DefaultPipelineDepth
	}

	for start := 0; start < len(plan); {
		end := start + depth
		if end > len(plan) {
			end = len(plan)
		}
		round := plan[start:end]

		for _, b := range round {
			if err := d.conn.SendRequest(index, b.Offset, b.Length); err != nil {
				return nil, err
			}
		}
		for range round {
			msg, err := d.conn.ReceivePiece()
			if err != nil {
				return nil, err
			}
			pIndex, begin, data, err := peerwire.ParsePiece(msg)
			if err != nil {
				return nil, err
			}
			if err := builder.OnBlock(pIndex, begin, data); err != nil {
				return nil, err
			}
		}

		logging.Log().WithField("piece", index).WithField("round_size", len(round)).Debug("completed pipeline round")
		start = end
	}

	data := builder.Assemble()
	expected, err := d.mi.PieceHash(index)
	if err != nil {
		return nil, err
	}
	if err := piece.Verify(index, data, expected); err != nil {
		return nil, err
	}
	return data, nil
}

// DownloadAll downloads every piece in order and writes it at its
// absolute file offset via positional write: the output file is
// written by exactly one writer in ascending piece-index order.
func (d *Downloader) DownloadAll(outPath string) error {
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.IO, "open output file", err)
	}
	defer f.Close()

	count := d.mi.PieceCount()
	for index := uint32(0); index < count; index++ {
		data, err := d.DownloadPiece(index)
		if err != nil {
			return fmt.Errorf("piece %d: %w", index, err)
		}
		offset := int64(index) * d.mi.PieceLength
		if _, err := f.WriteAt(data, offset); err != nil {
			return errs.New(errs.IO, fmt.Sprintf("write piece %d", index), err)
		}
		logging.Log().WithField("piece", index).WithField("of", count).Info("piece verified and written")
	}
	return nil
}
