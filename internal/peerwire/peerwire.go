// Package peerwire implements the length-prefixed peer protocol framing
// and the handshake. It knows nothing about FSM
// ordering (that's internal/peerconn) — only about bytes on the wire.
package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
)

const (
	protocolName   = "BitTorrent protocol"
	reservedLen    = 8
	handshakeTotal = 1 + len(protocolName) + reservedLen + 20 + 20 // 68
)

// MessageID identifies a peer-wire message type.
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Handshake is the fixed 68-byte prelude.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake to its 68-byte wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, handshakeTotal)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, reservedLen)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// SendHandshake writes h to w.
func SendHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Serialize())
	if err != nil {
		return errs.New(errs.IO, "write handshake", err)
	}
	return nil
}

// ReadHandshake reads exactly 68 bytes from r and parses them as a
// Handshake, without checking the remote info_hash (the caller does
// that, since only it knows the expected value and the right error to
// raise on mismatch).
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeTotal)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, errs.New(errs.Protocol, "read handshake", fmt.Errorf("short handshake: %w", err))
	}
	pstrlen := int(buf[0])
	if pstrlen != len(protocolName) {
		return Handshake{}, errs.New(errs.Protocol, "read handshake",
			fmt.Errorf("unexpected protocol name length %d", pstrlen))
	}
	var h Handshake
	copy(h.InfoHash[:], buf[1+pstrlen+reservedLen:1+pstrlen+reservedLen+20])
	copy(h.PeerID[:], buf[1+pstrlen+reservedLen+20:1+pstrlen+reservedLen+40])
	return h, nil
}

// Message is one parsed peer-wire frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m, or a zero-length keep-alive frame if m is nil.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Send writes a single frame to w.
func Send(w io.Writer, m *Message) error {
	if _, err := w.Write(m.Serialize()); err != nil {
		return errs.New(errs.IO, "send message", err)
	}
	return nil
}

// Receive reads one frame from r. A keep-alive (zero length prefix)
// yields (nil, nil); the core loop must not treat that as an error, and
// most callers should prefer ReceiveTyped which skips it transparently.
func Receive(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, errs.New(errs.IO, "read message length", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if length > config.MaxFrameLength {
		return nil, errs.New(errs.Protocol, "read message",
			fmt.Errorf("frame length %d exceeds ceiling %d", length, config.MaxFrameLength))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errs.New(errs.IO, "read message body", err)
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// UnexpectedMessageError is raised by ReceiveTyped when the frame read
// does not carry the expected id.
type UnexpectedMessageError struct {
	Got, Expected MessageID
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("expected %s, got %s", e.Expected, e.Got)
}

// ReceiveTyped reads frames from r until a non-keep-alive arrives, then
// requires its id to equal expected.
func ReceiveTyped(r io.Reader, expected MessageID) (*Message, error) {
	for {
		msg, err := Receive(r)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // keep-alive, ignored by the core loop
		}
		if msg.ID != expected {
			return nil, errs.New(errs.Protocol, "receive typed message",
				&UnexpectedMessageError{Got: msg.ID, Expected: expected})
		}
		return msg, nil
	}
}

// FormatRequest builds a Request message for (index, begin, length).
func FormatRequest(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: Request, Payload: payload}
}

// ParsePiece validates and decodes a Piece message's payload.
func ParsePiece(msg *Message) (index, begin uint32, block []byte, err error) {
	if msg.ID != Piece {
		return 0, 0, nil, errs.New(errs.Protocol, "parse piece message",
			fmt.Errorf("expected piece message, got %s", msg.ID))
	}
	if len(msg.Payload) < 8 {
		return 0, 0, nil, errs.New(errs.Protocol, "parse piece message",
			fmt.Errorf("payload too short: %d bytes", len(msg.Payload)))
	}
	index = binary.BigEndian.Uint32(msg.Payload[0:4])
	begin = binary.BigEndian.Uint32(msg.Payload[4:8])
	block = msg.Payload[8:]
	return index, begin, block, nil
}
