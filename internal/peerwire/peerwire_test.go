package peerwire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "-GR0001-abcdefghijkl")

	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	buf := h.Serialize()
	if len(buf) != handshakeTotal {
		t.Fatalf("Serialize length = %d, want %d", len(buf), handshakeTotal)
	}
	if buf[0] != byte(len(protocolName)) {
		t.Errorf("pstrlen byte = %d, want %d", buf[0], len(protocolName))
	}
	if string(buf[1:1+len(protocolName)]) != protocolName {
		t.Errorf("protocol name = %q, want %q", buf[1:1+len(protocolName)], protocolName)
	}

	got, err := ReadHandshake(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadHandshake returned error: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Errorf("ReadHandshake = %+v, want infoHash=%x peerID=%x", got, infoHash, peerID)
	}
}

func TestReadHandshakeShort(t *testing.T) {
	_, err := ReadHandshake(bytes.NewReader([]byte{19, 'B', 'i', 't'}))
	if err == nil {
		t.Fatal("expected short handshake error, got none")
	}
}

func TestMessageSerializeRoundTrip(t *testing.T) {
	msg := FormatRequest(3, 16384, 16384)
	buf := msg.Serialize()

	length := binary.BigEndian.Uint32(buf[0:4])
	if int(length) != len(msg.Payload)+1 {
		t.Errorf("length prefix = %d, want %d", length, len(msg.Payload)+1)
	}

	got, err := Receive(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if got.ID != Request {
		t.Errorf("ID = %v, want Request", got.ID)
	}
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func TestParsePiece(t *testing.T) {
	payload := append(append(uint32Bytes(3), uint32Bytes(16384)...), []byte("hello")...)
	index, begin, block, err := ParsePiece(&Message{ID: Piece, Payload: payload})
	if err != nil {
		t.Fatalf("ParsePiece returned error: %v", err)
	}
	if index != 3 || begin != 16384 {
		t.Errorf("ParsePiece index/begin = %d/%d, want 3/16384", index, begin)
	}
	if string(block) != "hello" {
		t.Errorf("ParsePiece block = %q, want hello", block)
	}
}

func TestReceiveSkipsKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // keep-alive
	buf.Write((&Message{ID: Unchoke}).Serialize())

	msg, err := ReceiveTyped(&buf, Unchoke)
	if err != nil {
		t.Fatalf("ReceiveTyped returned error: %v", err)
	}
	if msg.ID != Unchoke {
		t.Errorf("ID = %v, want Unchoke", msg.ID)
	}
}

func TestReceiveTypedRejectsUnexpected(t *testing.T) {
	buf := bytes.NewBuffer((&Message{ID: Choke}).Serialize())
	_, err := ReceiveTyped(buf, Unchoke)
	if err == nil {
		t.Fatal("expected UnexpectedMessageError, got none")
	}
}

func TestReceiveRejectsOversizedFrame(t *testing.T) {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], 1<<21) // exceeds MaxFrameLength
	_, err := Receive(bytes.NewReader(lengthBuf[:]))
	if err == nil {
		t.Fatal("expected frame-too-large error, got none")
	}
}
