// Package peerconn owns one TCP connection to one peer and drives it
// through the prelude state machine:
//
//	Fresh -> Handshaken -> BitfieldSeen -> Interested -> Unchoked -> Downloading
//
// Any deviation from this order is a fatal protocol error; the FSM
// rejects out-of-order events rather than buffering them.
package peerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
	"github.com/gorent-dev/gorent/internal/peerwire"
)

// State is one node of the peer protocol FSM.
type State int

const (
	Fresh State = iota
	Handshaken
	BitfieldSeen
	Interested
	Unchoked
	Downloading
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Handshaken:
		return "handshaken"
	case BitfieldSeen:
		return "bitfield_seen"
	case Interested:
		return "interested"
	case Unchoked:
		return "unchoked"
	case Downloading:
		return "downloading"
	default:
		return "unknown"
	}
}

// Conn is a stateful session bound to exactly one peer, exclusively
// owned by its creator.
type Conn struct {
	netConn  net.Conn
	state    State
	infoHash [20]byte
	peerID   [20]byte
	timeouts config.Timeouts

	// limiter optionally caps the rate of bytes written to the peer; nil
	// means unlimited. Wired via x/time/rate so a caller (or a future
	// multi-peer scheduler) can throttle without touching the protocol
	// state machine itself.
	limiter *rate.Limiter
}

// Dial opens a TCP connection to addr. It does not perform the
// handshake; call Handshake next.
func Dial(ctx context.Context, addr string, timeouts config.Timeouts) (*Conn, error) {
	d := net.Dialer{Timeout: timeouts.Connect}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(errs.IO, fmt.Sprintf("dial peer %s", addr), err)
	}
	return &Conn{netConn: nc, state: Fresh, timeouts: timeouts}, nil
}

// Wrap builds a Conn around an already-established net.Conn, in state
// Fresh. Used in tests that drive both ends of the wire over a
// net.Pipe without a real TCP dial.
func Wrap(nc net.Conn, timeouts config.Timeouts) *Conn {
	return &Conn{netConn: nc, state: Fresh, timeouts: timeouts}
}

// SetLimiter installs an optional bandwidth limiter (bytes/sec) for
// outbound writes to this peer.
func (c *Conn) SetLimiter(l *rate.Limiter) {
	c.limiter = l
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// State reports the connection's current FSM state.
func (c *Conn) State() State {
	return c.state
}

// Handshake performs the 68-byte exchange and validates the remote
// info_hash, transitioning Fresh -> Handshaken.
func (c *Conn) Handshake(infoHash, peerID [20]byte) ([20]byte, error) {
	var remotePeerID [20]byte
	if c.state != Fresh {
		return remotePeerID, errs.New(errs.Protocol, "handshake", fmt.Errorf("handshake attempted from state %s", c.state))
	}

	c.netConn.SetDeadline(time.Now().Add(c.timeouts.Handshake))
	defer c.netConn.SetDeadline(time.Time{})

	c.infoHash = infoHash
	c.peerID = peerID

	if err := peerwire.SendHandshake(c.netConn, peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}); err != nil {
		return remotePeerID, err
	}

	resp, err := peerwire.ReadHandshake(c.netConn)
	if err != nil {
		return remotePeerID, err
	}
	if resp.InfoHash != infoHash {
		return remotePeerID, errs.New(errs.Protocol, "handshake",
			fmt.Errorf("info_hash mismatch: expected %x got %x", infoHash, resp.InfoHash))
	}

	c.state = Handshaken
	return resp.PeerID, nil
}

// ReceiveBitfield reads and discards the mandatory bitfield message,
// transitioning Handshaken -> BitfieldSeen. Its contents are not
// interpreted: any peer returned by the tracker is assumed to have
// every piece.
func (c *Conn) ReceiveBitfield() error {
	if c.state != Handshaken {
		return errs.New(errs.Protocol, "receive bitfield", fmt.Errorf("received from state %s", c.state))
	}
	c.netConn.SetDeadline(time.Now().Add(c.timeouts.Bitfield))
	defer c.netConn.SetDeadline(time.Time{})

	msg, err := peerwire.ReceiveTyped(c.netConn, peerwire.Bitfield)
	if err != nil {
		return err
	}
	logging.Log().WithField("bitfield_bytes", len(msg.Payload)).Debug("received and discarded bitfield")
	c.state = BitfieldSeen
	return nil
}

// SendInterested transitions BitfieldSeen -> Interested.
func (c *Conn) SendInterested() error {
	if c.state != BitfieldSeen {
		return errs.New(errs.Protocol, "send interested", fmt.Errorf("sent from state %s", c.state))
	}
	if err := c.writeMessage(&peerwire.Message{ID: peerwire.Interested}); err != nil {
		return err
	}
	c.state = Interested
	return nil
}

// ReceiveUnchoke transitions Interested -> Unchoked.
func (c *Conn) ReceiveUnchoke() error {
	if c.state != Interested {
		return errs.New(errs.Protocol, "receive unchoke", fmt.Errorf("received from state %s", c.state))
	}
	c.netConn.SetDeadline(time.Now().Add(c.timeouts.PeerRead))
	defer c.netConn.SetDeadline(time.Time{})

	if _, err := peerwire.ReceiveTyped(c.netConn, peerwire.Unchoke); err != nil {
		return err
	}
	c.state = Unchoked
	return nil
}

// SendRequest writes a request frame. The first call transitions
// Unchoked -> Downloading; subsequent calls require Downloading already.
func (c *Conn) SendRequest(index, begin, length uint32) error {
	if c.state != Unchoked && c.state != Downloading {
		return errs.New(errs.Protocol, "send request", fmt.Errorf("sent from state %s", c.state))
	}
	if err := c.writeMessage(peerwire.FormatRequest(index, begin, length)); err != nil {
		return err
	}
	c.state = Downloading
	return nil
}

// ReceivePiece reads one frame during the Downloading state and
// requires it to be a Piece message; any other id (including Choke,
// which this simple core treats as fatal rather than pausing) is a
// fatal protocol error.
func (c *Conn) ReceivePiece() (*peerwire.Message, error) {
	if c.state != Downloading {
		return nil, errs.New(errs.Protocol, "receive piece", fmt.Errorf("received from state %s", c.state))
	}
	c.netConn.SetDeadline(time.Now().Add(c.timeouts.PeerRead))
	defer c.netConn.SetDeadline(time.Time{})

	return peerwire.ReceiveTyped(c.netConn, peerwire.Piece)
}

func (c *Conn) writeMessage(m *peerwire.Message) error {
	buf := m.Serialize()
	if c.limiter != nil {
		if err := c.limiter.WaitN(context.Background(), len(buf)); err != nil {
			return errs.New(errs.IO, "rate limit write", err)
		}
	}
	if _, err := c.netConn.Write(buf); err != nil {
		return errs.New(errs.IO, "write message", err)
	}
	return nil
}
