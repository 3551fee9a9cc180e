// Package tracker issues the announce GET request and parses the compact
// peer list from the (bencoded) response.
package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gorent-dev/gorent/internal/bencode"
	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
	"github.com/gorent-dev/gorent/internal/metainfo"
)

const peerEndpointSize = 6 // 4 bytes IPv4 + 2 bytes port

// PeerEndpoint is a tracker-supplied IPv4 address and TCP port.
type PeerEndpoint struct {
	IP   net.IP
	Port uint16
}

func (p PeerEndpoint) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the decoded, successful tracker announce reply.
type Response struct {
	Interval int64
	Peers    []PeerEndpoint
}

// Announce performs the HTTP GET against m.Announce and returns the
// parsed compact peer list.
func Announce(client *http.Client, m *metainfo.Metainfo, peerID [20]byte, cfg config.Config) (*Response, error) {
	u, err := buildURL(m, peerID, cfg.Port)
	if err != nil {
		return nil, errs.New(errs.Tracker, "build announce URL", err)
	}

	logging.Log().WithField("url", u).Debug("announcing to tracker")

	resp, err := client.Get(u)
	if err != nil {
		return nil, errs.New(errs.Tracker, "GET announce URL", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("HTTP %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.Tracker, "read announce body", err)
	}

	return parseResponse(body)
}

func parseResponse(body []byte) (*Response, error) {
	root, _, err := bencode.Decode(body)
	if err != nil {
		return nil, errs.New(errs.Tracker, "decode announce response", err)
	}
	if root.Kind != bencode.KindDict {
		return nil, errs.New(errs.Tracker, "decode announce response", fmt.Errorf("top-level value is not a dictionary"))
	}

	if failureVal, ok := root.Get("failure reason"); ok {
		if reason, ok := failureVal.Bytes(); ok {
			return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("tracker failure: %s", reason))
		}
	}

	intervalVal, _ := root.Get("interval")
	interval, _ := intervalVal.IntVal()

	peersVal, ok := root.Get("peers")
	if !ok {
		return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("missing 'peers' key"))
	}
	peersBytes, ok := peersVal.Bytes()
	if !ok {
		return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("non-compact 'peers' (list of dictionaries) is not supported"))
	}
	if len(peersBytes)%peerEndpointSize != 0 {
		return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("'peers' length %d is not a multiple of %d", len(peersBytes), peerEndpointSize))
	}

	n := len(peersBytes) / peerEndpointSize
	if n == 0 {
		return nil, errs.New(errs.Tracker, "announce response", fmt.Errorf("tracker returned an empty peer list"))
	}

	peers := make([]PeerEndpoint, n)
	for i := 0; i < n; i++ {
		off := i * peerEndpointSize
		ip := make(net.IP, 4)
		copy(ip, peersBytes[off:off+4])
		port := uint16(peersBytes[off+4])<<8 | uint16(peersBytes[off+5])
		peers[i] = PeerEndpoint{IP: ip, Port: port}
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

func buildURL(m *metainfo.Metainfo, peerID [20]byte, port uint16) (string, error) {
	infoHash := m.InfoHash()
	q := fmt.Sprintf(
		"%s?info_hash=%s&peer_id=%s&port=%d&uploaded=0&downloaded=0&left=%d&compact=1",
		m.Announce,
		percentEncode(infoHash[:]),
		percentEncode(peerID[:]),
		port,
		m.Length,
	)
	return q, nil
}

// percentEncode implements byte-exact percent-encoding: the
// unreserved set [0-9A-Za-z-._~] is passed through literally, every other
// byte becomes %XX in uppercase hex. This intentionally does not use
// net/url.QueryEscape, which escapes bytes outside this set differently
// (e.g. it does not touch '~' uniformly across Go versions) and must not
// be trusted with raw 20-byte hashes.
func percentEncode(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if isUnreserved(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', hex[c>>4], hex[c&0x0f])
	}
	return string(out)
}

func isUnreserved(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	default:
		return false
	}
}
