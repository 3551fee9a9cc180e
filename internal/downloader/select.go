// Peer selection races a handshake attempt against every peer the
// tracker returned and keeps the first one to succeed, cancelling the
// rest, rather than trusting any single fixed position in the peer
// list — a natural fit for golang.org/x/sync/errgroup's WithContext
// cancellation-on-first-error (here inverted: cancellation on first
// success).
package downloader

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
	"github.com/gorent-dev/gorent/internal/peerconn"
	"github.com/gorent-dev/gorent/internal/tracker"
)

// SelectPeer dials and handshakes every candidate concurrently, bounded
// by ctx, and returns the connection (already through Handshaken) and
// remote peer id of the first one to succeed. Every other attempt is
// cancelled and its connection closed. It fails only if every candidate
// fails.
func SelectPeer(ctx context.Context, candidates []tracker.PeerEndpoint, infoHash, localPeerID [20]byte, cfg config.Config) (*peerconn.Conn, [20]byte, error) {
	if len(candidates) == 0 {
		return nil, [20]byte{}, errs.New(errs.Protocol, "select peer", fmt.Errorf("no candidate peers"))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var winner *peerconn.Conn
	var winnerID [20]byte
	var lastErr error

	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			conn, err := peerconn.Dial(gctx, candidate.String(), cfg.Timeouts)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil // don't abort the group; other peers may still work
			}

			remoteID, err := conn.Handshake(infoHash, localPeerID)
			if err != nil {
				conn.Close()
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil
			}

			mu.Lock()
			if winner == nil {
				winner = conn
				winnerID = remoteID
				logging.Log().WithField("peer", candidate.String()).Info("selected peer")
				cancel() // stop trying other candidates
			} else {
				conn.Close()
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	if winner == nil {
		if lastErr == nil {
			lastErr = fmt.Errorf("no peer reachable")
		}
		return nil, [20]byte{}, errs.New(errs.Protocol, "select peer", lastErr)
	}
	return winner, winnerID, nil
}
