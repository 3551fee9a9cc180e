// Command gorent is a thin, interface-only driver over the internal
// download core. It owns flag parsing, diagnostic printing, and process
// exit codes; it recovers nothing — every error from the core bubbles
// here as a single printed line and a non-zero exit.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorent-dev/gorent/internal/bencode"
	"github.com/gorent-dev/gorent/internal/config"
	"github.com/gorent-dev/gorent/internal/downloader"
	"github.com/gorent-dev/gorent/internal/errs"
	"github.com/gorent-dev/gorent/internal/logging"
	"github.com/gorent-dev/gorent/internal/metainfo"
	"github.com/gorent-dev/gorent/internal/peerconn"
	"github.com/gorent-dev/gorent/internal/tracker"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s decode <bencoded-value>
  %[1]s info <file.torrent>
  %[1]s peers <file.torrent>
  %[1]s handshake <file.torrent> <ip:port>
  %[1]s download_piece -o <out> <file.torrent> <index>
  %[1]s download -o <out> <file.torrent>

Flags:
  -v    verbose logging to stderr
`, os.Args[0])
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run consumes the subcommand token first, then hands the remaining
// arguments to a per-subcommand FlagSet. flag.Parse stops at the first
// non-flag argument, so a single FlagSet spanning the subcommand name
// itself would never see -o/-v placed after it; each subcommand instead
// parses its own flags over args[1:].
func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "decode":
		err = runSubcommand(cmd, rest, false, func(args []string, _ string) error { return cmdDecode(args) })
	case "info":
		err = runSubcommand(cmd, rest, false, func(args []string, _ string) error { return cmdInfo(args) })
	case "peers":
		err = runSubcommand(cmd, rest, false, func(args []string, _ string) error { return cmdPeers(args) })
	case "handshake":
		err = runSubcommand(cmd, rest, false, func(args []string, _ string) error { return cmdHandshake(args) })
	case "download_piece":
		err = runSubcommand(cmd, rest, true, cmdDownloadPiece)
	case "download":
		err = runSubcommand(cmd, rest, true, cmdDownload)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return 2
	}

	if err != nil {
		printDiagnostic(err)
		return 1
	}
	return 0
}

// runSubcommand parses -v (every subcommand) and -o (only the
// file-writing ones) out of args, then invokes fn with whatever
// positional arguments remain.
func runSubcommand(name string, args []string, needsOut bool, fn func(args []string, out string) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	var out *string
	if needsOut {
		out = fs.String("o", "", "output path")
	} else {
		out = new(string)
	}
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return err
	}
	logging.SetVerbose(*verbose)
	return fn(fs.Args(), *out)
}

// printDiagnostic prints a single line carrying the error kind and
// context: "error [<kind>]: <kind>: <context>: <cause>" for a tagged
// *errs.Error, "error: <err>" for anything else.
func printDiagnostic(err error) {
	if e, ok := err.(*errs.Error); ok {
		fmt.Fprintf(os.Stderr, "error [%s]: %s\n", e.Kind, err.Error())
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-GR0001-")
	rand.Read(id[8:])
	return id
}

func cmdDecode(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: decode <bencoded-value>")
	}
	v, _, err := bencode.Decode([]byte(args[0]))
	if err != nil {
		return errs.New(errs.Bencode, "decode value", err)
	}
	out, err := json.Marshal(toJSON(v))
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// toJSON converts a decoded bencode.Value into a JSON-friendly Go value
// for the debug `decode` command. This conversion is only needed by the
// CLI and lives only here.
func toJSON(v bencode.Value) any {
	switch v.Kind {
	case bencode.KindInt:
		n, _ := v.IntVal()
		return n
	case bencode.KindBytes:
		b, _ := v.Bytes()
		return string(b)
	case bencode.KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = toJSON(item)
		}
		return out
	case bencode.KindDict:
		out := make(map[string]any, len(v.Dict))
		for _, e := range v.Dict {
			out[string(e.Key)] = toJSON(e.Value)
		}
		return out
	default:
		return nil
	}
}

func loadMetainfo(args []string) (*metainfo.Metainfo, []string, error) {
	if len(args) < 1 {
		return nil, nil, fmt.Errorf("missing <file.torrent> argument")
	}
	m, err := metainfo.Load(args[0])
	if err != nil {
		return nil, nil, err
	}
	return m, args[1:], nil
}

func cmdInfo(args []string) error {
	m, _, err := loadMetainfo(args)
	if err != nil {
		return err
	}
	infoHash := m.InfoHash()
	fmt.Printf("Tracker URL: %s\n", m.Announce)
	fmt.Printf("Length: %d\n", m.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(infoHash[:]))
	fmt.Printf("Piece Length: %d\n", m.PieceLength)
	fmt.Println("Piece Hashes:")
	for i := uint32(0); i < m.PieceCount(); i++ {
		h, err := m.PieceHash(i)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(h[:]))
	}
	return nil
}

func discoverPeers(m *metainfo.Metainfo, cfg config.Config) (*tracker.Response, error) {
	client := &http.Client{Timeout: cfg.Timeouts.Tracker}
	return tracker.Announce(client, m, generatePeerID(), cfg)
}

func cmdPeers(args []string) error {
	m, _, err := loadMetainfo(args)
	if err != nil {
		return err
	}
	resp, err := discoverPeers(m, config.Default())
	if err != nil {
		return err
	}
	for _, p := range resp.Peers {
		fmt.Println(p.String())
	}
	return nil
}

func cmdHandshake(args []string) error {
	m, rest, err := loadMetainfo(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: handshake <file.torrent> <ip:port>")
	}
	addr := rest[0]
	cfg := config.Default()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Connect)
	defer cancel()
	conn, err := peerconn.Dial(ctx, addr, cfg.Timeouts)
	if err != nil {
		return err
	}
	defer conn.Close()

	remoteID, err := conn.Handshake(m.InfoHash(), generatePeerID())
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID: %s\n", hex.EncodeToString(remoteID[:]))
	return nil
}

func cmdDownloadPiece(args []string, out string) error {
	if out == "" {
		return fmt.Errorf("missing -o <out>")
	}
	m, rest, err := loadMetainfo(args)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return fmt.Errorf("usage: download_piece -o <out> <file.torrent> <index>")
	}
	index, err := strconv.Atoi(rest[0])
	if err != nil {
		return fmt.Errorf("invalid piece index %q: %w", rest[0], err)
	}

	conn, dl, err := connectAndPrelude(m, config.Default())
	if err != nil {
		return err
	}
	defer conn.Close()

	data, err := dl.DownloadPiece(uint32(index))
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return errs.New(errs.IO, "write piece output", err)
	}
	fmt.Printf("Piece %d downloaded to %s.\n", index, out)
	return nil
}

func cmdDownload(args []string, out string) error {
	if out == "" {
		return fmt.Errorf("missing -o <out>")
	}
	m, _, err := loadMetainfo(args)
	if err != nil {
		return err
	}

	conn, dl, err := connectAndPrelude(m, config.Default())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := dl.DownloadAll(out); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s to %s.\n", m.Name, out)
	return nil
}

// connectAndPrelude discovers peers, selects the first reachable one
// rather than trusting a fixed position in the tracker's list, and
// drives the prelude through Unchoked so the caller can start the piece loop.
func connectAndPrelude(m *metainfo.Metainfo, cfg config.Config) (*peerconn.Conn, *downloader.Downloader, error) {
	resp, err := discoverPeers(m, cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, _, err := downloader.SelectPeer(ctx, resp.Peers, m.InfoHash(), generatePeerID(), cfg)
	if err != nil {
		return nil, nil, err
	}

	dl := downloader.New(conn, m, cfg)
	if err := dl.Prelude(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, dl, nil
}
