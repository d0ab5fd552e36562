// torrentcore-download is a minimal front end demonstrating the
// library: it loads an already-parsed torrent description from a JSON
// sidecar file (standing in for whatever bencode/magnet parser a real
// front end would run upstream — parsing .torrent files is explicitly
// outside this module's scope) and drives one download or seed with
// it.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"

	"github.com/arvidnorr/torrentcore"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/storage/filestorage"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
)

var (
	configPath = flag.String("config", "", "config path")
	dest       = flag.String("dest", ".", "where to download")
	listenAddr = flag.String("listen", ":6881", "peer listen address")
	peers      = flag.String("peers", "", "comma-separated host:port peer addresses to dial")
	debug      = flag.Bool("debug", false, "enable debug log")
	seed       = flag.Bool("seed", false, "continue seeding after download finishes")
)

// metainfo mirrors the fields a real bencode/magnet parser would hand
// the core as a torrentinfo.Info, serialized as JSON for this demo.
type metainfo struct {
	InfoHash    string   `json:"info_hash"`
	Name        string   `json:"name"`
	PieceLength int64    `json:"piece_length"`
	Pieces      []string `json:"pieces"`
	Files       []struct {
		Path   string `json:"path"`
		Length int64  `json:"length"`
	} `json:"files"`
}

func loadInfo(path string) (*torrentinfo.Info, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m metainfo
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	infoHashBytes, err := hex.DecodeString(m.InfoHash)
	if err != nil {
		return nil, fmt.Errorf("bad info_hash: %w", err)
	}
	var infoHash [20]byte
	copy(infoHash[:], infoHashBytes)

	pieces := make([][20]byte, len(m.Pieces))
	for i, hexHash := range m.Pieces {
		b, err := hex.DecodeString(hexHash)
		if err != nil {
			return nil, fmt.Errorf("bad piece hash %d: %w", i, err)
		}
		copy(pieces[i][:], b)
	}

	files := make([]torrentinfo.File, len(m.Files))
	for i, f := range m.Files {
		files[i] = torrentinfo.File{Path: f.Path, Length: f.Length}
	}
	return torrentinfo.New(infoHash, m.Name, m.PieceLength, pieces, files)
}

type staticSource struct{ ch chan string }

func newStaticSource(addrs []string) staticSource {
	ch := make(chan string, len(addrs))
	for _, a := range addrs {
		ch <- a
	}
	close(ch)
	return staticSource{ch: ch}
}

func (s staticSource) Candidates() <-chan string { return s.ch }

func main() {
	flag.Parse()

	if *debug {
		logger.SetLevel(log.DEBUG)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Give a metainfo JSON file as first argument!")
		os.Exit(1)
	}

	info, err := loadInfo(args[0])
	if err != nil {
		log.Fatal(err)
	}

	cfg := torrentcore.DefaultConfig
	if *configPath != "" {
		cp, err := homedir.Expand(*configPath)
		if err != nil {
			log.Fatal(err)
		}
		loaded, err := torrentcore.LoadFile(cp)
		if err != nil {
			log.Fatal(err)
		}
		cfg = *loaded
	}
	cfg.DownloadDir = *dest
	cfg.ListenAddr = *listenAddr

	sink, err := filestorage.New(cfg.DownloadDir, logger.New("sink"))
	if err != nil {
		log.Fatal(err)
	}

	peerID, err := torrentcore.GeneratePeerID()
	if err != nil {
		log.Fatal(err)
	}

	d, err := torrentcore.New(&cfg, info, sink, peerID)
	if err != nil {
		log.Fatal(err)
	}

	var source torrentcore.PeerSource
	if *peers != "" {
		source = newStaticSource(strings.Split(*peers, ","))
	}

	if err := d.StartDownload(source); err != nil {
		log.Fatal(err)
	}

	if *seed {
		select {}
	}

	<-d.CompleteNotify()
	if err := d.Shutdown(); err != nil {
		log.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond) // let the final log lines flush
}
