// Command bittorrent downloads a single torrent to disk and exits once
// every piece has been verified. A full CLI (multiple torrents, resume,
// upload serving) is out of scope; this is the minimal driver needed to
// exercise the coordinator end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cnh/bittorrent/internal/client"
	"github.com/cnh/bittorrent/internal/filestore"
	"github.com/cnh/bittorrent/pkg/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", "", "download directory (defaults to a per-OS downloads folder)")
	port := flag.Uint("port", 6881, "local port advertised to the tracker")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = level
	log := slog.New(logging.NewPrettyHandler(os.Stderr, &opts))

	if *torrentPath == "" {
		log.Error("missing -torrent flag")
		return 2
	}

	raw, err := os.ReadFile(*torrentPath)
	if err != nil {
		log.Error("read torrent file", "error", err.Error())
		return 1
	}

	peerID, err := client.NewPeerID()
	if err != nil {
		log.Error("generate peer id", "error", err.Error())
		return 1
	}

	var cfg client.Config
	if *downloadDir != "" {
		cfg.FileStore = &filestore.Config{DownloadDir: *downloadDir}
	}

	tr, err := client.Open(raw, peerID, uint16(*port), &cfg, log)
	if err != nil {
		log.Error("open torrent", "error", err.Error())
		return 1
	}
	defer tr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done, err := tr.Run(ctx)
	if err != nil {
		log.Error("start download", "error", err.Error())
		return 1
	}

	log.Info("downloading", "name", tr.Name())

	select {
	case <-done:
		log.Info("download complete", "name", tr.Name())
		return 0
	case <-ctx.Done():
		log.Info("interrupted", "percent", fmt.Sprintf("%.1f", tr.Percent()))
		return 1
	}
}
