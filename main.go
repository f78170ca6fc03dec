package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"TorrentCore/session"
	"TorrentCore/torrent"
)

// Minimal embedding example: build a descriptor from a v1 info hash and a
// peer list, run the core, and watch the connection count. The real torrent
// parser, piece manager and tracker clients live outside this module.
func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: ./TorrentCore <40-hex-char-v1-info-hash> <peer ip:port> [more peers...]\n")
		os.Exit(1)
	}

	hash, err := hex.DecodeString(os.Args[1])
	if err != nil || len(hash) != 20 {
		log.Fatalf("Invalid v1 info hash: %v", err)
	}

	descriptor := &torrent.Descriptor{
		Name:  "demo",
		HasV1: true,
	}
	copy(descriptor.InfoHashV1[:], hash)

	sess, err := session.New(session.DefaultConfig(), descriptor, nil, nil, nil)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = sess.Start(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}

	peers := os.Args[2:]
	colorstring.Printf("[cyan]Connecting to %d peer(s)...\n", len(peers))

	bar := progressbar.Default(int64(len(peers)), "handshaking")

	go func() {
		sess.ConnectToPeers(peers)
		bar.Finish()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bar.Set(sess.ActiveConnections())
			colorstring.Printf("\n[green]Active peers: %d\n", sess.ActiveConnections())

		case <-stop:
			colorstring.Println("[yellow]Shutting down...")
			sess.Stop(context.Background())

			return
		}
	}
}
