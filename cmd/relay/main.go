package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"doomcode/go-backend/internal/config"
	"doomcode/go-backend/internal/relay"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("doomcode-relay version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(*configPath)
	if *listenAddr != "" {
		cfg.Relay.ListenAddr = *listenAddr
	}

	srv := relay.NewServer(cfg.Relay, slog.NewTextHandler(os.Stderr, nil))
	log.Println("doomcode-relay starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("doomcode-relay failed: %v", err)
	}
	log.Println("doomcode-relay stopped")
}
