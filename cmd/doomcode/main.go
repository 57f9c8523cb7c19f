package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"doomcode/go-backend/internal/config"
	"doomcode/go-backend/internal/controller"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  doomcode start   [--ws-url URL] [--http-url URL] [--dir PATH] [--agent NAME] [--reuse]
  doomcode connect <sessionId|pairing-code> [--ws-url URL] [--http-url URL] [--agent NAME]

start   supervise the coding agent in a directory and pair with an operator
connect join an existing session as the remote operator
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]
	if command == "-version" || command == "--version" {
		fmt.Printf("doomcode version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "start":
		runStart(ctx, os.Args[2:])
	case "connect":
		runConnect(ctx, os.Args[2:])
	default:
		usage()
	}
}

func runStart(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	wsURL := fs.String("ws-url", "", "relay websocket URL (overrides config)")
	httpURL := fs.String("http-url", "", "relay HTTP URL (overrides config)")
	dir := fs.String("dir", "", "working directory (default: current)")
	agentName := fs.String("agent", "", "agent binary name (overrides config)")
	reuse := fs.Bool("reuse", false, "reconnect the cached session instead of creating one")
	configPath := fs.String("config", "", "path to config.yaml (optional)")
	fs.Parse(args)

	cfg := config.Load(*configPath).Controller
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *httpURL != "" {
		cfg.HTTPURL = *httpURL
	}
	if *dir != "" {
		cfg.WorkingDir = *dir
	}
	if *agentName != "" {
		cfg.Agent = *agentName
	}

	session, err := controller.NewSession(cfg, *reuse)
	if err != nil {
		log.Fatalf("doomcode: %v", err)
	}
	if err := session.Run(ctx); err != nil {
		log.Fatalf("doomcode: %v", err)
	}
}

func runConnect(ctx context.Context, args []string) {
	if len(args) < 1 || args[0] == "" {
		usage()
	}
	cfg, target := connectConfig(args)

	op := controller.NewOperator(cfg, target)
	if err := op.Run(ctx); err != nil {
		log.Fatalf("doomcode: %v", err)
	}
}

// connectConfig parses the connect flag set. --http-url and --agent
// are accepted for symmetry with start; the operator loop only dials
// the websocket today.
func connectConfig(args []string) (config.ControllerConfig, string) {
	target := args[0]

	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	wsURL := fs.String("ws-url", "", "relay websocket URL (overrides config)")
	httpURL := fs.String("http-url", "", "relay HTTP URL (overrides config)")
	agentName := fs.String("agent", "", "agent binary name (overrides config)")
	configPath := fs.String("config", "", "path to config.yaml (optional)")
	fs.Parse(args[1:])

	cfg := config.Load(*configPath).Controller
	if *wsURL != "" {
		cfg.WSURL = *wsURL
	}
	if *httpURL != "" {
		cfg.HTTPURL = *httpURL
	}
	if *agentName != "" {
		cfg.Agent = *agentName
	}
	return cfg, target
}
