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

	"socialmesh/go-node/internal/config"
	"socialmesh/go-node/internal/node"
	"socialmesh/go-node/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (optional)")
	transport := flag.String("transport", "", "Network transport override: rpc | memory | go-waku")
	httpAddr := flag.String("http-addr", "", "Health/metrics listen address override (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("social-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	if *dataDir != "" {
		_ = os.Setenv("SOCIAL_DATA_DIR", *dataDir)
	}
	if *transport != "" {
		_ = os.Setenv("SOCIAL_TRANSPORT", *transport)
	}
	if *httpAddr != "" {
		_ = os.Setenv("SOCIAL_HTTP_ADDR", *httpAddr)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("social-node config: %v", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.WithLogger(logger))
	if err != nil {
		log.Fatalf("social-node failed to initialize: %v", err)
	}
	defer func() { _ = n.Close() }()

	logger.Info("social-node starting", "component", "daemon", "version", version, "data_dir", cfg.DataDir)
	if err := n.Run(ctx); err != nil {
		logger.Error("social-node failed", "component", "daemon", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("social-node stopped", "component", "daemon")
}
