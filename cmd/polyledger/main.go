package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polyledger/config"
)

const usage = `usage: polyledger [flags] <command> [command flags]

commands:
  serve         run the HTTP API and the reconciliation worker
  sync-markets  fetch the market catalog once and exit
  wallet        create a user (if needed) and provision its custodial wallet
  token         issue a session token for a user
  report        print a user's positions, orders, balances and transfers
`

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file (empty = env and defaults only)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	path := *configPath
	if _, err := os.Stat(path); err != nil && path == "config/config.yaml" {
		// sin archivo por defecto: solo entorno
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", path)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "sync-markets":
		err = runSyncMarkets(ctx, cfg)
	case "wallet":
		err = runWallet(ctx, cfg, args)
	case "token":
		err = runToken(ctx, cfg, args)
	case "report":
		err = runReport(ctx, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("polyledger exited with error", "cmd", cmd, "err", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
