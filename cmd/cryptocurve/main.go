package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/CryptoCurve/cryptocurve-sdk/internal/api"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/chain"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/client"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/config"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/journal"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/keys"
	"github.com/CryptoCurve/cryptocurve-sdk/internal/node"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	passphrase := os.Getenv(cfg.KeyStore.PassphraseEnv)
	if passphrase == "" {
		logger.Warn("keystore passphrase env is empty", "env", cfg.KeyStore.PassphraseEnv)
	}
	keysManager, err := keys.NewManager(cfg.KeyStore.Dir, passphrase)
	if err != nil {
		logger.Error("keystore init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialed, err := node.DialAll(ctx, cfg, logger)
	if err != nil {
		logger.Error("node dial failed", "error", err)
		os.Exit(1)
	}
	backends := make(map[chain.Network]client.Backend, len(dialed))
	for n, d := range dialed {
		defer d.Close()
		backends[n] = d.Service
	}

	txJournal := journal.New(cfg.Journal.Path)
	loaded, err := txJournal.Load()
	if err != nil {
		logger.Error("journal load failed", "path", cfg.Journal.Path, "error", err)
		os.Exit(1)
	}
	logger.Info("journal loaded", "path", cfg.Journal.Path, "transactions", loaded)

	opts := client.OptionsFromConfig(cfg)
	opts.Journal = txJournal
	c := client.New(backends, opts, logger)
	server := api.NewServer(cfg, logger, keysManager, c, txJournal)

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range dialed {
		oracle := d.Oracle
		g.Go(func() error {
			oracle.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("api starting", "listen", cfg.API.Listen, "networks", len(backends))
		return server.Start(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}
