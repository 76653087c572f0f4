package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/codexgw/gateway/internal/accountstore"
	"github.com/codexgw/gateway/internal/accountstore/filestore"
	"github.com/codexgw/gateway/internal/accountstore/sqlitestore"
	"github.com/codexgw/gateway/internal/config"
	"github.com/codexgw/gateway/internal/gwlog"
	"github.com/codexgw/gateway/internal/oauthrefresh"
	"github.com/codexgw/gateway/internal/pool"
	"github.com/codexgw/gateway/internal/server"
	"github.com/codexgw/gateway/internal/tokencrypto"
	"github.com/codexgw/gateway/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := gwlog.New(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("gateway starting", "version", version)

	box := tokencrypto.New(cfg.TokenEncryptionKey)

	var store accountstore.Store
	var err error
	switch cfg.AccountStoreDriver {
	case "sqlite":
		store, err = sqlitestore.Open(cfg.AccountStorePath, box)
	default:
		store, err = filestore.New(cfg.AccountStorePath, box)
	}
	if err != nil {
		slog.Error("account store init failed", "driver", cfg.AccountStoreDriver, "error", err)
		os.Exit(1)
	}
	slog.Info("account store ready", "driver", cfg.AccountStoreDriver, "path", cfg.AccountStorePath)

	tm := transport.NewManager(cfg.RequestTimeout)
	defer tm.Close()

	refresher := oauthrefresh.New(cfg.OAuthTokenURL, cfg.OAuthClientID, tm)

	p, err := pool.Load(context.Background(), store, refresher,
		pool.WithAuthFailureCooldown(cfg.AuthFailureCooldown),
	)
	if err != nil {
		slog.Error("account pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("account pool loaded", "accounts", p.Size())

	srv := server.New(cfg, p, tm)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
