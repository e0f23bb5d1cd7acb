package main

import (
	"context"
	"encoding/base64"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leakmark/cfg"
	"leakmark/metrics"
	"leakmark/pkg/secrets"
	"leakmark/pkg/token"
	"leakmark/svc/api"
	"leakmark/svc/cache"
	"leakmark/svc/db"
	"leakmark/svc/lim"
	"leakmark/svc/svc"
	"leakmark/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "leakmark.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting leakmark API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := secrets.NewAdapter(ctx)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize secrets adapter")
		os.Exit(1)
	}

	var master []byte
	if c.SecretFromProvider {
		masterB64, err := adapter.GetSecret(ctx, "MASTER_SECRET")
		if err != nil {
			util.Fatal().Err(err).Msg("failed to load master secret from provider")
			os.Exit(1)
		}
		master, err = base64.StdEncoding.DecodeString(masterB64)
		if err != nil {
			util.Fatal().Err(err).Msg("invalid master secret format")
			os.Exit(1)
		}
	} else {
		master = []byte(c.MasterSecret.Value())
	}
	if len(master) < 32 {
		util.Wipe(master)
		util.Fatal().Int("length", len(master)).Msg("master secret too short, must be >= 32 bytes")
		os.Exit(1)
	}
	tokenKey, err := token.DeriveKey(master)
	if err != nil {
		util.Wipe(master)
		util.Fatal().Err(err).Msg("failed to derive token key")
		os.Exit(1)
	}
	if err := adapter.EnableLocalFallback(master); err != nil {
		util.Wipe(master)
		util.Fatal().Err(err).Msg("failed to set up local key wrapping")
		os.Exit(1)
	}
	util.Wipe(master)
	if adapter.HasProvider() {
		util.Info().Msg("external secrets provider configured")
	} else {
		util.Info().Msg("no external secrets provider, using master-derived key wrapping")
	}

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	bundleCache, err := cache.NewLRU(c.BundleCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create bundle cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.BundleCacheSize).Msg("bundle cache initialized")

	registry, err := svc.NewRegistry(sqlDB, adapter, bundleCache, tokenKey, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize registry")
		os.Exit(1)
	}
	defer registry.Shutdown()
	matcher := svc.NewMatcher(registry)
	util.Info().Int("embed_workers", c.EmbedWorkers).Msg("registry initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, registry, matcher, limiter, sqlDB)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	go func() {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	util.Info().Msg("shutdown complete")
}
