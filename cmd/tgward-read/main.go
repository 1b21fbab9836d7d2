// Command tgward-read is the read-profile stdio tool server: session
// introspection and read-side Telegram tools only, with the write guard
// context pinned to read_mcp.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/mcp"
	"github.com/tgward/tgward/metrics"
	"github.com/tgward/tgward/server"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tgward-read:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to tgward.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	cfg.Guard.WriteContext = "read_mcp"
	cfg.Guard.ActionProcess = false

	log, err := server.NewLogger(cfg.Server.LogFile)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Observer.Enabled {
		shutdown, err := metrics.Init(ctx)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}
	met, err := metrics.New()
	if err != nil {
		return err
	}

	lim := tgward.NewLimiter(tgward.LimiterConfig{
		RPS:                cfg.Rate.RPS,
		MaxDMPerDay:        cfg.Rate.MaxDMPerDay,
		MaxJoinsPerDay:     cfg.Rate.MaxJoinsPerDay,
		MaxGroupMsgsPerDay: cfg.Rate.MaxGroupMsgsPerDay,
		DataDir:            cfg.Rate.DataDir,
		GlobalMode:         cfg.Rate.GlobalMode,
		FloodThresholdSec:  cfg.Rate.FloodThresholdSec,
		FloodCooldownSec:   cfg.Rate.FloodCooldownSec,
	}, tgward.WithLogger(log.Named("limiter")), tgward.WithMetrics(met))

	sctx := server.NewContext(cfg, server.ProfileRead, lim, met, log)
	defer sctx.Close()

	srv := mcp.New(cfg.Server.Name+"-read", version, log.Named("mcp"))
	server.RegisterReadTools(srv, sctx)

	log.Info("read server listening on stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
