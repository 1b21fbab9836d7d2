// Command tgward-actions is the actions-profile stdio tool server. It is
// the only process designated to perform Telegram writes, and every write
// still passes the authorization pipeline: allowlist, confirm flag,
// confirmation phrase, one-time approval codes and the idempotency window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/actions"
	"github.com/tgward/tgward/batch"
	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/mcp"
	"github.com/tgward/tgward/metrics"
	"github.com/tgward/tgward/server"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tgward-actions:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to tgward.toml")
	flag.Parse()

	cfg := config.Load(*configPath)
	cfg.Guard.ActionProcess = true
	if os.Getenv("TGW_WRITE_CONTEXT") == "" {
		cfg.Guard.WriteContext = "actions_mcp"
	}

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

	policy := actions.NewPolicy(cfg.Actions)
	policy.ApplyStartupGate(actions.DetectUnsafeDefaults(cfg.Guard, cfg.Actions))
	if policy.StartupBlockReason != "" {
		log.Warn("actions disabled by startup safety gate", zap.Strings("issues", policy.UnsafePolicyIssues))
	}

	gate := actions.NewGate(
		policy,
		actions.NewApprovals(cfg.Actions.ApprovalFile, cfg.Actions.ApprovalTTLSec),
		actions.NewIdempotency(cfg.Actions.IdempotencyFile, cfg.Actions.IdempotencyWindowSec, cfg.Actions.IdempotencyEnabled),
	)

	owner := cfg.Server.Name + ":" + strconv.Itoa(os.Getpid())
	engine := batch.NewEngine(
		cfg.Batch.File, owner,
		cfg.Batch.DefaultTTLHours, cfg.Batch.ApprovalLeaseSec, cfg.Batch.RunLeaseSec,
		policy.CheckTargetAllowed,
		log.Named("batch"),
	)

	sctx := server.NewContext(cfg, server.ProfileActions, lim, met, log)
	defer sctx.Close()

	srv := mcp.New(cfg.Server.Name+"-actions", version, log.Named("mcp"))
	server.RegisterReadTools(srv, sctx)
	server.RegisterActionTools(srv, sctx, server.ActionDeps{Gate: gate, Engine: engine, Batch: cfg.Batch})

	log.Info("actions server listening on stdio",
		zap.Bool("actions_enabled", policy.Enabled),
		zap.Int("allowed_targets", len(policy.AllowedTargets)))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
