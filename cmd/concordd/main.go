package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quorumnet/concord/pkg/agent"
	"github.com/quorumnet/concord/pkg/audit"
	"github.com/quorumnet/concord/pkg/config"
	"github.com/quorumnet/concord/pkg/ledger"
	"github.com/quorumnet/concord/pkg/observability"
	"github.com/quorumnet/concord/pkg/transport"

	_ "modernc.org/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "concordd:", err)
		os.Exit(1)
	}
}

func run() error {
	profileDir := flag.String("profiles", "", "directory with profile_*.yaml overlays")
	profileName := flag.String("profile", "", "profile name to apply")
	otlpEndpoint := flag.String("otlp", "", "OTLP gRPC endpoint for traces and metrics")
	flag.Parse()

	cfg := config.Load()
	if *profileDir != "" && *profileName != "" {
		profile, err := config.LoadProfile(*profileDir, *profileName)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsConfig := observability.DefaultConfig()
	if *otlpEndpoint != "" {
		obsConfig.Enabled = true
		obsConfig.OTLPEndpoint = *otlpEndpoint
		obsConfig.ServiceName = cfg.AgentID
	}
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			logger.Error("observability shutdown", "error", err)
		}
	}()

	auditLog, closeAudit, err := openAuditLog(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer closeAudit()

	// The loopback transport keeps the binary self-contained; the real
	// consensus channel service plugs in behind the same interface.
	tr := transport.NewMemoryTransport()
	var limiter transport.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = transport.NewRedisLimiterStore(cfg.RedisAddr, "", 0)
	} else {
		limiter = transport.NewMemoryLimiterStore()
	}

	a, err := agent.New(agent.Options{
		Config:        cfg,
		Transport:     tr,
		Ledger:        ledger.NewInMemoryLedger(nil),
		LimiterStore:  limiter,
		LimitPolicy:   transport.LimitPolicy{RatePerSec: 50, Burst: 100},
		AuditLog:      auditLog,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		return err
	}

	logger.Info("concordd running", "agent_id", cfg.AgentID)
	<-ctx.Done()

	logger.Info("shutting down")
	a.Stop(context.Background())
	return nil
}

func openAuditLog(ctx context.Context, path string) (*audit.Log, func(), error) {
	if path == "" {
		return audit.NewLog(), func() {}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit database: %w", err)
	}
	store := audit.NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init audit schema: %w", err)
	}
	return audit.NewLog(audit.WithStore(store)), func() { db.Close() }, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
