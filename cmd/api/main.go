package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/compliance"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/notification"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup(cfg.ServiceName, cfg.Environment, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrow service stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	m := metrics.Registry()

	var (
		store escrow.Store
		users identity.Repository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()
		store = escrow.NewPGStore(pool)
		users = identity.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		store = escrow.NewMemoryStore()
		users = identity.NewMemoryRepository()
	}

	audit, err := notification.OpenBoltAudit(cfg.AuditDBPath, nil)
	if err != nil {
		return err
	}
	defer audit.Close()

	hub := notification.NewHub(logger, cfg.Notify.WebsocketOrigins...)
	var push notification.Sender = notification.NewLogSender(logger)
	if cfg.Dispatch.PushWebhookURL != "" {
		push = notification.NewWebhookSender(cfg.Dispatch.PushWebhookURL, cfg.Dispatch.PushWebhookKey,
			&http.Client{Timeout: 10 * time.Second})
	}
	dispatcher := notification.NewAsyncDispatcher(map[notification.Channel]notification.Sender{
		notification.ChannelEmail:     notification.NewLogSender(logger),
		notification.ChannelSMS:       notification.NewLogSender(logger),
		notification.ChannelPush:      push,
		notification.ChannelWebsocket: hub,
	}, notification.DispatchOptions{
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.DispatchBackoff(),
		RatePerSecond:  cfg.Dispatch.RatePerSecond,
		Logger:         logger,
		Metrics:        m,
	})
	ledger := notification.NewLedger(dispatcher, logger).WithAudit(audit).WithMetrics(m)

	ids := identity.NewService(users, cfg.JWTSecret)
	gate := compliance.NewGate(cfg.KYCThreshold(), cfg.DualApprovalThreshold())
	svc := escrow.NewService(store, ids, gate, ledger, escrow.Options{
		FeeRate:               cfg.FeeRate(),
		MinPrice:              cfg.MinPrice(),
		DefaultInspectionDays: cfg.Escrow.DefaultInspectionDays,
		MaxInspectionDays:     cfg.Escrow.MaxInspectionDays,
		ExpiryDays:            cfg.Escrow.TransactionExpiryDays,
		ConfirmationDeadline:  cfg.ConfirmationDeadline(),
	}).WithLogger(logger).WithMetrics(m)

	escrowSweeper := escrow.NewSweeper(svc, cfg.EscrowSweepInterval(), escrow.InspectionPolicy(cfg.Escrow.InspectionPolicy), logger)
	notifySweeper := notification.NewSweeper(ledger, cfg.NotifySweepInterval(), cfg.Notify.EscalationRecipients, logger)

	server := New(Config{
		Escrow:   svc,
		Identity: ids,
		Ledger:   ledger,
		Audit:    audit,
		Hub:      hub,
		Metrics:  m,
		Logger:   logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return escrowSweeper.Run(gctx) })
	g.Go(func() error { return notifySweeper.Run(gctx) })
	g.Go(func() error {
		logger.Info("escrow api listening", "addr", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
