package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/tagflow/dbopen"
	"github.com/hazyhaar/tagflow/notify"
	"github.com/hazyhaar/tagflow/observability"
	"github.com/hazyhaar/tagflow/pipeline"
	"github.com/hazyhaar/tagflow/shield"
	"github.com/hazyhaar/tagflow/store"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the notification deliverer and the stale-claim reclaimer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *pipeline.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys := shield.NewKeyChecker(cfg.Robot.APIKey, cfg.Robot.APIKeyBcrypt)
	if !keys.Configured() {
		return errors.New("robot.api_key, robot.api_key_bcrypt or API_KEY is required to serve")
	}

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditor, closeAudit, err := openAudit(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAudit()

	hooks := make([]notify.Webhook, len(cfg.Notify.Webhooks))
	for i, h := range cfg.Notify.Webhooks {
		hooks[i] = notify.Webhook{Name: h.Name, URL: h.URL, Secret: h.Secret}
	}
	outbox := notify.New(st.DB(), hooks, notify.Options{
		Visibility:   cfg.Notify.Visibility,
		PollInterval: cfg.Notify.PollInterval,
		MaxAttempts:  cfg.Notify.MaxAttempts,
		Dialect:      st.Dialect(),
	})
	if err := outbox.EnsureTable(ctx); err != nil {
		return fmt.Errorf("notify outbox: %w", err)
	}

	svc, err := pipeline.New(cfg, st, pipeline.WithNotifier(outbox), pipeline.WithAuditor(auditor))
	if err != nil {
		return err
	}

	limiter := shield.NewRateLimiter(cfg.Claim.RatePerSecond, cfg.Claim.Burst)
	limiter.StartGC(ctx.Done())

	opts := pipeline.RouterOptions{Keys: keys, Limiter: limiter}
	if cfg.Robot.MCP {
		mcpSrv := svc.NewMCPServer(version)
		opts.MCP = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	}

	// The stores close only after the workers have returned.
	wait := runWorkers(ctx, outbox.Run, svc.RunReclaimer)
	defer wait()
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           pipeline.NewRouter(svc, opts),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "dialect", st.Dialect(),
			"merged_dir", cfg.MergedDir, "mcp", cfg.Robot.MCP, "webhooks", len(hooks),
			"reclaim_after", cfg.Claim.ReclaimAfter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// runWorkers runs each loop in its own goroutine until ctx is done. The
// returned func blocks until every loop has returned.
func runWorkers(ctx context.Context, loops ...func(context.Context)) (wait func()) {
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}
	return wg.Wait
}

// openAudit opens the audit database when one is configured.
func openAudit(ctx context.Context, cfg *pipeline.Config) (observability.Auditor, func(), error) {
	if cfg.AuditDB == "" {
		return observability.Discard, func() {}, nil
	}
	db, err := dbopen.Open(cfg.AuditDB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, fmt.Errorf("audit db: %w", err)
	}
	if err := observability.Init(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("audit init: %w", err)
	}
	al := observability.NewAuditLogger(db, 1000)
	if n, err := al.Cleanup(ctx, cfg.AuditRetentionDays); err != nil {
		slog.Warn("audit retention cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("audit retention cleanup", "deleted", n)
	}
	return al, func() {
		al.Close()
		db.Close()
	}, nil
}
