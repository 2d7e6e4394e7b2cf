package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/tagflow/notify"
	"github.com/hazyhaar/tagflow/pipeline"
	"github.com/hazyhaar/tagflow/store"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			outbox := notify.New(st.DB(), nil, notify.Options{Dialect: st.Dialect()})
			if err := outbox.EnsureTable(ctx); err != nil {
				return fmt.Errorf("notify outbox: %w", err)
			}
			_, closeAudit, err := openAudit(ctx, cfg)
			if err != nil {
				return err
			}
			closeAudit()
			slog.Info("schema up to date", "dialect", st.Dialect())
			return nil
		},
	}
}

func newReclaimCmd(g *globalFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return rows claimed longer than --older-than to the unclaimed pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if olderThan <= 0 && cfg.Claim.ReclaimAfter <= 0 {
				return fmt.Errorf("--older-than is required when claim.reclaim_after is 0")
			}
			ctx := cmd.Context()
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

			svc, err := pipeline.New(cfg, st, pipeline.WithAuditor(auditor))
			if err != nil {
				return err
			}
			n, err := svc.ReclaimStale(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d rows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "claim age threshold, e.g. 30m (defaults to claim.reclaim_after)")
	return cmd
}
