package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/migrations"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

type commandOutput struct {
	Command    string `json:"command"`
	DurationMS int64  `json:"duration_ms"`
	Result     any    `json:"result"`
}

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or roll back one) schema migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if down {
				if err := migrations.Down(cmd.Context(), db); err != nil {
					return err
				}
			} else if err := migrations.Up(cmd.Context(), db, nil); err != nil {
				return err
			}
			v, err := migrations.Version(cmd.Context(), db)
			if err != nil {
				return err
			}
			return writeJSON(map[string]int64{"version": v})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the latest migration")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var tenantID, reason string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Request regeneration for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			entry, err := st.Enqueue(cmd.Context(), tenantID, reason)
			if err != nil {
				return err
			}
			return writeJSON(entry)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Trigger reason")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := st.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			stats := models.QueueStats{Counts: counts}
			for _, n := range counts {
				stats.Total += n
			}
			return writeJSON(stats)
		},
	}
}

func newDriftCmd() *cobra.Command {
	var (
		tenantID string
		all      bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Show tenants whose remote agent lags their latest artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			if tenantID != "" {
				d, err := st.GetDrift(cmd.Context(), tenantID)
				if err != nil {
					return err
				}
				return writeJSON(d)
			}
			drifts, err := st.ListDrift(cmd.Context(), store.DriftFilter{IncludeInSync: all, Limit: limit})
			if err != nil {
				return err
			}
			return writeJSON(drifts)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Single tenant id")
	cmd.Flags().BoolVar(&all, "all", false, "Include tenants that are in sync")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum tenants to list")
	return cmd
}

func newProcessCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one batch of pending queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			start := time.Now()
			res, err := a.Processor.ProcessBatch(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(commandOutput{Command: "process", DurationMS: time.Since(start).Milliseconds(), Result: res})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Batch size (0 uses PROMPT_SYNC_BATCH_SIZE)")
	return cmd
}

func newDirectCmd() *cobra.Command {
	var tenantID, reason string
	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Regenerate and sync one tenant without the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			start := time.Now()
			res, err := a.Processor.ProcessDirect(cmd.Context(), tenantID, reason)
			if err != nil {
				return fmt.Errorf("regenerate %s: %w", tenantID, err)
			}
			return writeJSON(commandOutput{Command: "direct", DurationMS: time.Since(start).Milliseconds(), Result: res})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (required)")
	cmd.Flags().StringVar(&reason, "reason", "manual", "Trigger reason")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-sync tenants whose remote agent is behind",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			start := time.Now()
			res, err := a.Processor.Reconcile(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(commandOutput{Command: "reconcile", DurationMS: time.Since(start).Milliseconds(), Result: res})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum tenants (0 uses PROMPT_SYNC_RECONCILE_LIMIT)")
	return cmd
}
