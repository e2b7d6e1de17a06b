package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/service/outboxhealth"
	"github.com/neurostuff/studysync/migrations"
)

// Default batch sizes of the process commands.
const (
	defaultFlagBatchSize     = 200
	defaultMetadataBatchSize = 50
	defaultSleepSeconds      = 2.0
)

func newRootCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "studysync",
		Short:         "Base-study consistency workers",
		Long:          "Drains and monitors the outboxes that keep base-study capability flags and canonical metadata consistent.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	cmd.AddCommand(newProcessCommand(logger, model.FlagOutbox, "process-flag-outbox",
		"Recompute capability flags for pending base studies", defaultFlagBatchSize))
	cmd.AddCommand(newCheckCommand(logger, model.FlagOutbox, "check-flag-outbox",
		"Report flag outbox backlog health"))
	cmd.AddCommand(newProcessCommand(logger, model.MetadataOutbox, "process-metadata-outbox",
		"Enrich and canonicalize pending base studies", defaultMetadataBatchSize))
	cmd.AddCommand(newCheckCommand(logger, model.MetadataOutbox, "check-metadata-outbox",
		"Report metadata outbox backlog health"))
	cmd.AddCommand(newMigrateCommand(logger))

	return cmd
}

func newProcessCommand(logger *slog.Logger, kind model.OutboxKind, use, short string, defaultBatch int) *cobra.Command {
	var (
		batchSize    int
		loop         bool
		sleepSeconds float64
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if batchSize <= 0 {
				return wrapExit(exitCommandError, fmt.Sprintf("--batch-size must be positive, got %d", batchSize), nil)
			}
			if sleepSeconds < 0 {
				return wrapExit(exitCommandError, fmt.Sprintf("--sleep-seconds must not be negative, got %g", sleepSeconds), nil)
			}
			ctx := cmd.Context()

			a, err := openApp(ctx, logger, loop)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			var process batchFunc
			switch kind {
			case model.FlagOutbox:
				process = a.flagWorker().ProcessBatch
			case model.MetadataOutbox:
				w, err := a.metadataWorker(ctx)
				if err != nil {
					return err
				}
				process = w.ProcessBatch
			}

			wait := sleepWait
			if loop {
				wait = notifyWait(ctx, a.db, kind, logger)
			}
			opts := drainOptions{
				BatchSize: batchSize,
				Loop:      loop,
				Sleep:     time.Duration(sleepSeconds * float64(time.Second)),
			}
			total, err := drain(ctx, process, opts, wait, logger)
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d\n", total)
			if err != nil {
				return classify(use, err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", defaultBatch, "maximum rows claimed per batch")
	cmd.Flags().BoolVar(&loop, "loop", false, "keep draining until interrupted")
	cmd.Flags().Float64Var(&sleepSeconds, "sleep-seconds", defaultSleepSeconds, "wait between polls when the outbox is empty")
	return cmd
}

func newCheckCommand(logger *slog.Logger, kind model.OutboxKind, use, short string) *cobra.Command {
	var (
		maxPending       int
		maxOldestSeconds float64
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  short + ". A negative threshold disables that check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger, false)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			report, err := outboxhealth.Run(ctx, a.db, kind, outboxhealth.Thresholds{
				MaxPending:       maxPending,
				MaxOldestSeconds: maxOldestSeconds,
			})
			if err != nil {
				return classify(use, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.String())
			if !report.Healthy() {
				fmt.Fprintln(cmd.ErrOrStderr(), report.FailureReasons())
				return wrapExit(exitFailure, fmt.Sprintf("%s outbox unhealthy: %s", kind, report.FailureReasons()), nil)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxPending, "max-pending", outboxhealth.DefaultMaxPending, "maximum pending rows")
	cmd.Flags().Float64Var(&maxOldestSeconds, "max-oldest-seconds", outboxhealth.DefaultMaxOldestSeconds, "maximum age of the oldest row")
	return cmd
}

func newMigrateCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger, false)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			ran, err := a.db.RunMigrations(ctx, migrations.FS)
			for _, name := range ran {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			if err != nil {
				return classify("migrate", err)
			}
			if len(ran) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			}
			return nil
		},
	}
}
