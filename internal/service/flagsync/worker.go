package flagsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/neurostuff/studysync/internal/cache"
	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/telemetry"
)

var tracer = telemetry.Tracer("studysync/flagsync")

// Worker drains the flag outbox. Each batch is one transaction: the claimed
// rows stay locked until commit, so concurrent workers skip them.
type Worker struct {
	store  storage.Store
	cache  cache.Invalidator
	logger *slog.Logger

	processed metric.Int64Counter
}

// NewWorker creates a flag outbox worker. inv may be nil.
func NewWorker(store storage.Store, inv cache.Invalidator, logger *slog.Logger) *Worker {
	if inv == nil {
		inv = cache.Nop{}
	}
	w := &Worker{store: store, cache: inv, logger: logger}
	meter := telemetry.Meter("studysync/flagsync")
	if c, err := meter.Int64Counter("studysync.flag_outbox.processed",
		metric.WithDescription("Flag outbox rows recomputed and deleted"),
	); err == nil {
		w.processed = c
	}
	return w
}

// ProcessBatch claims up to limit rows, recomputes every affected base
// study, deletes the consumed rows and commits. Cache versions are bumped
// after commit. It returns the number of rows processed; an empty outbox
// yields (0, nil). Store failures fail the whole batch.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "flagsync.ProcessBatch")
	defer span.End()

	inv := model.InvalidationSet{}
	var n int
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		// The unit of work may be retried; start from a clean slate.
		inv = model.InvalidationSet{}
		n = 0

		entries, err := tx.ClaimFlagOutbox(ctx, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, len(entries))
		for i, e := range entries {
			ids[i] = e.BaseStudyID
			got, err := Recompute(ctx, tx, e.BaseStudyID)
			if err != nil {
				return err
			}
			inv.Merge(got)
		}
		if err := tx.DeleteFlagOutbox(ctx, ids); err != nil {
			return err
		}
		n = len(entries)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("flagsync: process batch: %w", err)
	}
	span.SetAttributes(attribute.Int("batch.processed", n))
	if n == 0 {
		return 0, nil
	}

	if err := w.cache.BumpVersions(ctx, inv); err != nil {
		// The flags are committed; a stale cache entry expires on its own.
		w.logger.Warn("flagsync: cache bump failed", "error", err, "ids", inv.Len())
	}
	if w.processed != nil {
		w.processed.Add(ctx, int64(n))
	}
	w.logger.Info("flagsync: batch processed", "count", n)
	return n, nil
}
