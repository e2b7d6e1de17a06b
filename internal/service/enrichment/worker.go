package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/neurostuff/studysync/internal/cache"
	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/search"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/telemetry"
)

var tracer = telemetry.Tracer("studysync/enrichment")

// WorkerConfig holds the metadata worker timings.
type WorkerConfig struct {
	// Lease is how long a claimed row stays invisible to other workers.
	Lease time.Duration
	// RowTimeout bounds provider I/O and the merge for one row.
	RowTimeout time.Duration
	// RetryDelay pushes a failed row's eligibility into the future.
	RetryDelay time.Duration
}

// Worker drains the metadata outbox. Unlike the flag worker, rows are
// claimed with a committed lease so provider requests never hold row locks.
type Worker struct {
	store  storage.Store
	engine *Engine
	cache  cache.Invalidator
	mirror search.EmbeddingMirror
	cfg    WorkerConfig
	logger *slog.Logger

	processed metric.Int64Counter
	deferred  metric.Int64Counter
}

// NewWorker creates a metadata outbox worker. inv and mirror may be nil.
func NewWorker(store storage.Store, engine *Engine, inv cache.Invalidator, mirror search.EmbeddingMirror, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if inv == nil {
		inv = cache.Nop{}
	}
	if mirror == nil {
		mirror = search.Nop{}
	}
	if cfg.RowTimeout <= 0 {
		cfg.RowTimeout = 60 * time.Second
	}
	if cfg.Lease < cfg.RowTimeout {
		cfg.Lease = cfg.RowTimeout
	}
	w := &Worker{
		store:  store,
		engine: engine,
		cache:  inv,
		mirror: mirror,
		cfg:    cfg,
		logger: logger,
	}
	meter := telemetry.Meter("studysync/enrichment")
	if c, err := meter.Int64Counter("studysync.metadata_outbox.processed",
		metric.WithDescription("Metadata outbox rows resolved"),
	); err == nil {
		w.processed = c
	}
	if c, err := meter.Int64Counter("studysync.metadata_outbox.deferred",
		metric.WithDescription("Metadata outbox rows deferred after a failure"),
	); err == nil {
		w.deferred = c
	}
	return w
}

// ProcessBatch claims up to limit eligible rows and resolves each one.
// A row that fails is deferred by the retry delay and not counted. Claim
// failures, and rows failing because the store is unreachable, fail the
// batch; rows not yet reached are picked up again when their lease expires.
func (w *Worker) ProcessBatch(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "enrichment.ProcessBatch")
	defer span.End()

	token := uuid.New()
	var entries []model.OutboxEntry
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		entries, err = tx.ClaimMetadataOutbox(ctx, limit, w.cfg.Lease, token)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("enrichment: claim batch: %w", err)
	}

	n := 0
	var done []*Result
	defer func() { w.afterCommit(ctx, done) }()
	for _, entry := range entries {
		res, err := w.processRow(ctx, entry)
		if err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return n, fmt.Errorf("enrichment: process %s: %w", entry.BaseStudyID, err)
			}
			w.deferRow(ctx, entry, err)
			continue
		}
		n++
		if w.processed != nil {
			w.processed.Add(ctx, 1)
		}
		if res != nil {
			done = append(done, res)
		}
	}
	span.SetAttributes(attribute.Int("batch.claimed", len(entries)), attribute.Int("batch.processed", n))
	if len(entries) > 0 {
		w.logger.Info("enrichment: batch processed", "claimed", len(entries), "count", n)
	}
	return n, nil
}

// processRow resolves one obligation under the row timeout. A nil result
// with a nil error means the row was dropped because its base study is gone.
func (w *Worker) processRow(ctx context.Context, entry model.OutboxEntry) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.RowTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "enrichment.processRow")
	defer span.End()
	span.SetAttributes(attribute.String("base_study_id", entry.BaseStudyID.String()))

	var base model.BaseStudy
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		base, err = ResolveCanonical(ctx, tx, entry.BaseStudyID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("enrichment: base study gone, dropping obligation", "base_study_id", entry.BaseStudyID)
		return nil, w.store.InTx(ctx, func(tx storage.Tx) error {
			_, err := tx.DeleteMetadataOutbox(ctx, entry.BaseStudyID, entry.ClaimToken)
			return err
		})
	}
	if err != nil {
		return nil, err
	}

	rec, outcome, err := w.engine.Enrich(ctx, base)
	if err != nil {
		return nil, err
	}

	var res Result
	err = w.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		res, err = w.engine.Canonicalize(ctx, tx, base.ID, rec, &entry)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Called = outcome.Called
	w.logger.Debug("enrichment: row resolved",
		"base_study_id", entry.BaseStudyID, "primary_id", res.Primary,
		"filled", res.Filled, "providers", res.Called, "superseded", len(res.Superseded))
	return &res, nil
}

// deferRow releases a failed row. The row timeout may have expired, so the
// release runs on the batch context.
func (w *Worker) deferRow(ctx context.Context, entry model.OutboxEntry, cause error) {
	if w.deferred != nil {
		w.deferred.Add(ctx, 1)
	}
	w.logger.Warn("enrichment: row deferred",
		"base_study_id", entry.BaseStudyID, "attempts", entry.Attempts+1,
		"merge_invariant", errors.Is(cause, model.ErrMergeInvariant), "error", cause)
	if entry.ClaimToken == nil {
		return
	}
	err := w.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.DeferMetadataOutbox(ctx, entry.BaseStudyID, *entry.ClaimToken, w.cfg.RetryDelay, cause.Error())
	})
	if err != nil {
		// The lease still expires, so the row is retried either way.
		w.logger.Error("enrichment: defer failed", "base_study_id", entry.BaseStudyID, "error", err)
	}
}

// afterCommit runs once per batch over the rows that committed: one cache
// bump for every id touched, then mirror repoints for each merge. The
// mirror is checked once and skipped when unreachable; Postgres already
// holds the reassigned embeddings.
func (w *Worker) afterCommit(ctx context.Context, done []*Result) {
	if len(done) == 0 {
		return
	}
	inv := model.InvalidationSet{}
	merges := 0
	for _, res := range done {
		inv.Merge(res.Invalidate)
		merges += len(res.Superseded)
	}
	if err := w.cache.BumpVersions(ctx, inv); err != nil {
		w.logger.Warn("enrichment: cache bump failed", "rows", len(done), "error", err)
	}
	if merges == 0 {
		return
	}
	if err := w.mirror.Healthy(ctx); err != nil {
		w.logger.Warn("enrichment: embedding mirror unavailable, skipping repoints",
			"merges", merges, "error", err)
		return
	}
	for _, res := range done {
		for _, from := range res.Superseded {
			if err := w.mirror.Repoint(ctx, from, res.Primary, res.Moved[from]); err != nil {
				w.logger.Warn("enrichment: embedding mirror repoint failed",
					"from", from, "to", res.Primary, "error", err)
			}
		}
	}
}
