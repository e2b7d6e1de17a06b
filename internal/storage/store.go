package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
)

// Store runs units of work against the relational store. Every write made
// through the Tx passed to fn commits atomically, or not at all if fn
// returns an error.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of operations available inside one transaction. DB and
// memstore.Store provide the two implementations.
type Tx interface {
	OutboxTx
	BaseStudyTx
	StudyTx
	PipelineTx
}

// OutboxTx manages the two deduplicated work queues. Rows are keyed by
// base study id, so enqueueing is an upsert.
type OutboxTx interface {
	// UpsertFlagOutbox inserts a flag row per id or refreshes reason and
	// updated_at on an existing row. Returns the number of ids written.
	UpsertFlagOutbox(ctx context.Context, ids []uuid.UUID, reason string) (int, error)

	// ClaimFlagOutbox locks up to limit rows, oldest enqueued first,
	// skipping rows locked by another transaction. Locks are held until
	// the surrounding transaction ends.
	ClaimFlagOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)

	// DeleteFlagOutbox removes consumed flag rows.
	DeleteFlagOutbox(ctx context.Context, ids []uuid.UUID) error

	// UpsertMetadataOutbox inserts a metadata row per id or refreshes an
	// existing one, clearing any claim so the row is immediately eligible.
	UpsertMetadataOutbox(ctx context.Context, ids []uuid.UUID, reason string) (int, error)

	// ClaimMetadataOutbox selects up to limit eligible rows (updated_at not
	// in the future), oldest first, skipping locked rows, and stamps them
	// with token and a lease that pushes updated_at forward.
	ClaimMetadataOutbox(ctx context.Context, limit int, lease time.Duration, token uuid.UUID) ([]model.OutboxEntry, error)

	// DeleteMetadataOutbox removes the row for id. With a non-nil token the
	// row is only removed while it still carries that claim, so a refresh
	// that arrived during processing is kept. Reports whether a row was removed.
	DeleteMetadataOutbox(ctx context.Context, id uuid.UUID, token *uuid.UUID) (bool, error)

	// DeferMetadataOutbox releases a claimed row, pushing updated_at delay
	// into the future and recording the failure.
	DeferMetadataOutbox(ctx context.Context, id, token uuid.UUID, delay time.Duration, errMsg string) error

	// OutboxStats reports the backlog of a queue.
	OutboxStats(ctx context.Context, kind model.OutboxKind) (model.OutboxStats, error)
}

// BaseStudyTx reads and writes canonical records.
type BaseStudyTx interface {
	// GetBaseStudies returns the base studies that exist among ids.
	GetBaseStudies(ctx context.Context, ids []uuid.UUID) ([]model.BaseStudy, error)

	// LockBaseStudy returns the base study locked for update, or ErrNotFound.
	LockBaseStudy(ctx context.Context, id uuid.UUID) (model.BaseStudy, error)

	// FindDuplicateBaseStudies locks and returns active base studies other
	// than exclude that share a doi, pmid or pmcid with ids.
	FindDuplicateBaseStudies(ctx context.Context, exclude uuid.UUID, ids model.Identifiers) ([]model.BaseStudy, error)

	// UpdateBaseStudy writes bibliographic fields, is_active and superseded_by.
	UpdateBaseStudy(ctx context.Context, b model.BaseStudy) error

	// RepointSupersession moves every superseded_by reference from one
	// base study to another so supersession never needs more than one hop.
	RepointSupersession(ctx context.Context, from, to uuid.UUID) error

	// UpdateBaseStudyFlags writes the capability flags of a base study.
	UpdateBaseStudyFlags(ctx context.Context, id uuid.UUID, flags model.Flags) error
}

// StudyTx reads and writes study versions and their analyses.
type StudyTx interface {
	ListStudies(ctx context.Context, baseStudyID uuid.UUID) ([]model.Study, error)
	UpdateStudy(ctx context.Context, s model.Study) error
	UpdateStudyFlags(ctx context.Context, id uuid.UUID, flags model.Flags) error

	// ReassignStudies repoints every study of from to to and returns the
	// ids of the moved studies.
	ReassignStudies(ctx context.Context, from, to uuid.UUID) ([]uuid.UUID, error)

	// ListAnalysisEvidence returns the evidence projection of every
	// analysis under the base study's versions.
	ListAnalysisEvidence(ctx context.Context, baseStudyID uuid.UUID) ([]model.AnalysisEvidence, error)
	UpdateAnalysisFlags(ctx context.Context, id uuid.UUID, flags model.Flags) error
}

// PipelineTx reassigns pipeline rows owned by a base study.
type PipelineTx interface {
	// ReassignPipelineStudyResults repoints results of from to to. It
	// fails with model.ErrMergeInvariant when to already owns a result for
	// the same pipeline config.
	ReassignPipelineStudyResults(ctx context.Context, from, to uuid.UUID) (int, error)

	// ReassignPipelineEmbeddings repoints embeddings of from to to, with
	// the same collision rule, and returns the moved embeddings.
	ReassignPipelineEmbeddings(ctx context.Context, from, to uuid.UUID) ([]model.PipelineEmbedding, error)
}
