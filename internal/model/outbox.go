package model

import (
	"time"

	"github.com/google/uuid"
)

// OutboxKind selects one of the two work queues.
type OutboxKind string

const (
	// FlagOutbox holds pending capability-flag recomputations.
	FlagOutbox OutboxKind = "flags"
	// MetadataOutbox holds pending enrichment / canonicalization work.
	MetadataOutbox OutboxKind = "metadata"
)

// OutboxEntry is one pending obligation. There is at most one entry per
// base study and kind: enqueueing again refreshes the existing row.
type OutboxEntry struct {
	BaseStudyID uuid.UUID  `json:"base_study_id"`
	Reason      string     `json:"reason"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ClaimToken  *uuid.UUID `json:"claim_token,omitempty"`
}

// OutboxStats summarises a queue for health checks.
type OutboxStats struct {
	Pending int
	Oldest  *time.Time // nil when the queue is empty
}

// PipelineStudyResult is a pipeline output owned by a base study. Unique on
// (BaseStudyID, PipelineConfigID).
type PipelineStudyResult struct {
	ID               uuid.UUID      `json:"id"`
	BaseStudyID      uuid.UUID      `json:"base_study_id"`
	PipelineConfigID uuid.UUID      `json:"pipeline_config_id"`
	Result           map[string]any `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// PipelineEmbedding is a vector computed for a base study by a pipeline.
// Unique on (BaseStudyID, PipelineConfigID).
type PipelineEmbedding struct {
	ID               uuid.UUID `json:"id"`
	BaseStudyID      uuid.UUID `json:"base_study_id"`
	PipelineConfigID uuid.UUID `json:"pipeline_config_id"`
	Embedding        []float32 `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}
