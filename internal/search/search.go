// Package search mirrors pipeline embeddings into an external vector index.
// Postgres remains the source of truth; the mirror is repaired on merges so
// similarity queries keyed by base study follow the canonical record.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
)

// EmbeddingMirror is the vector index view of pipeline_embeddings.
// Implementations must be safe for concurrent use.
type EmbeddingMirror interface {
	// Repoint moves every mirrored embedding of from to to. moved holds the
	// rows that were reassigned in Postgres, vectors included.
	Repoint(ctx context.Context, from, to uuid.UUID, moved []model.PipelineEmbedding) error

	// Healthy returns nil if the index is reachable, or an error describing the problem.
	Healthy(ctx context.Context) error
}

// Nop is the mirror used when no vector index is configured.
type Nop struct{}

func (Nop) Repoint(context.Context, uuid.UUID, uuid.UUID, []model.PipelineEmbedding) error {
	return nil
}

func (Nop) Healthy(context.Context) error { return nil }
