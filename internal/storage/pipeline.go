package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/neurostuff/studysync/internal/model"
)

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pipelineCollision reports whether to already owns a row in table for a
// pipeline config that from also has a row for.
func (t *pgTx) pipelineCollision(ctx context.Context, table string, from, to uuid.UUID) error {
	tbl := pgx.Identifier{table}.Sanitize()
	var conflicts int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*)::int FROM `+tbl+` f
		 JOIN `+tbl+` d ON d.pipeline_config_id = f.pipeline_config_id AND d.base_study_id = $2
		 WHERE f.base_study_id = $1`,
		from, to,
	).Scan(&conflicts); err != nil {
		return fmt.Errorf("storage: check %s collisions: %w", table, err)
	}
	if conflicts > 0 {
		return fmt.Errorf("%w: %d %s rows of %s collide with %s", model.ErrMergeInvariant, conflicts, table, from, to)
	}
	return nil
}

func (t *pgTx) ReassignPipelineStudyResults(ctx context.Context, from, to uuid.UUID) (int, error) {
	if err := t.pipelineCollision(ctx, "pipeline_study_results", from, to); err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE pipeline_study_results SET base_study_id = $2 WHERE base_study_id = $1`,
		from, to,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reassign pipeline results %s -> %s: %w", from, to, err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ReassignPipelineEmbeddings(ctx context.Context, from, to uuid.UUID) ([]model.PipelineEmbedding, error) {
	if err := t.pipelineCollision(ctx, "pipeline_embeddings", from, to); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx,
		`UPDATE pipeline_embeddings SET base_study_id = $2 WHERE base_study_id = $1
		 RETURNING id, base_study_id, pipeline_config_id, embedding, created_at`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reassign pipeline embeddings %s -> %s: %w", from, to, err)
	}
	defer rows.Close()

	var moved []model.PipelineEmbedding
	for rows.Next() {
		var (
			e   model.PipelineEmbedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.ID, &e.BaseStudyID, &e.PipelineConfigID, &vec, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan pipeline embedding: %w", err)
		}
		e.Embedding = vec.Slice()
		moved = append(moved, e)
	}
	return moved, rows.Err()
}
