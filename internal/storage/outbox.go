package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neurostuff/studysync/internal/model"
)

// Outbox table names.
const (
	flagOutboxTable     = "base_study_flag_outbox"
	metadataOutboxTable = "base_study_metadata_outbox"
)

// UniqueIDs drops duplicates and nil ids, keeping first-seen order. A
// single INSERT ... ON CONFLICT cannot touch the same row twice.
func UniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (t *pgTx) UpsertFlagOutbox(ctx context.Context, ids []uuid.UUID, reason string) (int, error) {
	ids = UniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO base_study_flag_outbox (base_study_id, reason)
		 SELECT id, $2 FROM unnest($1::uuid[]) AS id
		 ON CONFLICT (base_study_id) DO UPDATE
		 SET reason = EXCLUDED.reason, updated_at = now()`,
		ids, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: upsert flag outbox: %w", err)
	}
	if err := t.notifyTx(ctx, ChannelOutbox, string(model.FlagOutbox)); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ClaimFlagOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT base_study_id, reason, enqueued_at, updated_at
		 FROM base_study_flag_outbox
		 ORDER BY enqueued_at ASC, base_study_id ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim flag outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.BaseStudyID, &e.Reason, &e.EnqueuedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan flag outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) DeleteFlagOutbox(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM base_study_flag_outbox WHERE base_study_id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete flag outbox: %w", err)
	}
	return nil
}

// UpsertMetadataOutbox enqueues or refreshes metadata obligations. A refresh
// clears the claim token so the in-flight worker cannot delete the row, but
// a leased row keeps its lease: it is claimable again once the lease runs
// out, not while the first worker is still on it.
func (t *pgTx) UpsertMetadataOutbox(ctx context.Context, ids []uuid.UUID, reason string) (int, error) {
	ids = UniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO base_study_metadata_outbox (base_study_id, reason)
		 SELECT id, $2 FROM unnest($1::uuid[]) AS id
		 ON CONFLICT (base_study_id) DO UPDATE
		 SET reason = EXCLUDED.reason,
		     updated_at = CASE
		         WHEN base_study_metadata_outbox.claim_token IS NULL THEN now()
		         ELSE GREATEST(base_study_metadata_outbox.updated_at, now())
		     END,
		     claim_token = NULL`,
		ids, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: upsert metadata outbox: %w", err)
	}
	if err := t.notifyTx(ctx, ChannelOutbox, string(model.MetadataOutbox)); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) ClaimMetadataOutbox(ctx context.Context, limit int, lease time.Duration, token uuid.UUID) ([]model.OutboxEntry, error) {
	rows, err := t.tx.Query(ctx,
		`WITH claimed AS (
		     SELECT base_study_id
		     FROM base_study_metadata_outbox
		     WHERE updated_at <= now()
		     ORDER BY updated_at ASC, base_study_id ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE base_study_metadata_outbox o
		 SET claim_token = $2,
		     updated_at = now() + $3::float8 * interval '1 second'
		 FROM claimed
		 WHERE o.base_study_id = claimed.base_study_id
		 RETURNING o.base_study_id, o.reason, o.enqueued_at, o.updated_at,
		           o.attempts, COALESCE(o.last_error, ''), o.claim_token`,
		limit, token, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim metadata outbox: %w", err)
	}
	return scanMetadataEntries(rows)
}

func scanMetadataEntries(rows pgx.Rows) ([]model.OutboxEntry, error) {
	defer rows.Close()
	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(
			&e.BaseStudyID, &e.Reason, &e.EnqueuedAt, &e.UpdatedAt,
			&e.Attempts, &e.LastError, &e.ClaimToken,
		); err != nil {
			return nil, fmt.Errorf("storage: scan metadata outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) DeleteMetadataOutbox(ctx context.Context, id uuid.UUID, token *uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM base_study_metadata_outbox
		 WHERE base_study_id = $1
		   AND ($2::uuid IS NULL OR claim_token = $2)`,
		id, token,
	)
	if err != nil {
		return false, fmt.Errorf("storage: delete metadata outbox %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeferMetadataOutbox(ctx context.Context, id, token uuid.UUID, delay time.Duration, errMsg string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE base_study_metadata_outbox
		 SET updated_at = now() + $3::float8 * interval '1 second',
		     attempts = attempts + 1,
		     last_error = $4,
		     claim_token = NULL
		 WHERE base_study_id = $1 AND claim_token = $2`,
		id, token, delay.Seconds(), errMsg,
	); err != nil {
		return fmt.Errorf("storage: defer metadata outbox %s: %w", id, err)
	}
	return nil
}

func (t *pgTx) OutboxStats(ctx context.Context, kind model.OutboxKind) (model.OutboxStats, error) {
	table, err := outboxTable(kind)
	if err != nil {
		return model.OutboxStats{}, err
	}
	var s model.OutboxStats
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*)::int, MIN(enqueued_at) FROM `+pgx.Identifier{table}.Sanitize(),
	).Scan(&s.Pending, &s.Oldest); err != nil {
		return s, fmt.Errorf("storage: %s outbox stats: %w", kind, err)
	}
	return s, nil
}

func outboxTable(kind model.OutboxKind) (string, error) {
	switch kind {
	case model.FlagOutbox:
		return flagOutboxTable, nil
	case model.MetadataOutbox:
		return metadataOutboxTable, nil
	}
	return "", fmt.Errorf("storage: unknown outbox kind %q", kind)
}
