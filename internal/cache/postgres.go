package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/neurostuff/studysync/internal/model"
)

// Execer is the subset of pgxpool.Pool that PGVersions needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGVersions persists versions in the cache_versions table and publishes
// each bump on a NOTIFY channel so other processes can drop local entries.
type PGVersions struct {
	db      Execer
	channel string
	logger  *slog.Logger
}

var _ Invalidator = (*PGVersions)(nil)

// NewPGVersions creates a Postgres-backed invalidator publishing on channel.
func NewPGVersions(db Execer, channel string, logger *slog.Logger) *PGVersions {
	return &PGVersions{db: db, channel: channel, logger: logger}
}

// BumpVersions implements Invalidator.
func (p *PGVersions) BumpVersions(ctx context.Context, set model.InvalidationSet) error {
	if set.Len() == 0 {
		return nil
	}
	for _, rt := range set.ResourceTypes() {
		if _, err := p.db.Exec(ctx,
			`INSERT INTO cache_versions (resource_type, resource_id)
			 SELECT $1, id FROM unnest($2::uuid[]) AS id
			 ON CONFLICT (resource_type, resource_id) DO UPDATE
			 SET version = cache_versions.version + 1, updated_at = now()`,
			rt, set.IDs(rt),
		); err != nil {
			return fmt.Errorf("cache: bump %s versions: %w", rt, err)
		}
	}

	payloads, err := Payloads(set)
	if err != nil {
		return err
	}
	for _, payload := range payloads {
		if _, err := p.db.Exec(ctx, "SELECT pg_notify($1, $2)", p.channel, payload); err != nil {
			return fmt.Errorf("cache: notify %s: %w", p.channel, err)
		}
	}
	p.logger.Debug("cache: versions bumped", "resource_types", set.ResourceTypes(), "count", set.Len())
	return nil
}
