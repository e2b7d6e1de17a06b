package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/neurostuff/studysync/internal/model"
)

const baseStudyColumns = `id, COALESCE(name, ''), COALESCE(description, ''),
	COALESCE(publication, ''), COALESCE(authors, ''), COALESCE(year, 0), is_oa,
	COALESCE(doi, ''), COALESCE(pmid, ''), COALESCE(pmcid, ''), COALESCE(level, ''),
	has_coordinates, has_images, has_z_maps, has_t_maps, has_beta_and_variance_maps,
	is_active, superseded_by, created_at, updated_at`

func scanBaseStudy(row pgx.Row) (model.BaseStudy, error) {
	var b model.BaseStudy
	err := row.Scan(
		&b.ID, &b.Name, &b.Description, &b.Publication, &b.Authors, &b.Year, &b.IsOA,
		&b.DOI, &b.PMID, &b.PMCID, &b.Level,
		&b.Flags.HasCoordinates, &b.Flags.HasImages, &b.Flags.HasZMaps,
		&b.Flags.HasTMaps, &b.Flags.HasBetaAndVarianceMaps,
		&b.IsActive, &b.SupersededBy, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

func collectBaseStudies(rows pgx.Rows) ([]model.BaseStudy, error) {
	defer rows.Close()
	var out []model.BaseStudy
	for rows.Next() {
		b, err := scanBaseStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan base study: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) GetBaseStudies(ctx context.Context, ids []uuid.UUID) ([]model.BaseStudy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+baseStudyColumns+` FROM base_studies WHERE id = ANY($1) ORDER BY created_at, id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get base studies: %w", err)
	}
	return collectBaseStudies(rows)
}

func (t *pgTx) LockBaseStudy(ctx context.Context, id uuid.UUID) (model.BaseStudy, error) {
	b, err := scanBaseStudy(t.tx.QueryRow(ctx,
		`SELECT `+baseStudyColumns+` FROM base_studies WHERE id = $1 FOR UPDATE`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return b, fmt.Errorf("storage: base study %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return b, fmt.Errorf("storage: lock base study %s: %w", id, err)
	}
	return b, nil
}

// FindDuplicateBaseStudies locks the active base studies sharing any
// identifier with ids. Both sides are normalized, so stored values in URL or
// mixed-case form still match.
func (t *pgTx) FindDuplicateBaseStudies(ctx context.Context, exclude uuid.UUID, ids model.Identifiers) ([]model.BaseStudy, error) {
	ids = ids.Normalize()
	if ids.Empty() {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+baseStudyColumns+` FROM base_studies
		 WHERE is_active AND id <> $1
		   AND (($2 <> '' AND normalize_doi(doi) = $2)
		     OR ($3 <> '' AND normalize_pmid(pmid) = $3)
		     OR ($4 <> '' AND normalize_pmcid(pmcid) = $4))
		 ORDER BY created_at, id
		 FOR UPDATE`,
		exclude, ids.DOI, ids.PMID, ids.PMCID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find duplicates of %s: %w", exclude, err)
	}
	return collectBaseStudies(rows)
}

// ValidateBaseStudy rejects writes that would break the supersession
// invariants. Both store implementations call it before writing.
func ValidateBaseStudy(b model.BaseStudy) error {
	if b.SupersededBy == nil {
		return nil
	}
	if *b.SupersededBy == b.ID {
		return fmt.Errorf("%w: base study %s superseded by itself", model.ErrMergeInvariant, b.ID)
	}
	if b.IsActive {
		return fmt.Errorf("%w: active base study %s has superseded_by set", model.ErrMergeInvariant, b.ID)
	}
	return nil
}

func (t *pgTx) UpdateBaseStudy(ctx context.Context, b model.BaseStudy) error {
	if err := ValidateBaseStudy(b); err != nil {
		return err
	}
	ids := b.Record().Identifiers().Normalize()
	tag, err := t.tx.Exec(ctx,
		`UPDATE base_studies SET
		     name = NULLIF(btrim($2), ''),
		     description = NULLIF(btrim($3), ''),
		     publication = NULLIF(btrim($4), ''),
		     authors = NULLIF(btrim($5), ''),
		     year = NULLIF($6, 0),
		     is_oa = $7,
		     doi = NULLIF($8, ''),
		     pmid = NULLIF($9, ''),
		     pmcid = NULLIF($10, ''),
		     is_active = $11,
		     superseded_by = $12,
		     updated_at = now()
		 WHERE id = $1`,
		b.ID, b.Name, b.Description, b.Publication, b.Authors, b.Year, b.IsOA,
		ids.DOI, ids.PMID, ids.PMCID, b.IsActive, b.SupersededBy,
	)
	if err != nil {
		switch pgCode(err) {
		case codeUniqueViolation, codeCheckViolation:
			return fmt.Errorf("%w: update base study %s: %w", model.ErrMergeInvariant, b.ID, err)
		}
		return fmt.Errorf("storage: update base study %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: base study %s: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) RepointSupersession(ctx context.Context, from, to uuid.UUID) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE base_studies SET superseded_by = $2, updated_at = now()
		 WHERE superseded_by = $1 AND id <> $2`,
		from, to,
	); err != nil {
		return fmt.Errorf("storage: repoint supersession %s -> %s: %w", from, to, err)
	}
	return nil
}

func (t *pgTx) UpdateBaseStudyFlags(ctx context.Context, id uuid.UUID, f model.Flags) error {
	return t.updateFlags(ctx, "base_studies", id, f)
}

func (t *pgTx) updateFlags(ctx context.Context, table string, id uuid.UUID, f model.Flags) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+pgx.Identifier{table}.Sanitize()+` SET
		     has_coordinates = $2,
		     has_images = $3,
		     has_z_maps = $4,
		     has_t_maps = $5,
		     has_beta_and_variance_maps = $6
		 WHERE id = $1`,
		id, f.HasCoordinates, f.HasImages, f.HasZMaps, f.HasTMaps, f.HasBetaAndVarianceMaps,
	)
	if err != nil {
		return fmt.Errorf("storage: update %s flags %s: %w", table, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: %s %s: %w", table, id, ErrNotFound)
	}
	return nil
}
