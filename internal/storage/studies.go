package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
)

func (t *pgTx) ListStudies(ctx context.Context, baseStudyID uuid.UUID) ([]model.Study, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, base_study_id, COALESCE(name, ''), COALESCE(description, ''),
		        COALESCE(publication, ''), COALESCE(authors, ''), COALESCE(year, 0),
		        COALESCE(doi, ''), COALESCE(pmid, ''), COALESCE(pmcid, ''),
		        has_coordinates, has_images, has_z_maps, has_t_maps, has_beta_and_variance_maps,
		        created_at
		 FROM studies WHERE base_study_id = $1
		 ORDER BY created_at, id`,
		baseStudyID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list studies of %s: %w", baseStudyID, err)
	}
	defer rows.Close()

	var out []model.Study
	for rows.Next() {
		var s model.Study
		if err := rows.Scan(
			&s.ID, &s.BaseStudyID, &s.Name, &s.Description, &s.Publication, &s.Authors, &s.Year,
			&s.DOI, &s.PMID, &s.PMCID,
			&s.Flags.HasCoordinates, &s.Flags.HasImages, &s.Flags.HasZMaps,
			&s.Flags.HasTMaps, &s.Flags.HasBetaAndVarianceMaps,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan study: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateStudy(ctx context.Context, s model.Study) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE studies SET
		     name = NULLIF(btrim($2), ''),
		     description = NULLIF(btrim($3), ''),
		     publication = NULLIF(btrim($4), ''),
		     authors = NULLIF(btrim($5), ''),
		     year = NULLIF($6, 0),
		     doi = NULLIF(btrim($7), ''),
		     pmid = NULLIF(btrim($8), ''),
		     pmcid = NULLIF(btrim($9), '')
		 WHERE id = $1`,
		s.ID, s.Name, s.Description, s.Publication, s.Authors, s.Year, s.DOI, s.PMID, s.PMCID,
	)
	if err != nil {
		return fmt.Errorf("storage: update study %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: study %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpdateStudyFlags(ctx context.Context, id uuid.UUID, f model.Flags) error {
	return t.updateFlags(ctx, "studies", id, f)
}

func (t *pgTx) ReassignStudies(ctx context.Context, from, to uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx,
		`UPDATE studies SET base_study_id = $2 WHERE base_study_id = $1 RETURNING id`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: reassign studies %s -> %s: %w", from, to, err)
	}
	return collectIDs(rows)
}

func (t *pgTx) ListAnalysisEvidence(ctx context.Context, baseStudyID uuid.UUID) ([]model.AnalysisEvidence, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT a.id, a.study_id,
		        (SELECT COUNT(*) FROM points p WHERE p.analysis_id = a.id)::int,
		        COALESCE((SELECT array_agg(COALESCE(i.value_type, '') ORDER BY i.id)
		                  FROM images i WHERE i.analysis_id = a.id), '{}'::text[]),
		        a.has_coordinates, a.has_images, a.has_z_maps, a.has_t_maps, a.has_beta_and_variance_maps
		 FROM analyses a
		 JOIN studies s ON s.id = a.study_id
		 WHERE s.base_study_id = $1
		 ORDER BY a.study_id, a.id`,
		baseStudyID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list analysis evidence of %s: %w", baseStudyID, err)
	}
	defer rows.Close()

	var out []model.AnalysisEvidence
	for rows.Next() {
		var ev model.AnalysisEvidence
		if err := rows.Scan(
			&ev.AnalysisID, &ev.StudyID, &ev.PointCount, &ev.ImageValueTypes,
			&ev.Flags.HasCoordinates, &ev.Flags.HasImages, &ev.Flags.HasZMaps,
			&ev.Flags.HasTMaps, &ev.Flags.HasBetaAndVarianceMaps,
		); err != nil {
			return nil, fmt.Errorf("storage: scan analysis evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateAnalysisFlags(ctx context.Context, id uuid.UUID, f model.Flags) error {
	return t.updateFlags(ctx, "analyses", id, f)
}
