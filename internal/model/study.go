package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Flags are the derived media-capability booleans carried at analysis,
// study and base-study scope.
type Flags struct {
	HasCoordinates         bool `json:"has_coordinates"`
	HasImages              bool `json:"has_images"`
	HasZMaps               bool `json:"has_z_maps"`
	HasTMaps               bool `json:"has_t_maps"`
	HasBetaAndVarianceMaps bool `json:"has_beta_and_variance_maps"`
}

// BaseStudy is the canonical, publication-level record. Duplicates are
// never deleted: they are deactivated and point at their canonical record
// through SupersededBy.
type BaseStudy struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description"`
	Publication  string     `json:"publication"`
	Authors      string     `json:"authors"`
	Year         int        `json:"year,omitempty"`
	IsOA         *bool      `json:"is_oa,omitempty"`
	DOI          string     `json:"doi,omitempty"`
	PMID         string     `json:"pmid,omitempty"`
	PMCID        string     `json:"pmcid,omitempty"`
	Level        string     `json:"level,omitempty"`
	Flags        Flags      `json:"flags"`
	IsActive     bool       `json:"is_active"`
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Record projects the base study's bibliographic fields.
func (b BaseStudy) Record() Record {
	return Record{
		Name:        b.Name,
		Description: b.Description,
		Publication: b.Publication,
		Authors:     b.Authors,
		Year:        b.Year,
		IsOA:        b.IsOA,
		DOI:         b.DOI,
		PMID:        b.PMID,
		PMCID:       b.PMCID,
	}
}

// ApplyRecord overwrites the bibliographic fields with r.
func (b *BaseStudy) ApplyRecord(r Record) {
	b.Name = r.Name
	b.Description = r.Description
	b.Publication = r.Publication
	b.Authors = r.Authors
	b.Year = r.Year
	b.IsOA = r.IsOA
	b.DOI = r.DOI
	b.PMID = r.PMID
	b.PMCID = r.PMCID
}

// Supersede deactivates b in favour of canonical. A base study can never
// supersede itself.
func (b *BaseStudy) Supersede(canonical uuid.UUID) error {
	if canonical == uuid.Nil {
		return fmt.Errorf("%w: base study %s superseded by nil id", ErrMergeInvariant, b.ID)
	}
	if canonical == b.ID {
		return fmt.Errorf("%w: base study %s cannot supersede itself", ErrMergeInvariant, b.ID)
	}
	id := canonical
	b.SupersededBy = &id
	b.IsActive = false
	return nil
}

// Older reports whether b was created before other. Creation ties are broken
// by id so the choice of canonical record is deterministic.
func (b BaseStudy) Older(other BaseStudy) bool {
	if !b.CreatedAt.Equal(other.CreatedAt) {
		return b.CreatedAt.Before(other.CreatedAt)
	}
	return b.ID.String() < other.ID.String()
}

// Study is one ingested version of a BaseStudy. It keeps its own copy of
// the bibliographic fields, which may be curated independently.
type Study struct {
	ID          uuid.UUID `json:"id"`
	BaseStudyID uuid.UUID `json:"base_study_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Publication string    `json:"publication"`
	Authors     string    `json:"authors"`
	Year        int       `json:"year,omitempty"`
	DOI         string    `json:"doi,omitempty"`
	PMID        string    `json:"pmid,omitempty"`
	PMCID       string    `json:"pmcid,omitempty"`
	Flags       Flags     `json:"flags"`
	CreatedAt   time.Time `json:"created_at"`
}

// propagatedFields are the version fields backfilled from the canonical
// base study.
var propagatedFields = []Field{
	FieldName, FieldPublication, FieldAuthors, FieldYear,
	FieldDOI, FieldPMID, FieldPMCID,
}

// FillFrom backfills blank or zero fields of s from the base study's
// resolved values. Values the version already carries are kept. It
// reports whether anything changed.
func (s *Study) FillFrom(b BaseStudy) bool {
	cur := Record{
		Name: s.Name, Publication: s.Publication, Authors: s.Authors,
		Year: s.Year, DOI: s.DOI, PMID: s.PMID, PMCID: s.PMCID,
	}
	src := b.Record()
	changed := false
	for _, f := range propagatedFields {
		if !cur.IsMissing(f) || src.IsMissing(f) {
			continue
		}
		switch f {
		case FieldName:
			s.Name = src.Name
		case FieldPublication:
			s.Publication = src.Publication
		case FieldAuthors:
			s.Authors = src.Authors
		case FieldYear:
			s.Year = src.Year
		case FieldDOI:
			s.DOI = src.DOI
		case FieldPMID:
			s.PMID = src.PMID
		case FieldPMCID:
			s.PMCID = src.PMCID
		}
		changed = true
	}
	return changed
}

// AnalysisEvidence is the projection of an analysis and its leaf rows that
// flag recomputation needs: how many points it owns and the value_type of
// each of its images.
type AnalysisEvidence struct {
	AnalysisID      uuid.UUID `json:"analysis_id"`
	StudyID         uuid.UUID `json:"study_id"`
	PointCount      int       `json:"point_count"`
	ImageValueTypes []string  `json:"image_value_types"`
	Flags           Flags     `json:"flags"`
}
