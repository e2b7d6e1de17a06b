// Package flagsync keeps media-capability flags consistent with the
// evidence rows under each base study. Write paths report changes through
// a FlagPolicy; the Worker drains the flag outbox when the policy defers
// the work.
package flagsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/flags"
	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

// Reasons recorded on flag outbox rows.
const (
	ReasonEvidenceChanged = "evidence-changed"
	ReasonEvidenceMoved   = "evidence-moved"
	ReasonMerged          = "base-study-merged"
)

// Recompute recalculates the flags of a base study, its study versions and
// their analyses from the evidence visible in tx, writing the scopes whose
// flags changed. The returned set names every scope that was read, since
// derived representations may change even when the flags did not.
// A base study that no longer exists yields an empty set.
func Recompute(ctx context.Context, tx storage.Tx, baseStudyID uuid.UUID) (model.InvalidationSet, error) {
	inv := model.InvalidationSet{}

	bases, err := tx.GetBaseStudies(ctx, []uuid.UUID{baseStudyID})
	if err != nil {
		return nil, fmt.Errorf("flagsync: load base study %s: %w", baseStudyID, err)
	}
	if len(bases) == 0 {
		return inv, nil
	}
	base := bases[0]

	studies, err := tx.ListStudies(ctx, baseStudyID)
	if err != nil {
		return nil, fmt.Errorf("flagsync: list studies of %s: %w", baseStudyID, err)
	}
	evs, err := tx.ListAnalysisEvidence(ctx, baseStudyID)
	if err != nil {
		return nil, fmt.Errorf("flagsync: list evidence of %s: %w", baseStudyID, err)
	}

	studyIDs := make([]uuid.UUID, len(studies))
	for i, s := range studies {
		studyIDs[i] = s.ID
	}
	res := flags.Compute(studyIDs, evs)

	for _, ev := range evs {
		inv.Add(model.ResourceAnalyses, ev.AnalysisID)
		if f := res.Analyses[ev.AnalysisID]; f != ev.Flags {
			if err := tx.UpdateAnalysisFlags(ctx, ev.AnalysisID, f); err != nil {
				return nil, fmt.Errorf("flagsync: write analysis %s: %w", ev.AnalysisID, err)
			}
		}
	}
	for _, s := range studies {
		inv.Add(model.ResourceStudies, s.ID)
		if f := res.Studies[s.ID]; f != s.Flags {
			if err := tx.UpdateStudyFlags(ctx, s.ID, f); err != nil {
				return nil, fmt.Errorf("flagsync: write study %s: %w", s.ID, err)
			}
		}
	}
	inv.Add(model.ResourceBaseStudies, baseStudyID)
	if res.BaseStudy != base.Flags {
		if err := tx.UpdateBaseStudyFlags(ctx, baseStudyID, res.BaseStudy); err != nil {
			return nil, fmt.Errorf("flagsync: write base study %s: %w", baseStudyID, err)
		}
	}
	return inv, nil
}
