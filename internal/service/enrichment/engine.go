// Package enrichment fills missing bibliographic metadata on base studies
// from external providers and merges base studies that turn out to
// describe the same publication.
//
// Provider I/O happens outside any transaction; the merge itself runs in
// one transaction so dependents are never split across two base studies.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/providers"
	"github.com/neurostuff/studysync/internal/service/flagsync"
	"github.com/neurostuff/studysync/internal/storage"
)

// maxSupersessionHops bounds canonical resolution. Merges keep chains at a
// single hop; anything longer is repaired data or a cycle.
const maxSupersessionHops = 8

// Engine enriches and canonicalizes base studies.
type Engine struct {
	chain  *providers.Chain
	flags  flagsync.FlagPolicy
	logger *slog.Logger
}

// NewEngine creates an engine. flagPolicy decides how the merged primary's
// flags are brought up to date; nil means enqueue for the flag worker.
func NewEngine(chain *providers.Chain, flagPolicy flagsync.FlagPolicy, logger *slog.Logger) *Engine {
	if flagPolicy == nil {
		flagPolicy = flagsync.EnqueueForBatch{}
	}
	return &Engine{chain: chain, flags: flagPolicy, logger: logger}
}

// Result describes one resolved obligation.
type Result struct {
	Primary    uuid.UUID
	Superseded []uuid.UUID
	Filled     []model.Field
	Called     []string
	Invalidate model.InvalidationSet
	// Moved holds the embeddings reassigned from each superseded base study.
	Moved map[uuid.UUID][]model.PipelineEmbedding
}

// ResolveCanonical follows superseded_by from id to the active base study
// that currently represents it. Returns storage.ErrNotFound when id does
// not exist.
func ResolveCanonical(ctx context.Context, tx storage.Tx, id uuid.UUID) (model.BaseStudy, error) {
	cur := id
	for range maxSupersessionHops {
		got, err := tx.GetBaseStudies(ctx, []uuid.UUID{cur})
		if err != nil {
			return model.BaseStudy{}, fmt.Errorf("enrichment: resolve %s: %w", id, err)
		}
		if len(got) == 0 {
			return model.BaseStudy{}, fmt.Errorf("enrichment: base study %s: %w", cur, storage.ErrNotFound)
		}
		b := got[0]
		if b.SupersededBy == nil {
			return b, nil
		}
		if *b.SupersededBy == b.ID {
			return model.BaseStudy{}, fmt.Errorf("%w: base study %s superseded by itself", model.ErrMergeInvariant, b.ID)
		}
		cur = *b.SupersededBy
	}
	return model.BaseStudy{}, fmt.Errorf("%w: supersession chain from %s exceeds %d hops",
		model.ErrMergeInvariant, id, maxSupersessionHops)
}

// Enrich runs the provider chain over a base study's record. Records with
// nothing to key a lookup off are returned unchanged without calling any
// provider.
func (e *Engine) Enrich(ctx context.Context, b model.BaseStudy) (model.Record, providers.Outcome, error) {
	rec := b.Record()
	if !rec.CanEnrich() {
		return rec, providers.Outcome{}, nil
	}
	return e.chain.Enrich(ctx, rec)
}

// Canonicalize applies an enriched record to the base study id inside tx:
// it finds active duplicates sharing an identifier, keeps the oldest as
// primary, backfills the primary from the duplicates and then from rec,
// supersedes the duplicates, reassigns their dependents, propagates the
// primary's fields down to its study versions and clears the metadata
// obligations of every base study involved.
//
// claim identifies the outbox row being processed. Its own row is only
// deleted while it still carries the claim token; every other row is
// deleted unconditionally. claim may be nil for inline enrichment.
func (e *Engine) Canonicalize(ctx context.Context, tx storage.Tx, id uuid.UUID, rec model.Record, claim *model.OutboxEntry) (Result, error) {
	res := Result{Invalidate: model.InvalidationSet{}, Moved: map[uuid.UUID][]model.PipelineEmbedding{}}

	target, err := tx.LockBaseStudy(ctx, id)
	if err != nil {
		return res, err
	}
	if !target.IsActive {
		return res, fmt.Errorf("enrichment: base study %s was superseded while enriching", id)
	}

	// Identifiers from the record and the providers both count as evidence
	// of a shared publication.
	working := target.Record()
	working.FillMissing(rec)
	dups, err := tx.FindDuplicateBaseStudies(ctx, target.ID, working.Identifiers())
	if err != nil {
		return res, err
	}

	group := append([]model.BaseStudy{target}, dups...)
	primary := group[0]
	for _, b := range group[1:] {
		if b.Older(primary) {
			primary = b
		}
	}

	// Present on the primary wins, then the duplicates oldest first, then
	// the providers.
	var others []model.BaseStudy
	for _, b := range group {
		if b.ID != primary.ID {
			others = append(others, b)
		}
	}
	slices.SortFunc(others, func(a, b model.BaseStudy) int {
		if a.Older(b) {
			return -1
		}
		if b.Older(a) {
			return 1
		}
		return 0
	})
	merged := primary.Record()
	for _, b := range others {
		merged.FillMissing(b.Record())
	}
	merged.FillMissing(rec)
	res.Filled = filledBetween(primary.Record(), merged)

	// Deactivate duplicates before the primary gains their identifiers so
	// the active (doi, pmid) uniqueness holds at every statement.
	for _, dup := range others {
		if err := dup.Supersede(primary.ID); err != nil {
			return res, err
		}
		if err := tx.UpdateBaseStudy(ctx, dup); err != nil {
			return res, err
		}
		if err := tx.RepointSupersession(ctx, dup.ID, primary.ID); err != nil {
			return res, err
		}
		moved, err := tx.ReassignStudies(ctx, dup.ID, primary.ID)
		if err != nil {
			return res, err
		}
		if _, err := tx.ReassignPipelineStudyResults(ctx, dup.ID, primary.ID); err != nil {
			return res, err
		}
		embeddings, err := tx.ReassignPipelineEmbeddings(ctx, dup.ID, primary.ID)
		if err != nil {
			return res, err
		}
		if len(embeddings) > 0 {
			res.Moved[dup.ID] = embeddings
		}
		res.Superseded = append(res.Superseded, dup.ID)
		res.Invalidate.Add(model.ResourceBaseStudies, dup.ID)
		res.Invalidate.Add(model.ResourceStudies, moved...)
		e.logger.Info("enrichment: base study superseded",
			"base_study_id", dup.ID, "primary_id", primary.ID,
			"studies", len(moved), "embeddings", len(embeddings))
	}

	primary.ApplyRecord(merged)
	if err := tx.UpdateBaseStudy(ctx, primary); err != nil {
		return res, err
	}
	res.Primary = primary.ID
	res.Invalidate.Add(model.ResourceBaseStudies, primary.ID)

	studies, err := tx.ListStudies(ctx, primary.ID)
	if err != nil {
		return res, err
	}
	for _, s := range studies {
		res.Invalidate.Add(model.ResourceStudies, s.ID)
		if !s.FillFrom(primary) {
			continue
		}
		if err := tx.UpdateStudy(ctx, s); err != nil {
			return res, err
		}
	}

	if len(res.Superseded) > 0 {
		inv, err := e.flags.OnChange(ctx, tx, flagsync.ReasonMerged, primary.ID)
		if err != nil {
			return res, err
		}
		res.Invalidate.Merge(inv)
	}

	if err := clearObligations(ctx, tx, claim, group); err != nil {
		return res, err
	}
	return res, nil
}

// clearObligations deletes the metadata rows of every base study in group,
// plus the claimed row when it belongs to a superseded id outside group.
func clearObligations(ctx context.Context, tx storage.Tx, claim *model.OutboxEntry, group []model.BaseStudy) error {
	var own uuid.UUID
	if claim != nil {
		own = claim.BaseStudyID
		if _, err := tx.DeleteMetadataOutbox(ctx, own, claim.ClaimToken); err != nil {
			return err
		}
	}
	for _, b := range group {
		if b.ID == own {
			continue
		}
		if _, err := tx.DeleteMetadataOutbox(ctx, b.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// filledBetween returns the fields unset on before and set on after.
func filledBetween(before, after model.Record) []model.Field {
	var filled []model.Field
	for _, f := range model.RecordFields {
		if before.IsMissing(f) && !after.IsMissing(f) {
			filled = append(filled, f)
		}
	}
	return filled
}
