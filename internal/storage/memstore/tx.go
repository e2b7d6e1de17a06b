package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

type memTx struct {
	state state
	now   time.Time
}

var _ storage.Tx = (*memTx)(nil)

func byEnqueued(a, b model.OutboxEntry) int {
	if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.BaseStudyID.String(), b.BaseStudyID.String())
}

func byUpdated(a, b model.OutboxEntry) int {
	if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.BaseStudyID.String(), b.BaseStudyID.String())
}

func byAge(a, b model.BaseStudy) int {
	switch {
	case a.Older(b):
		return -1
	case b.Older(a):
		return 1
	}
	return 0
}

func (t *memTx) upsert(rows map[uuid.UUID]model.OutboxEntry, ids []uuid.UUID, reason string, clearClaim bool) (int, error) {
	ids = storage.UniqueIDs(ids)
	for _, id := range ids {
		if _, ok := t.state.baseStudies[id]; !ok {
			return 0, fmt.Errorf("memstore: enqueue base study %s: %w", id, storage.ErrNotFound)
		}
	}
	for _, id := range ids {
		e, ok := rows[id]
		if !ok {
			e = model.OutboxEntry{BaseStudyID: id, EnqueuedAt: t.now}
		}
		e.Reason = reason
		leased := clearClaim && e.ClaimToken != nil && e.UpdatedAt.After(t.now)
		if !leased {
			e.UpdatedAt = t.now
		}
		if clearClaim {
			e.ClaimToken = nil
		}
		rows[id] = e
	}
	return len(ids), nil
}

func (t *memTx) UpsertFlagOutbox(_ context.Context, ids []uuid.UUID, reason string) (int, error) {
	return t.upsert(t.state.flagOutbox, ids, reason, false)
}

func (t *memTx) ClaimFlagOutbox(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	rows := slices.Collect(maps.Values(t.state.flagOutbox))
	slices.SortFunc(rows, byEnqueued)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (t *memTx) DeleteFlagOutbox(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		delete(t.state.flagOutbox, id)
	}
	return nil
}

func (t *memTx) UpsertMetadataOutbox(_ context.Context, ids []uuid.UUID, reason string) (int, error) {
	return t.upsert(t.state.metadataOutbox, ids, reason, true)
}

func (t *memTx) ClaimMetadataOutbox(_ context.Context, limit int, lease time.Duration, token uuid.UUID) ([]model.OutboxEntry, error) {
	var eligible []model.OutboxEntry
	for _, e := range t.state.metadataOutbox {
		if !e.UpdatedAt.After(t.now) {
			eligible = append(eligible, e)
		}
	}
	slices.SortFunc(eligible, byUpdated)
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	for i := range eligible {
		tok := token
		eligible[i].ClaimToken = &tok
		eligible[i].UpdatedAt = t.now.Add(lease)
		t.state.metadataOutbox[eligible[i].BaseStudyID] = eligible[i]
	}
	return eligible, nil
}

func (t *memTx) DeleteMetadataOutbox(_ context.Context, id uuid.UUID, token *uuid.UUID) (bool, error) {
	e, ok := t.state.metadataOutbox[id]
	if !ok {
		return false, nil
	}
	if token != nil && (e.ClaimToken == nil || *e.ClaimToken != *token) {
		return false, nil
	}
	delete(t.state.metadataOutbox, id)
	return true, nil
}

func (t *memTx) DeferMetadataOutbox(_ context.Context, id, token uuid.UUID, delay time.Duration, errMsg string) error {
	e, ok := t.state.metadataOutbox[id]
	if !ok || e.ClaimToken == nil || *e.ClaimToken != token {
		return nil
	}
	e.UpdatedAt = t.now.Add(delay)
	e.Attempts++
	e.LastError = errMsg
	e.ClaimToken = nil
	t.state.metadataOutbox[id] = e
	return nil
}

func (t *memTx) OutboxStats(_ context.Context, kind model.OutboxKind) (model.OutboxStats, error) {
	var rows map[uuid.UUID]model.OutboxEntry
	switch kind {
	case model.FlagOutbox:
		rows = t.state.flagOutbox
	case model.MetadataOutbox:
		rows = t.state.metadataOutbox
	default:
		return model.OutboxStats{}, fmt.Errorf("memstore: unknown outbox kind %q", kind)
	}
	stats := model.OutboxStats{Pending: len(rows)}
	for _, e := range rows {
		if stats.Oldest == nil || e.EnqueuedAt.Before(*stats.Oldest) {
			oldest := e.EnqueuedAt
			stats.Oldest = &oldest
		}
	}
	return stats, nil
}

func (t *memTx) GetBaseStudies(_ context.Context, ids []uuid.UUID) ([]model.BaseStudy, error) {
	var out []model.BaseStudy
	for _, id := range storage.UniqueIDs(ids) {
		if b, ok := t.state.baseStudies[id]; ok {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, byAge)
	return out, nil
}

func (t *memTx) LockBaseStudy(_ context.Context, id uuid.UUID) (model.BaseStudy, error) {
	b, ok := t.state.baseStudies[id]
	if !ok {
		return b, fmt.Errorf("memstore: base study %s: %w", id, storage.ErrNotFound)
	}
	return b, nil
}

func (t *memTx) FindDuplicateBaseStudies(_ context.Context, exclude uuid.UUID, ids model.Identifiers) ([]model.BaseStudy, error) {
	var out []model.BaseStudy
	for _, b := range t.state.baseStudies {
		if !b.IsActive || b.ID == exclude {
			continue
		}
		if b.Record().Identifiers().Shares(ids) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, byAge)
	return out, nil
}

func (t *memTx) UpdateBaseStudy(_ context.Context, b model.BaseStudy) error {
	if err := storage.ValidateBaseStudy(b); err != nil {
		return err
	}
	cur, ok := t.state.baseStudies[b.ID]
	if !ok {
		return fmt.Errorf("memstore: base study %s: %w", b.ID, storage.ErrNotFound)
	}
	ids := b.Record().Identifiers().Normalize()
	if b.IsActive && ids.DOI != "" && ids.PMID != "" {
		for _, other := range t.state.baseStudies {
			if other.ID == b.ID || !other.IsActive {
				continue
			}
			o := other.Record().Identifiers().Normalize()
			if o.DOI == ids.DOI && o.PMID == ids.PMID {
				return fmt.Errorf("%w: base study %s duplicates active (doi, pmid) of %s",
					model.ErrMergeInvariant, b.ID, other.ID)
			}
		}
	}
	cur.Name = strings.TrimSpace(b.Name)
	cur.Description = strings.TrimSpace(b.Description)
	cur.Publication = strings.TrimSpace(b.Publication)
	cur.Authors = strings.TrimSpace(b.Authors)
	cur.Year = b.Year
	cur.IsOA = b.IsOA
	cur.DOI, cur.PMID, cur.PMCID = ids.DOI, ids.PMID, ids.PMCID
	cur.IsActive = b.IsActive
	cur.SupersededBy = b.SupersededBy
	cur.UpdatedAt = t.now
	t.state.baseStudies[b.ID] = cur
	return nil
}

func (t *memTx) RepointSupersession(_ context.Context, from, to uuid.UUID) error {
	for id, b := range t.state.baseStudies {
		if id == to || b.SupersededBy == nil || *b.SupersededBy != from {
			continue
		}
		target := to
		b.SupersededBy = &target
		b.UpdatedAt = t.now
		t.state.baseStudies[id] = b
	}
	return nil
}

func (t *memTx) UpdateBaseStudyFlags(_ context.Context, id uuid.UUID, f model.Flags) error {
	b, ok := t.state.baseStudies[id]
	if !ok {
		return fmt.Errorf("memstore: base study %s: %w", id, storage.ErrNotFound)
	}
	b.Flags = f
	t.state.baseStudies[id] = b
	return nil
}

func (t *memTx) ListStudies(_ context.Context, baseStudyID uuid.UUID) ([]model.Study, error) {
	var out []model.Study
	for _, s := range t.state.studies {
		if s.BaseStudyID == baseStudyID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b model.Study) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (t *memTx) UpdateStudy(_ context.Context, s model.Study) error {
	cur, ok := t.state.studies[s.ID]
	if !ok {
		return fmt.Errorf("memstore: study %s: %w", s.ID, storage.ErrNotFound)
	}
	cur.Name = strings.TrimSpace(s.Name)
	cur.Description = strings.TrimSpace(s.Description)
	cur.Publication = strings.TrimSpace(s.Publication)
	cur.Authors = strings.TrimSpace(s.Authors)
	cur.Year = s.Year
	cur.DOI = strings.TrimSpace(s.DOI)
	cur.PMID = strings.TrimSpace(s.PMID)
	cur.PMCID = strings.TrimSpace(s.PMCID)
	t.state.studies[s.ID] = cur
	return nil
}

func (t *memTx) UpdateStudyFlags(_ context.Context, id uuid.UUID, f model.Flags) error {
	s, ok := t.state.studies[id]
	if !ok {
		return fmt.Errorf("memstore: study %s: %w", id, storage.ErrNotFound)
	}
	s.Flags = f
	t.state.studies[id] = s
	return nil
}

func (t *memTx) ReassignStudies(_ context.Context, from, to uuid.UUID) ([]uuid.UUID, error) {
	var moved []uuid.UUID
	for id, s := range t.state.studies {
		if s.BaseStudyID != from {
			continue
		}
		s.BaseStudyID = to
		t.state.studies[id] = s
		moved = append(moved, id)
	}
	slices.SortFunc(moved, func(a, b uuid.UUID) int { return cmp.Compare(a.String(), b.String()) })
	return moved, nil
}

func (t *memTx) ListAnalysisEvidence(_ context.Context, baseStudyID uuid.UUID) ([]model.AnalysisEvidence, error) {
	byAnalysis := make(map[uuid.UUID]*model.AnalysisEvidence)
	var order []uuid.UUID
	for _, a := range t.state.analyses {
		s, ok := t.state.studies[a.StudyID]
		if !ok || s.BaseStudyID != baseStudyID {
			continue
		}
		byAnalysis[a.ID] = &model.AnalysisEvidence{AnalysisID: a.ID, StudyID: a.StudyID, Flags: a.Flags}
		order = append(order, a.ID)
	}
	for _, analysisID := range t.state.points {
		if ev, ok := byAnalysis[analysisID]; ok {
			ev.PointCount++
		}
	}
	imgs := slices.Collect(maps.Values(t.state.images))
	slices.SortFunc(imgs, func(a, b image) int { return cmp.Compare(a.ID.String(), b.ID.String()) })
	for _, img := range imgs {
		if ev, ok := byAnalysis[img.AnalysisID]; ok {
			ev.ImageValueTypes = append(ev.ImageValueTypes, img.ValueType)
		}
	}

	out := make([]model.AnalysisEvidence, 0, len(order))
	for _, id := range order {
		out = append(out, *byAnalysis[id])
	}
	slices.SortFunc(out, func(a, b model.AnalysisEvidence) int {
		if c := cmp.Compare(a.StudyID.String(), b.StudyID.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.AnalysisID.String(), b.AnalysisID.String())
	})
	return out, nil
}

func (t *memTx) UpdateAnalysisFlags(_ context.Context, id uuid.UUID, f model.Flags) error {
	a, ok := t.state.analyses[id]
	if !ok {
		return fmt.Errorf("memstore: analysis %s: %w", id, storage.ErrNotFound)
	}
	a.Flags = f
	t.state.analyses[id] = a
	return nil
}

func (t *memTx) ReassignPipelineStudyResults(_ context.Context, from, to uuid.UUID) (int, error) {
	taken := make(map[uuid.UUID]struct{})
	for _, r := range t.state.results {
		if r.BaseStudyID == to {
			taken[r.PipelineConfigID] = struct{}{}
		}
	}
	var moving []model.PipelineStudyResult
	for _, r := range t.state.results {
		if r.BaseStudyID != from {
			continue
		}
		if _, clash := taken[r.PipelineConfigID]; clash {
			return 0, fmt.Errorf("%w: pipeline result for config %s exists on both %s and %s",
				model.ErrMergeInvariant, r.PipelineConfigID, from, to)
		}
		moving = append(moving, r)
	}
	for _, r := range moving {
		r.BaseStudyID = to
		t.state.results[r.ID] = r
	}
	return len(moving), nil
}

func (t *memTx) ReassignPipelineEmbeddings(_ context.Context, from, to uuid.UUID) ([]model.PipelineEmbedding, error) {
	taken := make(map[uuid.UUID]struct{})
	for _, e := range t.state.embeddings {
		if e.BaseStudyID == to {
			taken[e.PipelineConfigID] = struct{}{}
		}
	}
	var moving []model.PipelineEmbedding
	for _, e := range t.state.embeddings {
		if e.BaseStudyID != from {
			continue
		}
		if _, clash := taken[e.PipelineConfigID]; clash {
			return nil, fmt.Errorf("%w: pipeline embedding for config %s exists on both %s and %s",
				model.ErrMergeInvariant, e.PipelineConfigID, from, to)
		}
		moving = append(moving, e)
	}
	for i := range moving {
		moving[i].BaseStudyID = to
		t.state.embeddings[moving[i].ID] = moving[i]
		moving[i].Embedding = slices.Clone(moving[i].Embedding)
	}
	return moving, nil
}
