package flagsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/storage/memstore"
)

type recordingCache struct {
	mu    sync.Mutex
	calls []model.InvalidationSet
	err   error
}

func (c *recordingCache) BumpVersions(_ context.Context, set model.InvalidationSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, set)
	return c.err
}

func newWorker(store storage.Store) (*Worker, *recordingCache) {
	rc := &recordingCache{}
	return NewWorker(store, rc, slog.Default()), rc
}

// seedBase creates a base study with one study version and returns both ids.
func seedBase(s *memstore.Store) (baseID, studyID uuid.UUID) {
	b := s.AddBaseStudy(model.BaseStudy{Name: "base"})
	st := s.AddStudy(model.Study{BaseStudyID: b.ID})
	return b.ID, st.ID
}

func enqueue(t *testing.T, s storage.Store, ids ...uuid.UUID) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := EnqueueForBatch{}.OnChange(context.Background(), tx, ReasonEvidenceChanged, ids...)
		return err
	}))
}

func baseFlags(t *testing.T, s *memstore.Store, id uuid.UUID) model.Flags {
	t.Helper()
	b, ok := s.BaseStudy(id)
	require.True(t, ok)
	return b.Flags
}

func studyFlags(t *testing.T, s *memstore.Store, id uuid.UUID) model.Flags {
	t.Helper()
	st, ok := s.Study(id)
	require.True(t, ok)
	return st.Flags
}

func TestProcessBatch_EmptyOutbox(t *testing.T) {
	s := memstore.New()
	w, rc := newWorker(s)

	n, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, rc.calls, "nothing processed, nothing to invalidate")

	// Safe to call repeatedly.
	n, err = w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestProcessBatch_RecomputesAllScopes(t *testing.T) {
	s := memstore.New()
	baseID, studyID := seedBase(s)
	a1 := s.AddAnalysis(studyID)
	a2 := s.AddAnalysis(studyID)
	s.AddPoint(a1)
	s.AddImage(a2, " Z ")
	s.AddImage(a2, "t map")
	enqueue(t, s, baseID)

	w, rc := newWorker(s)
	n, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, model.Flags{HasCoordinates: true}, s.AnalysisFlags(a1))
	assert.Equal(t, model.Flags{HasImages: true, HasZMaps: true, HasTMaps: true}, s.AnalysisFlags(a2))
	want := model.Flags{HasCoordinates: true, HasImages: true, HasZMaps: true, HasTMaps: true}
	assert.Equal(t, want, studyFlags(t, s, studyID))
	assert.Equal(t, want, baseFlags(t, s, baseID))

	assert.Empty(t, s.Outbox(model.FlagOutbox), "consumed rows are deleted")

	require.Len(t, rc.calls, 1)
	inv := rc.calls[0]
	assert.True(t, inv.Has(model.ResourceBaseStudies, baseID))
	assert.True(t, inv.Has(model.ResourceStudies, studyID))
	assert.True(t, inv.Has(model.ResourceAnalyses, a1))
	assert.True(t, inv.Has(model.ResourceAnalyses, a2))
}

func TestProcessBatch_MediaFlagTransition(t *testing.T) {
	s := memstore.New()
	baseX, studyX := seedBase(s)
	baseY, studyY := seedBase(s)
	x := s.AddAnalysis(studyX)
	y := s.AddAnalysis(studyY)
	s.AddImage(x, "beta map")
	variance := s.AddImage(x, "variance")
	s.AddImage(y, "univariate-beta map")
	enqueue(t, s, baseX, baseY)

	w, _ := newWorker(s)
	_, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)

	// Before: X has both halves of the conjunction, Y only a beta map.
	assert.True(t, s.AnalysisFlags(x).HasBetaAndVarianceMaps)
	assert.True(t, studyFlags(t, s, studyX).HasBetaAndVarianceMaps)
	assert.True(t, baseFlags(t, s, baseX).HasBetaAndVarianceMaps)
	assert.False(t, s.AnalysisFlags(y).HasBetaAndVarianceMaps)
	assert.False(t, studyFlags(t, s, studyY).HasBetaAndVarianceMaps)
	assert.False(t, baseFlags(t, s, baseY).HasBetaAndVarianceMaps)

	from, err := s.MoveImage(variance, y)
	require.NoError(t, err)
	require.Equal(t, x, from)
	fromBase, _ := s.BaseStudyOfAnalysis(from)
	toBase, _ := s.BaseStudyOfAnalysis(y)
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := OnEvidenceMoved(context.Background(), tx, EnqueueForBatch{}, fromBase, toBase)
		return err
	}))
	require.Len(t, s.Outbox(model.FlagOutbox), 2, "both sides of the move are enqueued")

	n, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// After: X lost the variance map, Y gained it.
	assert.False(t, s.AnalysisFlags(x).HasBetaAndVarianceMaps)
	assert.False(t, studyFlags(t, s, studyX).HasBetaAndVarianceMaps)
	assert.False(t, baseFlags(t, s, baseX).HasBetaAndVarianceMaps)
	assert.True(t, s.AnalysisFlags(x).HasImages, "the beta map is still there")

	assert.True(t, s.AnalysisFlags(y).HasBetaAndVarianceMaps)
	assert.True(t, studyFlags(t, s, studyY).HasBetaAndVarianceMaps)
	assert.True(t, baseFlags(t, s, baseY).HasBetaAndVarianceMaps)
}

func TestProcessBatch_ConjunctionPerScope(t *testing.T) {
	s := memstore.New()
	baseID, studyID := seedBase(s)
	beta := s.AddAnalysis(studyID)
	variance := s.AddAnalysis(studyID)
	s.AddImage(beta, "beta")
	s.AddImage(variance, "v map")
	enqueue(t, s, baseID)

	w, _ := newWorker(s)
	_, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)

	assert.False(t, s.AnalysisFlags(beta).HasBetaAndVarianceMaps)
	assert.False(t, s.AnalysisFlags(variance).HasBetaAndVarianceMaps)
	assert.True(t, studyFlags(t, s, studyID).HasBetaAndVarianceMaps,
		"the study sees both halves across its analyses")
	assert.True(t, baseFlags(t, s, baseID).HasBetaAndVarianceMaps)
}

func TestProcessBatch_Idempotent(t *testing.T) {
	s := memstore.New()
	baseID, studyID := seedBase(s)
	a := s.AddAnalysis(studyID)
	s.AddPoint(a)
	enqueue(t, s, baseID)

	w, _ := newWorker(s)
	_, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	first := baseFlags(t, s, baseID)

	enqueue(t, s, baseID)
	n, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, first, baseFlags(t, s, baseID))
	assert.Equal(t, model.Flags{HasCoordinates: true}, s.AnalysisFlags(a))
}

func TestProcessBatch_ClearsFlagsWhenEvidenceRemoved(t *testing.T) {
	s := memstore.New()
	baseID, studyID := seedBase(s)
	a := s.AddAnalysis(studyID)
	p := s.AddPoint(a)
	enqueue(t, s, baseID)

	w, _ := newWorker(s)
	_, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	require.True(t, baseFlags(t, s, baseID).HasCoordinates)

	s.DeletePoint(p)
	enqueue(t, s, baseID)
	_, err = w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, model.Flags{}, baseFlags(t, s, baseID))
	assert.Equal(t, model.Flags{}, studyFlags(t, s, studyID))
}

func TestProcessBatch_RespectsLimit(t *testing.T) {
	s := memstore.New()
	var ids []uuid.UUID
	for range 3 {
		id, _ := seedBase(s)
		ids = append(ids, id)
	}
	enqueue(t, s, ids...)

	w, _ := newWorker(s)
	n, err := w.ProcessBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Outbox(model.FlagOutbox), 1)

	n, err = w.ProcessBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Outbox(model.FlagOutbox))
}

func TestProcessBatch_StoreFailurePropagates(t *testing.T) {
	s := memstore.New()
	baseID, _ := seedBase(s)
	enqueue(t, s, baseID)

	s.FailNext(storage.ErrUnavailable)
	w, rc := newWorker(s)
	n, err := w.ProcessBatch(context.Background(), 200)
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 0, n)
	assert.Len(t, s.Outbox(model.FlagOutbox), 1, "row is kept for the next batch")
	assert.Empty(t, rc.calls)
}

func TestProcessBatch_CacheFailureIsNotFatal(t *testing.T) {
	s := memstore.New()
	baseID, _ := seedBase(s)
	enqueue(t, s, baseID)

	rc := &recordingCache{err: errors.New("cache down")}
	w := NewWorker(s, rc, slog.Default())
	n, err := w.ProcessBatch(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Outbox(model.FlagOutbox))
}

func TestRecompute_UnknownBaseStudy(t *testing.T) {
	s := memstore.New()
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		inv, err := Recompute(context.Background(), tx, uuid.New())
		require.NoError(t, err)
		assert.Zero(t, inv.Len())
		return nil
	}))
}

func TestEnqueueForBatch_DeduplicatesByBaseStudy(t *testing.T) {
	s := memstore.New()
	baseID, _ := seedBase(s)

	enqueue(t, s, baseID, baseID)
	enqueue(t, s, baseID)

	rows := s.Outbox(model.FlagOutbox)
	require.Len(t, rows, 1)
	assert.Equal(t, baseID, rows[0].BaseStudyID)
	assert.Equal(t, ReasonEvidenceChanged, rows[0].Reason)
}

func TestInlineRecompute(t *testing.T) {
	s := memstore.New()
	baseID, studyID := seedBase(s)
	a := s.AddAnalysis(studyID)
	s.AddImage(a, "z map")

	var inv model.InvalidationSet
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		inv, err = NewFlagPolicy(false).OnChange(context.Background(), tx, ReasonEvidenceChanged, baseID)
		return err
	}))

	assert.Empty(t, s.Outbox(model.FlagOutbox), "inline mode never touches the outbox")
	assert.Equal(t, model.Flags{HasImages: true, HasZMaps: true}, baseFlags(t, s, baseID))
	assert.True(t, inv.Has(model.ResourceBaseStudies, baseID))
	assert.True(t, inv.Has(model.ResourceStudies, studyID))
}

func TestNewFlagPolicy(t *testing.T) {
	assert.IsType(t, EnqueueForBatch{}, NewFlagPolicy(true))
	assert.IsType(t, InlineRecompute{}, NewFlagPolicy(false))
}
