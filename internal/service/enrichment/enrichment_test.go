package enrichment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/providers"
	"github.com/neurostuff/studysync/internal/storage"
)

func TestEnqueueMetadata_SkipsRecordsWithNothingToLookUp(t *testing.T) {
	f := newFixture()
	blank := f.store.AddBaseStudy(model.BaseStudy{DOI: "  ", PMID: "", PMCID: "\t"})
	named := f.store.AddBaseStudy(model.BaseStudy{Name: "A title", Year: 0, Authors: "  "})
	doiOnly := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.1/abc"})

	assert.Equal(t, 0, f.enqueue(t, blank.ID))
	assert.Equal(t, 1, f.enqueue(t, named.ID), "a name with a zero year is still enrichable")
	assert.Equal(t, 1, f.enqueue(t, doiOnly.ID))
	assert.Equal(t, 0, f.enqueue(t, uuid.New()), "unknown ids are skipped")

	// Enqueueing again refreshes instead of appending.
	assert.Equal(t, 2, f.enqueue(t, named.ID, doiOnly.ID, named.ID))
	assert.Len(t, f.store.Outbox(model.MetadataOutbox), 2)
}

func TestProcessBatch_EmptyOutbox(t *testing.T) {
	f := newFixture()
	w := f.worker(f.engine(nil, nil), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.cache.sets)
}

func TestProcessBatch_MergesDuplicates(t *testing.T) {
	f := newFixture()
	a := f.store.AddBaseStudy(model.BaseStudy{Name: "Curated Title", PMID: "12345", CreatedAt: t0.Add(-2 * time.Hour)})
	b := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.1000/XYZ", CreatedAt: t0.Add(-time.Hour)})
	studyA := f.store.AddStudy(model.Study{BaseStudyID: a.ID, Name: "Version title"})
	studyB := f.store.AddStudy(model.Study{BaseStudyID: b.ID})
	result := f.store.AddPipelineStudyResult(model.PipelineStudyResult{BaseStudyID: b.ID, PipelineConfigID: uuid.New()})
	f.store.AddPipelineEmbedding(model.PipelineEmbedding{BaseStudyID: b.ID, PipelineConfigID: uuid.New(), Embedding: []float32{1, 0}})
	require.Equal(t, 2, f.enqueue(t, a.ID, b.ID))

	var calls []string
	lookup := fakeLookup{name: "s2", calls: &calls, ids: model.Identifiers{
		DOI: "10.1000/xyz", PMID: "12345", PMCID: "PMC999",
	}}
	fetch := fakeFetcher{name: "s2-meta", calls: &calls, rec: model.Record{
		Name:        "Provider Title",
		Description: "An fMRI study",
		Publication: "NeuroImage",
		Authors:     "Doe J, Roe R",
		Year:        2020,
		IsOA:        boolPtr(true),
		DOI:         "10.1000/xyz",
		PMID:        "12345",
		PMCID:       "PMC999",
	}}
	w := f.worker(f.engine([]providers.IdentifierLookup{lookup}, []providers.MetadataFetcher{fetch}), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	gotA := f.base(t, a.ID)
	assert.True(t, gotA.IsActive)
	assert.Nil(t, gotA.SupersededBy)
	assert.Equal(t, "Curated Title", gotA.Name, "curated values are never overwritten")
	assert.Equal(t, "An fMRI study", gotA.Description)
	assert.Equal(t, "NeuroImage", gotA.Publication)
	assert.Equal(t, "Doe J, Roe R", gotA.Authors)
	assert.Equal(t, 2020, gotA.Year)
	require.NotNil(t, gotA.IsOA)
	assert.True(t, *gotA.IsOA)
	assert.Equal(t, "10.1000/xyz", gotA.DOI, "the duplicate's doi is carried over")
	assert.Equal(t, "12345", gotA.PMID)
	assert.Equal(t, "PMC999", gotA.PMCID)

	gotB := f.base(t, b.ID)
	assert.False(t, gotB.IsActive)
	require.NotNil(t, gotB.SupersededBy)
	assert.Equal(t, a.ID, *gotB.SupersededBy)

	movedStudy, ok := f.store.Study(studyB.ID)
	require.True(t, ok)
	assert.Equal(t, a.ID, movedStudy.BaseStudyID)
	assert.Equal(t, "Curated Title", movedStudy.Name, "blank version fields are backfilled")
	assert.Equal(t, 2020, movedStudy.Year)
	keptStudy, _ := f.store.Study(studyA.ID)
	assert.Equal(t, "Version title", keptStudy.Name, "curated version fields are kept")
	assert.Equal(t, "10.1000/xyz", keptStudy.DOI)

	results := f.store.PipelineStudyResults(a.ID)
	require.Len(t, results, 1)
	assert.Equal(t, result.ID, results[0].ID, "reassignment keeps the row's own id")
	assert.Len(t, f.store.PipelineEmbeddings(a.ID), 1)
	assert.Empty(t, f.store.PipelineEmbeddings(b.ID))

	flagRows := f.store.Outbox(model.FlagOutbox)
	require.Len(t, flagRows, 1)
	assert.Equal(t, a.ID, flagRows[0].BaseStudyID)
	assert.Empty(t, f.store.Outbox(model.MetadataOutbox))

	require.Len(t, f.mirror.repoints, 1)
	assert.Equal(t, repoint{from: b.ID, to: a.ID, moved: 1}, f.mirror.repoints[0])

	require.Len(t, f.cache.sets, 1, "one cache bump per batch")
	inv := f.cache.sets[0]
	assert.True(t, inv.Has(model.ResourceBaseStudies, a.ID))
	assert.True(t, inv.Has(model.ResourceStudies, studyA.ID))
	assert.True(t, inv.Has(model.ResourceStudies, studyB.ID))
}

func TestProcessBatch_BumpsCacheOncePerBatch(t *testing.T) {
	f := newFixture()
	var ids []uuid.UUID
	for i := range 3 {
		b := f.store.AddBaseStudy(model.BaseStudy{Name: fmt.Sprintf("Study %d", i)})
		ids = append(ids, b.ID)
	}
	f.enqueue(t, ids...)

	var calls []string
	fetch := fakeFetcher{name: "s2-meta", calls: &calls, rec: model.Record{Description: "filled"}}
	w := f.worker(f.engine(nil, []providers.MetadataFetcher{fetch}), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, f.cache.sets, 1)
	for _, id := range ids {
		assert.True(t, f.cache.sets[0].Has(model.ResourceBaseStudies, id))
	}
	assert.Zero(t, f.mirror.checks, "no merges, no mirror traffic")
}

func TestProcessBatch_UnhealthyMirrorSkipsRepoints(t *testing.T) {
	f := newFixture()
	f.mirror.healthErr = errors.New("connection refused")
	a := f.store.AddBaseStudy(model.BaseStudy{PMID: "555", CreatedAt: t0.Add(-2 * time.Hour)})
	b := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.5/dup", CreatedAt: t0.Add(-time.Hour)})
	f.store.AddPipelineEmbedding(model.PipelineEmbedding{BaseStudyID: b.ID, PipelineConfigID: uuid.New(), Embedding: []float32{0, 1}})
	f.enqueue(t, a.ID, b.ID)

	var calls []string
	lookup := fakeLookup{name: "s2", calls: &calls, ids: model.Identifiers{DOI: "10.5/dup", PMID: "555"}}
	w := f.worker(f.engine([]providers.IdentifierLookup{lookup}, nil), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.base(t, b.ID).IsActive, "the merge commits regardless of the mirror")
	assert.Len(t, f.store.PipelineEmbeddings(a.ID), 1)
	assert.Equal(t, 1, f.mirror.checks)
	assert.Empty(t, f.mirror.repoints)
	require.Len(t, f.cache.sets, 1)
}

func TestProcessBatch_ShortCircuitsProviders(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Known", PMID: "777"})
	f.enqueue(t, b.ID)

	var calls []string
	full := model.Record{
		Name: "Known", Description: "d", Publication: "p", Authors: "a",
		Year: 2019, IsOA: boolPtr(false), DOI: "10.2/q", PMID: "777", PMCID: "PMC1",
	}
	lookups := []providers.IdentifierLookup{
		fakeLookup{name: "s2", calls: &calls, ids: model.Identifiers{DOI: "10.2/q", PMCID: "PMC1"}},
		fakeLookup{name: "pubmed", calls: &calls},
		fakeLookup{name: "openalex", calls: &calls},
	}
	fetchers := []providers.MetadataFetcher{
		fakeFetcher{name: "s2-meta", calls: &calls, rec: full},
		fakeFetcher{name: "pubmed-meta", calls: &calls},
	}
	w := f.worker(f.engine(lookups, fetchers), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"s2", "s2-meta"}, calls)

	got := f.base(t, b.ID)
	assert.Equal(t, "10.2/q", got.DOI)
	assert.Equal(t, "PMC1", got.PMCID)
	assert.Equal(t, 2019, got.Year)
}

func TestProcessBatch_ProviderFailureDefersRow(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Flaky"})
	f.enqueue(t, b.ID)

	var calls []string
	failing := fakeLookup{name: "s2", calls: &calls, err: fmt.Errorf("%w: status 503", providers.ErrTransient)}
	w := f.worker(f.engine([]providers.IdentifierLookup{failing}, nil), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err, "row failures never fail the batch")
	assert.Equal(t, 0, n)

	rows := f.store.Outbox(model.MetadataOutbox)
	require.Len(t, rows, 1)
	assert.Equal(t, t0.Add(30*time.Second), rows[0].UpdatedAt, "eligibility moves forward by the retry delay")
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "status 503")
	assert.Nil(t, rows[0].ClaimToken)

	// Not eligible again until the delay has passed.
	n, err = w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, calls, 1)

	f.now = t0.Add(31 * time.Second)
	_, err = w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
	assert.Equal(t, 2, f.store.Outbox(model.MetadataOutbox)[0].Attempts)
}

func TestProcessBatch_RowTimeoutDefersRow(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.3/slow"})
	other := f.store.AddBaseStudy(model.BaseStudy{Name: "Fast", PMID: "1", DOI: "10.3/fast", PMCID: "PMC3",
		Description: "d", Publication: "p", Authors: "a", Year: 2000, IsOA: boolPtr(true)})
	f.enqueue(t, b.ID, other.ID)

	var calls []string
	slow := fakeLookup{name: "s2", calls: &calls, block: true}
	w := f.worker(f.engine([]providers.IdentifierLookup{slow}, nil), 20*time.Millisecond)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the complete record resolves without provider calls")

	rows := f.store.Outbox(model.MetadataOutbox)
	require.Len(t, rows, 1)
	assert.Equal(t, b.ID, rows[0].BaseStudyID)
	assert.Equal(t, 1, rows[0].Attempts)
}

func TestProcessBatch_PipelineCollisionDefersRow(t *testing.T) {
	f := newFixture()
	cfg := uuid.New()
	a := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.4/dup", CreatedAt: t0.Add(-time.Hour)})
	b := f.store.AddBaseStudy(model.BaseStudy{DOI: "10.4/DUP"})
	study := f.store.AddStudy(model.Study{BaseStudyID: b.ID})
	f.store.AddPipelineStudyResult(model.PipelineStudyResult{BaseStudyID: a.ID, PipelineConfigID: cfg})
	f.store.AddPipelineStudyResult(model.PipelineStudyResult{BaseStudyID: b.ID, PipelineConfigID: cfg})
	f.enqueue(t, b.ID)

	w := f.worker(f.engine(nil, nil), time.Minute)
	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The whole merge rolled back.
	assert.True(t, f.base(t, b.ID).IsActive)
	got, _ := f.store.Study(study.ID)
	assert.Equal(t, b.ID, got.BaseStudyID)

	rows := f.store.Outbox(model.MetadataOutbox)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].LastError, model.ErrMergeInvariant.Error())
	assert.Empty(t, f.mirror.repoints)
}

func TestProcessBatch_SupersededRowResolvesToCanonical(t *testing.T) {
	f := newFixture()
	a := f.store.AddBaseStudy(model.BaseStudy{Name: "Canonical", CreatedAt: t0.Add(-time.Hour)})
	aID := a.ID
	old := f.store.AddBaseStudy(model.BaseStudy{Name: "Old", SupersededBy: &aID})
	f.enqueue(t, old.ID)

	var calls []string
	fetch := fakeFetcher{name: "s2-meta", calls: &calls, rec: model.Record{Description: "filled"}}
	w := f.worker(f.engine(nil, []providers.MetadataFetcher{fetch}), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "filled", f.base(t, a.ID).Description, "work lands on the canonical record")
	assert.Empty(t, f.base(t, old.ID).Description)
	assert.Empty(t, f.store.Outbox(model.MetadataOutbox))
}

func TestProcessBatch_RefreshDuringProcessingIsKept(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Edited mid-flight"})
	f.enqueue(t, b.ID)

	var calls []string
	refresh := fakeFetcher{name: "s2-meta", calls: &calls, hook: func(ctx context.Context) {
		// A write path touches the record while providers are consulted.
		require.NoError(t, f.store.InTx(ctx, func(tx storage.Tx) error {
			_, err := EnqueueMetadata(ctx, tx, []uuid.UUID{b.ID}, ReasonIdentifier)
			return err
		}))
	}}
	w := f.worker(f.engine(nil, []providers.MetadataFetcher{refresh}), time.Minute)

	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := f.store.Outbox(model.MetadataOutbox)
	require.Len(t, rows, 1, "the refreshed obligation survives")
	assert.Equal(t, ReasonIdentifier, rows[0].Reason)
	assert.Nil(t, rows[0].ClaimToken)
}

func TestProcessBatch_MissingBaseStudyDropsRow(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Doomed"})
	f.enqueue(t, b.ID)

	// Point the row at a base study id that resolves nowhere.
	ghost := uuid.New()
	bID := b.ID
	f.store.AddBaseStudy(model.BaseStudy{ID: bID, Name: "Doomed", SupersededBy: &ghost})

	w := f.worker(f.engine(nil, nil), time.Minute)
	n, err := w.ProcessBatch(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.store.Outbox(model.MetadataOutbox))
}

func TestProcessBatch_StoreUnavailable(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "x"})
	f.enqueue(t, b.ID)

	f.store.FailNext(storage.ErrUnavailable)
	w := f.worker(f.engine(nil, nil), time.Minute)
	n, err := w.ProcessBatch(context.Background(), 50)
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.Equal(t, 0, n)
	assert.Len(t, f.store.Outbox(model.MetadataOutbox), 1)
}

func TestResolveCanonical_SelfLoop(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	f.store.AddBaseStudy(model.BaseStudy{ID: id, SupersededBy: &id})

	err := f.store.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := ResolveCanonical(context.Background(), tx, id)
		return err
	})
	require.ErrorIs(t, err, model.ErrMergeInvariant)
}

func TestInlineEnrich(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Inline", DOI: "10.5/in"})
	blank := f.store.AddBaseStudy(model.BaseStudy{})

	var calls []string
	fetch := fakeFetcher{name: "s2-meta", calls: &calls, rec: model.Record{Authors: "Smith A"}}
	policy := NewMetadataPolicy(false, f.engine(nil, []providers.MetadataFetcher{fetch}))

	var inv model.InvalidationSet
	require.NoError(t, f.store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		inv, err = policy.OnChange(context.Background(), tx, ReasonCreated, b.ID, blank.ID)
		return err
	}))

	assert.Equal(t, "Smith A", f.base(t, b.ID).Authors)
	assert.Equal(t, []string{"s2-meta"}, calls, "the blank record is never sent to providers")
	assert.Empty(t, f.store.Outbox(model.MetadataOutbox))
	assert.True(t, inv.Has(model.ResourceBaseStudies, b.ID))
}

func TestEnqueueForBatchPolicy(t *testing.T) {
	f := newFixture()
	b := f.store.AddBaseStudy(model.BaseStudy{Name: "Queued"})

	policy := NewMetadataPolicy(true, nil)
	require.NoError(t, f.store.InTx(context.Background(), func(tx storage.Tx) error {
		inv, err := policy.OnChange(context.Background(), tx, ReasonCreated, b.ID)
		assert.Zero(t, inv.Len())
		return err
	}))
	assert.Len(t, f.store.Outbox(model.MetadataOutbox), 1)
}
