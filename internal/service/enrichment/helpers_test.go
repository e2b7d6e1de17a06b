package enrichment

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/providers"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/storage/memstore"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLookup struct {
	name  string
	ids   model.Identifiers
	err   error
	calls *[]string
	block bool
}

func (f fakeLookup) Name() string { return f.name }

func (f fakeLookup) LookupIdentifiers(ctx context.Context, _ model.Record) (model.Identifiers, error) {
	*f.calls = append(*f.calls, f.name)
	if f.block {
		<-ctx.Done()
		return model.Identifiers{}, ctx.Err()
	}
	return f.ids, f.err
}

type fakeFetcher struct {
	name  string
	rec   model.Record
	err   error
	calls *[]string
	hook  func(ctx context.Context)
}

func (f fakeFetcher) Name() string { return f.name }

func (f fakeFetcher) FetchMetadata(ctx context.Context, _ model.Record) (model.Record, error) {
	*f.calls = append(*f.calls, f.name)
	if f.hook != nil {
		f.hook(ctx)
	}
	return f.rec, f.err
}

type repoint struct {
	from, to uuid.UUID
	moved    int
}

type recordingMirror struct {
	repoints  []repoint
	healthErr error
	checks    int
}

func (m *recordingMirror) Repoint(_ context.Context, from, to uuid.UUID, moved []model.PipelineEmbedding) error {
	m.repoints = append(m.repoints, repoint{from: from, to: to, moved: len(moved)})
	return nil
}

func (m *recordingMirror) Healthy(context.Context) error {
	m.checks++
	return m.healthErr
}

type recordingCache struct {
	sets []model.InvalidationSet
}

func (c *recordingCache) BumpVersions(_ context.Context, set model.InvalidationSet) error {
	c.sets = append(c.sets, set)
	return nil
}

// fixture wires a worker over a memstore with a controllable clock.
type fixture struct {
	store  *memstore.Store
	now    time.Time
	calls  []string
	cache  *recordingCache
	mirror *recordingMirror
}

func newFixture() *fixture {
	f := &fixture{store: memstore.New(), now: t0, cache: &recordingCache{}, mirror: &recordingMirror{}}
	f.store.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) engine(lookups []providers.IdentifierLookup, fetchers []providers.MetadataFetcher) *Engine {
	return NewEngine(providers.NewChain(lookups, fetchers, slog.Default()), nil, slog.Default())
}

func (f *fixture) worker(e *Engine, rowTimeout time.Duration) *Worker {
	return NewWorker(f.store, e, f.cache, f.mirror, WorkerConfig{
		Lease:      5 * time.Minute,
		RowTimeout: rowTimeout,
		RetryDelay: 30 * time.Second,
	}, slog.Default())
}

func (f *fixture) enqueue(t *testing.T, ids ...uuid.UUID) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		n, err = EnqueueMetadata(context.Background(), tx, ids, ReasonCreated)
		return err
	}))
	return n
}

func (f *fixture) base(t *testing.T, id uuid.UUID) model.BaseStudy {
	t.Helper()
	b, ok := f.store.BaseStudy(id)
	require.True(t, ok)
	return b
}

func boolPtr(b bool) *bool { return &b }
