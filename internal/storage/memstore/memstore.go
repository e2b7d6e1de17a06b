// Package memstore is an in-memory implementation of storage.Store. A
// transaction works on a private copy of the state and swaps it in on
// commit, so a failed unit of work leaves nothing behind. Transactions are
// serialized, which gives the same observable outcome as row locks with
// SKIP LOCKED for a single process.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

type analysis struct {
	ID      uuid.UUID
	StudyID uuid.UUID
	Flags   model.Flags
}

type image struct {
	ID         uuid.UUID
	AnalysisID uuid.UUID
	ValueType  string
}

type state struct {
	baseStudies    map[uuid.UUID]model.BaseStudy
	studies        map[uuid.UUID]model.Study
	analyses       map[uuid.UUID]analysis
	points         map[uuid.UUID]uuid.UUID // point id -> analysis id
	images         map[uuid.UUID]image
	results        map[uuid.UUID]model.PipelineStudyResult
	embeddings     map[uuid.UUID]model.PipelineEmbedding
	flagOutbox     map[uuid.UUID]model.OutboxEntry
	metadataOutbox map[uuid.UUID]model.OutboxEntry
}

func newState() state {
	return state{
		baseStudies:    map[uuid.UUID]model.BaseStudy{},
		studies:        map[uuid.UUID]model.Study{},
		analyses:       map[uuid.UUID]analysis{},
		points:         map[uuid.UUID]uuid.UUID{},
		images:         map[uuid.UUID]image{},
		results:        map[uuid.UUID]model.PipelineStudyResult{},
		embeddings:     map[uuid.UUID]model.PipelineEmbedding{},
		flagOutbox:     map[uuid.UUID]model.OutboxEntry{},
		metadataOutbox: map[uuid.UUID]model.OutboxEntry{},
	}
}

// clone copies every table. Values are structs whose pointer fields are
// only ever replaced, never written through, so a shallow copy per row is
// enough.
func (s state) clone() state {
	return state{
		baseStudies:    maps.Clone(s.baseStudies),
		studies:        maps.Clone(s.studies),
		analyses:       maps.Clone(s.analyses),
		points:         maps.Clone(s.points),
		images:         maps.Clone(s.images),
		results:        maps.Clone(s.results),
		embeddings:     maps.Clone(s.embeddings),
		flagOutbox:     maps.Clone(s.flagOutbox),
		metadataOutbox: maps.Clone(s.metadataOutbox),
	}
}

// Store is the in-memory store.
type Store struct {
	mu       sync.Mutex
	state    state
	nowFn    func() time.Time
	failNext error
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store using the wall clock.
func New() *Store {
	return &Store{state: newState(), nowFn: time.Now}
}

// SetClock replaces the clock. Each transaction reads it once at start, the
// way Postgres fixes now() per transaction.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// FailNext makes the next InTx call return err without running fn.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// InTx implements storage.Store.
func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	tx := &memTx{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *Store) now() time.Time { return s.nowFn() }

// AddBaseStudy inserts a base study, assigning an id and creation time when
// unset. New rows are active unless they already carry SupersededBy.
func (s *Store) AddBaseStudy(b model.BaseStudy) model.BaseStudy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	b.IsActive = b.SupersededBy == nil
	s.state.baseStudies[b.ID] = b
	return b
}

// AddStudy inserts a study version.
func (s *Store) AddStudy(st model.Study) model.Study {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now()
	}
	s.state.studies[st.ID] = st
	return st
}

// AddAnalysis inserts an empty analysis under studyID.
func (s *Store) AddAnalysis(studyID uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.state.analyses[id] = analysis{ID: id, StudyID: studyID}
	return id
}

// AddPoint inserts a coordinate under analysisID.
func (s *Store) AddPoint(analysisID uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.state.points[id] = analysisID
	return id
}

// DeletePoint removes a coordinate.
func (s *Store) DeletePoint(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.points, id)
}

// AddImage inserts an image with the given value_type under analysisID.
func (s *Store) AddImage(analysisID uuid.UUID, valueType string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.state.images[id] = image{ID: id, AnalysisID: analysisID, ValueType: valueType}
	return id
}

// DeleteImage removes an image.
func (s *Store) DeleteImage(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.images, id)
}

// MoveImage reparents an image and returns the analysis it came from.
func (s *Store) MoveImage(id, toAnalysis uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.state.images[id]
	if !ok {
		return uuid.Nil, fmt.Errorf("memstore: image %s: %w", id, storage.ErrNotFound)
	}
	from := img.AnalysisID
	img.AnalysisID = toAnalysis
	s.state.images[id] = img
	return from, nil
}

// AddPipelineStudyResult inserts a pipeline result.
func (s *Store) AddPipelineStudyResult(r model.PipelineStudyResult) model.PipelineStudyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.state.results[r.ID] = r
	return r
}

// AddPipelineEmbedding inserts a pipeline embedding.
func (s *Store) AddPipelineEmbedding(e model.PipelineEmbedding) model.PipelineEmbedding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Embedding = slices.Clone(e.Embedding)
	s.state.embeddings[e.ID] = e
	return e
}

// BaseStudyOfAnalysis returns the base study an analysis belongs to.
func (s *Store) BaseStudyOfAnalysis(analysisID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.state.analyses[analysisID]
	if !ok {
		return uuid.Nil, false
	}
	st, ok := s.state.studies[a.StudyID]
	return st.BaseStudyID, ok
}

// BaseStudy returns a committed base study.
func (s *Store) BaseStudy(id uuid.UUID) (model.BaseStudy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.baseStudies[id]
	return b, ok
}

// Study returns a committed study.
func (s *Store) Study(id uuid.UUID) (model.Study, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state.studies[id]
	return st, ok
}

// AnalysisFlags returns the committed flags of an analysis.
func (s *Store) AnalysisFlags(id uuid.UUID) model.Flags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.analyses[id].Flags
}

// Outbox returns the committed rows of a queue, oldest enqueued first.
func (s *Store) Outbox(kind model.OutboxKind) []model.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.state.flagOutbox
	if kind == model.MetadataOutbox {
		rows = s.state.metadataOutbox
	}
	out := slices.Collect(maps.Values(rows))
	slices.SortFunc(out, byEnqueued)
	return out
}

// PipelineStudyResults returns the results owned by a base study.
func (s *Store) PipelineStudyResults(baseStudyID uuid.UUID) []model.PipelineStudyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PipelineStudyResult
	for _, r := range s.state.results {
		if r.BaseStudyID == baseStudyID {
			out = append(out, r)
		}
	}
	return out
}

// PipelineEmbeddings returns the embeddings owned by a base study.
func (s *Store) PipelineEmbeddings(baseStudyID uuid.UUID) []model.PipelineEmbedding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PipelineEmbedding
	for _, e := range s.state.embeddings {
		if e.BaseStudyID == baseStudyID {
			out = append(out, e)
		}
	}
	return out
}
