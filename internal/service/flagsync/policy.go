package flagsync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

// FlagPolicy is called by write paths, inside their transaction, after
// evidence under the given base studies was added, removed or moved. The
// returned set must be bumped in the cache after the caller commits.
type FlagPolicy interface {
	OnChange(ctx context.Context, tx storage.Tx, reason string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error)
}

// NewFlagPolicy selects the policy for BASE_STUDY_FLAGS_ASYNC.
func NewFlagPolicy(async bool) FlagPolicy {
	if async {
		return EnqueueForBatch{}
	}
	return InlineRecompute{}
}

// InlineRecompute recomputes flags in the caller's transaction.
type InlineRecompute struct{}

func (InlineRecompute) OnChange(ctx context.Context, tx storage.Tx, _ string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error) {
	inv := model.InvalidationSet{}
	for _, id := range storage.UniqueIDs(baseStudyIDs) {
		got, err := Recompute(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		inv.Merge(got)
	}
	return inv, nil
}

// EnqueueForBatch records an outbox row per base study for the Worker.
// Nothing needs invalidating until the row is processed.
type EnqueueForBatch struct{}

func (EnqueueForBatch) OnChange(ctx context.Context, tx storage.Tx, reason string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error) {
	if _, err := tx.UpsertFlagOutbox(ctx, baseStudyIDs, reason); err != nil {
		return nil, fmt.Errorf("flagsync: enqueue: %w", err)
	}
	return model.InvalidationSet{}, nil
}

// OnEvidenceMoved reports a point or image that moved between analyses.
// Both sides are reported so a single pass converges the losing and the
// gaining base study. from and to may be equal.
func OnEvidenceMoved(ctx context.Context, tx storage.Tx, p FlagPolicy, from, to uuid.UUID) (model.InvalidationSet, error) {
	return p.OnChange(ctx, tx, ReasonEvidenceMoved, from, to)
}
