package enrichment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

// Reasons recorded on metadata outbox rows.
const (
	ReasonCreated    = "base-study-created"
	ReasonIdentifier = "identifier-changed"
	ReasonRequested  = "enrichment-requested"
)

// MetadataPolicy is called by write paths, inside their transaction, after
// base studies were created or had bibliographic fields edited. The
// returned set must be bumped in the cache after the caller commits.
type MetadataPolicy interface {
	OnChange(ctx context.Context, tx storage.Tx, reason string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error)
}

// NewMetadataPolicy selects the policy for BASE_STUDY_METADATA_ASYNC.
func NewMetadataPolicy(async bool, engine *Engine) MetadataPolicy {
	if async {
		return EnqueueForBatch{}
	}
	return InlineEnrich{Engine: engine}
}

// EnqueueMetadata upserts metadata outbox rows for the base studies among
// ids that a provider could key a lookup off: at least one identifier or a
// name. Other ids, and ids that do not exist, are skipped. It returns the
// number of rows written.
func EnqueueMetadata(ctx context.Context, tx storage.Tx, ids []uuid.UUID, reason string) (int, error) {
	bases, err := tx.GetBaseStudies(ctx, storage.UniqueIDs(ids))
	if err != nil {
		return 0, fmt.Errorf("enrichment: enqueue: %w", err)
	}
	var eligible []uuid.UUID
	for _, b := range bases {
		if b.Record().CanEnrich() {
			eligible = append(eligible, b.ID)
		}
	}
	n, err := tx.UpsertMetadataOutbox(ctx, eligible, reason)
	if err != nil {
		return 0, fmt.Errorf("enrichment: enqueue: %w", err)
	}
	return n, nil
}

// EnqueueForBatch defers enrichment to the Worker.
type EnqueueForBatch struct{}

func (EnqueueForBatch) OnChange(ctx context.Context, tx storage.Tx, reason string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error) {
	if _, err := EnqueueMetadata(ctx, tx, baseStudyIDs, reason); err != nil {
		return nil, err
	}
	return model.InvalidationSet{}, nil
}

// InlineEnrich enriches and canonicalizes in the caller's transaction.
// Provider requests run while the transaction is open, so this policy
// suits low write volumes only. The embedding mirror is not repointed in
// this mode; deployments with a vector index run the Worker instead.
type InlineEnrich struct {
	Engine *Engine
}

func (p InlineEnrich) OnChange(ctx context.Context, tx storage.Tx, _ string, baseStudyIDs ...uuid.UUID) (model.InvalidationSet, error) {
	inv := model.InvalidationSet{}
	for _, id := range storage.UniqueIDs(baseStudyIDs) {
		base, err := ResolveCanonical(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if !base.Record().CanEnrich() {
			continue
		}
		rec, _, err := p.Engine.Enrich(ctx, base)
		if err != nil {
			return nil, err
		}
		res, err := p.Engine.Canonicalize(ctx, tx, base.ID, rec, nil)
		if err != nil {
			return nil, err
		}
		inv.Merge(res.Invalidate)
	}
	return inv, nil
}
