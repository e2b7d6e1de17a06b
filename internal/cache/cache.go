// Package cache bumps per-resource cache versions after the consistency
// workers commit, so API caches keyed by (resource type, id) stop serving
// stale responses. Consumers live in the API processes: they compare
// cache_versions or listen for Payload messages on the cache channel.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/neurostuff/studysync/internal/model"
)

// Invalidator bumps the cache version of every id in the set.
type Invalidator interface {
	BumpVersions(ctx context.Context, set model.InvalidationSet) error
}

// Nop discards invalidations.
type Nop struct{}

func (Nop) BumpVersions(context.Context, model.InvalidationSet) error { return nil }

// Payload is the NOTIFY message published for each resource type bumped.
type Payload struct {
	ResourceType string      `json:"resource_type"`
	IDs          []uuid.UUID `json:"ids"`
}

// maxPayloadIDs keeps one message well under Postgres' 8000 byte NOTIFY
// limit (a quoted uuid is 38 bytes).
const maxPayloadIDs = 150

// Payloads splits set into NOTIFY messages.
func Payloads(set model.InvalidationSet) ([]string, error) {
	var out []string
	for _, rt := range set.ResourceTypes() {
		ids := set.IDs(rt)
		for start := 0; start < len(ids); start += maxPayloadIDs {
			end := min(start+maxPayloadIDs, len(ids))
			b, err := json.Marshal(Payload{ResourceType: rt, IDs: ids[start:end]})
			if err != nil {
				return nil, fmt.Errorf("cache: encode payload: %w", err)
			}
			out = append(out, string(b))
		}
	}
	return out, nil
}
