// Package providers resolves publication identifiers and bibliographic
// metadata from external services (Semantic Scholar, PubMed, OpenAlex).
// Providers are tried in priority order and the chain stops as soon as the
// record has nothing left to fill.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neurostuff/studysync/internal/model"
)

// ErrTransient marks failures worth retrying later: timeouts, rate limiting,
// 5xx responses and network errors.
var ErrTransient = errors.New("providers: transient failure")

// IdentifierLookup finds DOI / PMID / PMCID for a record. Implementations
// return whatever identifiers they found; an empty result is not an error.
type IdentifierLookup interface {
	Name() string
	LookupIdentifiers(ctx context.Context, r model.Record) (model.Identifiers, error)
}

// MetadataFetcher fetches a bibliographic record. The returned record may
// be partial; a zero Record means the provider knows nothing about r.
type MetadataFetcher interface {
	Name() string
	FetchMetadata(ctx context.Context, r model.Record) (model.Record, error)
}

// Chain runs identifier lookups and metadata fetchers in priority order.
type Chain struct {
	lookups  []IdentifierLookup
	fetchers []MetadataFetcher
	logger   *slog.Logger
}

// NewChain creates a chain. Order of each slice is priority order.
func NewChain(lookups []IdentifierLookup, fetchers []MetadataFetcher, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{lookups: lookups, fetchers: fetchers, logger: logger}
}

// Outcome reports what a chain run did.
type Outcome struct {
	Filled []model.Field // fields filled from providers, in fill order
	Called []string      // providers called, in call order
}

// ResolveIdentifiers fills blank identifiers on r. Providers are consulted
// only while at least one identifier is still missing. Any provider error
// aborts the run.
func (c *Chain) ResolveIdentifiers(ctx context.Context, r *model.Record, out *Outcome) error {
	for _, p := range c.lookups {
		if len(r.MissingIdentifiers()) == 0 {
			return nil
		}
		out.Called = append(out.Called, p.Name())
		ids, err := p.LookupIdentifiers(ctx, *r)
		if err != nil {
			return fmt.Errorf("providers: %s identifier lookup: %w", p.Name(), err)
		}
		filled := r.FillIdentifiers(ids)
		if len(filled) > 0 {
			c.logger.Debug("providers: identifiers resolved", "provider", p.Name(), "fields", filled)
		}
		out.Filled = append(out.Filled, filled...)
	}
	return nil
}

// FetchMetadata fills missing fields on r. Present values always win.
// Providers are consulted only while some field is still missing.
func (c *Chain) FetchMetadata(ctx context.Context, r *model.Record, out *Outcome) error {
	for _, p := range c.fetchers {
		if len(r.MissingFields()) == 0 {
			return nil
		}
		out.Called = append(out.Called, p.Name())
		got, err := p.FetchMetadata(ctx, *r)
		if err != nil {
			return fmt.Errorf("providers: %s metadata fetch: %w", p.Name(), err)
		}
		filled := r.FillMissing(got)
		if len(filled) > 0 {
			c.logger.Debug("providers: metadata filled", "provider", p.Name(), "fields", filled)
		}
		out.Filled = append(out.Filled, filled...)
	}
	return nil
}

// Enrich resolves identifiers then fetches metadata, returning the enriched
// copy of r. r itself is not modified.
func (c *Chain) Enrich(ctx context.Context, r model.Record) (model.Record, Outcome, error) {
	var out Outcome
	if err := c.ResolveIdentifiers(ctx, &r, &out); err != nil {
		return r, out, err
	}
	if err := c.FetchMetadata(ctx, &r, &out); err != nil {
		return r, out, err
	}
	return r, out, nil
}

// Noop is a provider that never knows anything. It backs dry runs and
// deployments without outbound network access.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) LookupIdentifiers(context.Context, model.Record) (model.Identifiers, error) {
	return model.Identifiers{}, nil
}

func (Noop) FetchMetadata(context.Context, model.Record) (model.Record, error) {
	return model.Record{}, nil
}
