package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/neurostuff/studysync/internal/cache"
	"github.com/neurostuff/studysync/internal/config"
	"github.com/neurostuff/studysync/internal/providers"
	"github.com/neurostuff/studysync/internal/search"
	"github.com/neurostuff/studysync/internal/service/enrichment"
	"github.com/neurostuff/studysync/internal/service/flagsync"
	"github.com/neurostuff/studysync/internal/service/outboxhealth"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/telemetry"
)

// app holds the dependencies shared by every command.
type app struct {
	cfg    config.Config
	db     *storage.DB
	logger *slog.Logger

	closers []func(context.Context)
}

// openApp loads configuration, starts telemetry and connects to Postgres.
// listen opens the dedicated LISTEN connection when NOTIFY_URL is set.
func openApp(ctx context.Context, logger *slog.Logger, listen bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, wrapExit(exitCommandError, "load config", err)
	}

	a := &app{cfg: cfg, logger: logger}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, wrapExit(exitCommandError, "telemetry", err)
	}
	a.closers = append(a.closers, func(ctx context.Context) { _ = otelShutdown(ctx) })

	notifyDSN := ""
	if listen {
		notifyDSN = cfg.NotifyURL
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, notifyDSN, logger)
	if err != nil {
		a.Close(ctx)
		return nil, wrapExit(exitCommandError, "connect to database", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	outboxhealth.RegisterGauges(db, logger)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func (a *app) invalidator() cache.Invalidator {
	return cache.NewPGVersions(a.db.Pool(), storage.ChannelCache, a.logger)
}

func (a *app) flagWorker() *flagsync.Worker {
	return flagsync.NewWorker(a.db, a.invalidator(), a.logger)
}

func (a *app) metadataWorker(ctx context.Context) (*enrichment.Worker, error) {
	opts := providers.Options{Timeout: a.cfg.ProviderTimeout}
	s2 := providers.NewSemanticScholar(a.cfg.SemanticScholarAPIKey, opts)
	pubmed := providers.NewPubMed(providers.PubMedConfig{
		APIKey: a.cfg.PubMedAPIKey,
		Email:  a.cfg.PubMedEmail,
		Tool:   a.cfg.PubMedTool,
	}, opts)
	openalex := providers.NewOpenAlex(a.cfg.OpenAlexEmail, opts)

	chain := providers.NewChain(
		[]providers.IdentifierLookup{s2, pubmed, openalex},
		[]providers.MetadataFetcher{s2, pubmed},
		a.logger,
	)
	engine := enrichment.NewEngine(chain, flagsync.NewFlagPolicy(a.cfg.FlagsAsync), a.logger)

	var mirror search.EmbeddingMirror = search.Nop{}
	if a.cfg.QdrantURL != "" {
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        a.cfg.QdrantURL,
			APIKey:     a.cfg.QdrantAPIKey,
			Collection: a.cfg.QdrantCollection,
		}, a.logger)
		if err != nil {
			return nil, wrapExit(exitCommandError, "qdrant", err)
		}
		a.closers = append(a.closers, func(context.Context) { _ = idx.Close() })
		mirror = idx
		if err := idx.Healthy(ctx); err != nil {
			// Merges still commit; repoints wait for the mirror to come back.
			a.logger.Warn("qdrant: embedding mirror unreachable at startup", "error", err)
		}
		a.logger.Info("qdrant: embedding mirror enabled", "collection", a.cfg.QdrantCollection)
	}

	return enrichment.NewWorker(a.db, engine, a.invalidator(), mirror, enrichment.WorkerConfig{
		Lease:      a.cfg.MetadataLease,
		RowTimeout: a.cfg.MetadataRowTimeout,
		RetryDelay: a.cfg.MetadataRetryDelay,
	}, a.logger), nil
}

// classify maps a batch error to an exit code. An unreachable store is an
// environment problem, anything else a failed batch.
func classify(message string, err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return wrapExit(exitCommandError, message, err)
	}
	return wrapExit(exitFailure, message, err)
}
