// Package outboxhealth reports outbox backlog health for alerting.
package outboxhealth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/telemetry"
)

// Status values rendered by Report.String.
const (
	StatusOK        = "OK"
	StatusUnhealthy = "UNHEALTHY"
)

// Default thresholds of the check commands.
const (
	DefaultMaxPending       = 5000
	DefaultMaxOldestSeconds = 900
)

// Thresholds bound a healthy backlog. A negative value disables the check.
type Thresholds struct {
	MaxPending       int
	MaxOldestSeconds float64
}

// Report is the outcome of a health check.
type Report struct {
	Kind             model.OutboxKind
	Status           string
	Pending          int
	OldestAgeSeconds float64
	Reasons          []string
}

// Healthy reports whether every enabled threshold was met.
func (r Report) Healthy() bool { return r.Status == StatusOK }

func (r Report) String() string {
	return fmt.Sprintf("outbox_status=%s pending=%d oldest_age_seconds=%.1f",
		r.Status, r.Pending, r.OldestAgeSeconds)
}

// Check evaluates stats against th. Ages are measured from now.
func Check(kind model.OutboxKind, stats model.OutboxStats, th Thresholds, now time.Time) Report {
	r := Report{Kind: kind, Status: StatusOK, Pending: stats.Pending}
	if stats.Oldest != nil {
		r.OldestAgeSeconds = max(now.Sub(*stats.Oldest).Seconds(), 0)
	}
	if th.MaxPending >= 0 && r.Pending > th.MaxPending {
		r.Reasons = append(r.Reasons, fmt.Sprintf("pending %d exceeds max_pending %d", r.Pending, th.MaxPending))
	}
	if th.MaxOldestSeconds >= 0 && r.OldestAgeSeconds > th.MaxOldestSeconds {
		r.Reasons = append(r.Reasons, fmt.Sprintf("oldest row age %.1fs exceeds max_oldest_seconds %.1f",
			r.OldestAgeSeconds, th.MaxOldestSeconds))
	}
	if len(r.Reasons) > 0 {
		r.Status = StatusUnhealthy
	}
	return r
}

// Stats reads the backlog of one queue.
func Stats(ctx context.Context, store storage.Store, kind model.OutboxKind) (model.OutboxStats, error) {
	var stats model.OutboxStats
	err := store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		stats, err = tx.OutboxStats(ctx, kind)
		return err
	})
	if err != nil {
		return stats, fmt.Errorf("outboxhealth: %s stats: %w", kind, err)
	}
	return stats, nil
}

// Run reads the backlog and checks it.
func Run(ctx context.Context, store storage.Store, kind model.OutboxKind, th Thresholds) (Report, error) {
	stats, err := Stats(ctx, store, kind)
	if err != nil {
		return Report{}, err
	}
	return Check(kind, stats, th, time.Now()), nil
}

// FailureReasons joins the reasons of an unhealthy report.
func (r Report) FailureReasons() string {
	return strings.Join(r.Reasons, "; ")
}

// RegisterGauges exports the depth and oldest-row age of both queues as
// observable gauges. Each collection queries the store.
func RegisterGauges(store storage.Store, logger *slog.Logger) {
	meter := telemetry.Meter("studysync/outbox")
	kinds := []model.OutboxKind{model.FlagOutbox, model.MetadataOutbox}

	_, _ = meter.Int64ObservableGauge("studysync.outbox.pending",
		metric.WithDescription("Rows waiting in the outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			for _, kind := range kinds {
				stats, err := Stats(ctx, store, kind)
				if err != nil {
					logger.Debug("outboxhealth: gauge collection failed", "kind", kind, "error", err)
					continue
				}
				o.Observe(int64(stats.Pending), metric.WithAttributes(attribute.String("kind", string(kind))))
			}
			return nil
		}),
	)

	_, _ = meter.Float64ObservableGauge("studysync.outbox.oldest_age_seconds",
		metric.WithDescription("Age of the oldest outbox row"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			now := time.Now()
			for _, kind := range kinds {
				stats, err := Stats(ctx, store, kind)
				if err != nil {
					continue
				}
				r := Check(kind, stats, Thresholds{MaxPending: -1, MaxOldestSeconds: -1}, now)
				o.Observe(r.OldestAgeSeconds, metric.WithAttributes(attribute.String("kind", string(kind))))
			}
			return nil
		}),
	)
}
