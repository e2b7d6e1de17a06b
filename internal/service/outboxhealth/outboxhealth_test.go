package outboxhealth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
	"github.com/neurostuff/studysync/internal/storage/memstore"
)

var now = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestCheck(t *testing.T) {
	defaults := Thresholds{MaxPending: DefaultMaxPending, MaxOldestSeconds: DefaultMaxOldestSeconds}

	tests := []struct {
		name    string
		stats   model.OutboxStats
		th      Thresholds
		healthy bool
		reasons int
		age     float64
	}{
		{name: "empty queue", stats: model.OutboxStats{}, th: defaults, healthy: true},
		{name: "within limits", stats: model.OutboxStats{Pending: 10, Oldest: ago(time.Minute)}, th: defaults, healthy: true, age: 60},
		{name: "at the limits", stats: model.OutboxStats{Pending: 5000, Oldest: ago(900 * time.Second)}, th: defaults, healthy: true, age: 900},
		{name: "too many pending", stats: model.OutboxStats{Pending: 5001, Oldest: ago(time.Second)}, th: defaults, reasons: 1, age: 1},
		{name: "too old", stats: model.OutboxStats{Pending: 1, Oldest: ago(time.Hour)}, th: defaults, reasons: 1, age: 3600},
		{name: "both exceeded", stats: model.OutboxStats{Pending: 9000, Oldest: ago(time.Hour)}, th: defaults, reasons: 2, age: 3600},
		{
			name:    "pending check disabled",
			stats:   model.OutboxStats{Pending: 9000, Oldest: ago(time.Second)},
			th:      Thresholds{MaxPending: -1, MaxOldestSeconds: 900},
			healthy: true,
			age:     1,
		},
		{
			name:    "age check disabled",
			stats:   model.OutboxStats{Pending: 1, Oldest: ago(24 * time.Hour)},
			th:      Thresholds{MaxPending: 5000, MaxOldestSeconds: -1},
			healthy: true,
			age:     86400,
		},
		{name: "clock skew clamps to zero", stats: model.OutboxStats{Pending: 1, Oldest: ago(-time.Minute)}, th: defaults, healthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Check(model.FlagOutbox, tt.stats, tt.th, now)
			assert.Equal(t, tt.healthy, r.Healthy())
			assert.Len(t, r.Reasons, tt.reasons)
			assert.InDelta(t, tt.age, r.OldestAgeSeconds, 0.001)
			assert.Equal(t, tt.stats.Pending, r.Pending)
		})
	}
}

func TestReportString(t *testing.T) {
	ok := Check(model.FlagOutbox, model.OutboxStats{Pending: 3, Oldest: ago(1500 * time.Millisecond)},
		Thresholds{MaxPending: 5000, MaxOldestSeconds: 900}, now)
	assert.Equal(t, "outbox_status=OK pending=3 oldest_age_seconds=1.5", ok.String())

	bad := Check(model.MetadataOutbox, model.OutboxStats{Pending: 2}, Thresholds{MaxPending: 1, MaxOldestSeconds: -1}, now)
	assert.Equal(t, "outbox_status=UNHEALTHY pending=2 oldest_age_seconds=0.0", bad.String())
	assert.Equal(t, "pending 2 exceeds max_pending 1", bad.FailureReasons())
}

func TestRun(t *testing.T) {
	s := memstore.New()
	s.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	b := s.AddBaseStudy(model.BaseStudy{Name: "x"})
	require.NoError(t, s.InTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.UpsertFlagOutbox(context.Background(), []uuid.UUID{b.ID}, "test")
		return err
	}))

	r, err := Run(context.Background(), s, model.FlagOutbox, Thresholds{MaxPending: 5000, MaxOldestSeconds: 900})
	require.NoError(t, err)
	assert.False(t, r.Healthy(), "the row is an hour old")
	assert.Equal(t, 1, r.Pending)

	r, err = Run(context.Background(), s, model.MetadataOutbox, Thresholds{MaxPending: 5000, MaxOldestSeconds: 900})
	require.NoError(t, err)
	assert.True(t, r.Healthy())
	assert.Zero(t, r.Pending)
}

func TestRun_StoreUnavailable(t *testing.T) {
	s := memstore.New()
	s.FailNext(storage.ErrUnavailable)
	_, err := Run(context.Background(), s, model.FlagOutbox, Thresholds{})
	require.ErrorIs(t, err, storage.ErrUnavailable)
}
