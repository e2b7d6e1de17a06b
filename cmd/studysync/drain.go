package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/neurostuff/studysync/internal/model"
	"github.com/neurostuff/studysync/internal/storage"
)

// batchFunc processes up to limit rows and returns how many it processed.
type batchFunc func(ctx context.Context, limit int) (int, error)

// waitFunc blocks for at most d, returning early when ctx is done or new
// work is signalled.
type waitFunc func(ctx context.Context, d time.Duration)

type drainOptions struct {
	BatchSize int
	Loop      bool
	Sleep     time.Duration
}

// drain runs batches until one processes nothing. In loop mode it then
// waits and starts over until ctx is cancelled; a failed batch is logged
// and retried after the same wait. Cancellation is only observed between
// batches: a batch in flight always runs to completion.
func drain(ctx context.Context, process batchFunc, opts drainOptions, wait waitFunc, logger *slog.Logger) (int, error) {
	batchCtx := context.WithoutCancel(ctx)
	total := 0
	for ctx.Err() == nil {
		n, err := process(batchCtx, opts.BatchSize)
		total += n
		if err != nil {
			if !opts.Loop {
				return total, err
			}
			logger.Error("batch failed, backing off", "error", err, "sleep", opts.Sleep)
			wait(ctx, opts.Sleep)
			continue
		}
		if n > 0 {
			continue
		}
		if !opts.Loop {
			return total, nil
		}
		wait(ctx, opts.Sleep)
	}
	logger.Info("stop requested, exiting between batches", "total", total)
	return total, nil
}

// sleepWait waits for d or until ctx is done.
func sleepWait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// notifyWait listens for outbox notifications of kind and returns a
// waitFunc that also wakes when one arrives. Without a notify connection
// it falls back to plain sleeping.
func notifyWait(ctx context.Context, db *storage.DB, kind model.OutboxKind, logger *slog.Logger) waitFunc {
	if !db.CanListen() {
		return sleepWait
	}
	if err := db.Listen(ctx, storage.ChannelOutbox); err != nil {
		logger.Warn("listen failed, polling instead", "error", err)
		return sleepWait
	}

	wake := make(chan struct{}, 1)
	go func() {
		for {
			_, payload, err := db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return // Shutting down.
				}
				logger.Warn("outbox notification error, retrying", "error", err)
				sleepWait(ctx, time.Second)
				continue
			}
			if payload != string(kind) {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	return func(ctx context.Context, d time.Duration) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		case <-wake:
		}
	}
}
