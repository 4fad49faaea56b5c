package worker

import (
	"context"
	"time"

	"github.com/wisbric/lnvpsd/pkg/lightning"
)

const settleIndexRedisKey = "lnvpsd:worker:lightning_settle_index"
const invoiceListenerRestartDelay = 10 * time.Second

// runInvoiceListener drives the Lightning invoice subscription ingress
// path, spec.md §4.5.2 path 1. It resumes from the last-seen
// settle_index (persisted in Redis) so a restart never replays or skips
// settlements, and reconnects 10s after the stream ends, spec.md §5.
func (w *Worker) runInvoiceListener(ctx context.Context) {
	ln := w.deps.Payment.Lightning
	if ln == nil {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		fromIndex := w.loadSettleIndex(ctx)
		updates, err := ln.SubscribeInvoices(ctx, fromIndex)
		if err != nil {
			w.deps.Logger.Error("subscribe_invoices failed, retrying", "error", err)
			if !w.sleepOrDone(ctx, invoiceListenerRestartDelay) {
				return
			}
			continue
		}

		w.consumeInvoiceUpdates(ctx, updates)

		if ctx.Err() != nil {
			return
		}
		w.deps.Logger.Warn("invoice subscription stream ended, restarting", "after", invoiceListenerRestartDelay)
		if !w.sleepOrDone(ctx, invoiceListenerRestartDelay) {
			return
		}
	}
}

func (w *Worker) consumeInvoiceUpdates(ctx context.Context, updates <-chan lightning.InvoiceUpdate) {
	for update := range updates {
		if update.Err != nil {
			w.deps.Logger.Error("invoice subscription stream error", "error", update.Err)
			return
		}
		if update.State != lightning.InvoiceSettled {
			continue
		}
		if err := w.deps.Payment.SettleByID(ctx, update.PaymentHash); err != nil {
			w.deps.Logger.Error("settling invoice", "error", err)
			continue
		}
		w.storeSettleIndex(ctx, update.SettleIndex)
	}
}

func (w *Worker) sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) loadSettleIndex(ctx context.Context) uint64 {
	if w.deps.Redis == nil {
		return 0
	}
	val, err := w.deps.Redis.Get(ctx, settleIndexRedisKey).Uint64()
	if err != nil {
		return 0
	}
	return val
}

func (w *Worker) storeSettleIndex(ctx context.Context, index uint64) {
	if w.deps.Redis == nil {
		return
	}
	if err := w.deps.Redis.Set(ctx, settleIndexRedisKey, index, 0).Err(); err != nil {
		w.deps.Logger.Warn("persisting lightning settle index failed", "error", err)
	}
}
