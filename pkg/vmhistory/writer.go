// Package vmhistory records the lifecycle trail of a VM — every
// provisioning step, state transition, and payment event — as an
// append-only log (spec.md §4.1 "each step appends an entry", §4.6).
package vmhistory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single vm_history row to be written.
type Entry struct {
	VmID       uuid.UUID
	Action     string
	Detail     json.RawMessage
	PreviousIP *string
	NewIP      *string
}

// Writer is an async, buffered vm_history writer. Entries are sent to an
// internal channel and flushed by a background goroutine in batches, so
// the provisioning pipeline and worker never block on a history insert.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates a vm_history Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes entries to the database.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues a history entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("vm_history buffer full, dropping entry",
			"vm_id", entry.VmID, "action", entry.Action)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for vm_history flush", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		detail := e.Detail
		if detail == nil {
			detail = json.RawMessage("{}")
		}
		_, err := conn.Exec(ctx, `
			INSERT INTO vm_history (vm_id, action, detail, previous_ip, new_ip, created_at)
			VALUES ($1, $2, $3, $4, $5, now())`,
			e.VmID, e.Action, detail, e.PreviousIP, e.NewIP,
		)
		if err != nil {
			w.logger.Error("writing vm_history entry", "error", err,
				"vm_id", e.VmID, "action", e.Action)
		}
	}
}
