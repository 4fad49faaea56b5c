package vmhistory

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestWriterLogDropsWhenBufferFull(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	w := NewWriter(nil, logger)

	vmID := uuid.New()
	for i := 0; i < bufferSize+10; i++ {
		w.Log(Entry{VmID: vmID, Action: "step.completed"})
	}

	if len(w.entries) != bufferSize {
		t.Fatalf("entries channel = %d, want full buffer of %d", len(w.entries), bufferSize)
	}
}

func TestWriterLogEnqueues(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	w := NewWriter(nil, logger)

	w.Log(Entry{VmID: uuid.New(), Action: "vm.created"})

	select {
	case e := <-w.entries:
		if e.Action != "vm.created" {
			t.Fatalf("action = %q, want vm.created", e.Action)
		}
	default:
		t.Fatal("expected entry to be enqueued")
	}
}

type testWriter struct{ t *testing.T }

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Logf("%s", p)
	return len(p), nil
}
