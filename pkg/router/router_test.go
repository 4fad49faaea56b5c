package router

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestNoopImplementsRouter(t *testing.T) {
	var _ Router = (*Noop)(nil)
}

func TestNoopAddArpEntryAssignsID(t *testing.T) {
	n := &Noop{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	entry, err := n.AddArpEntry(context.Background(), ArpEntry{IP: "10.0.0.2", MAC: "bc:24:11:00:00:01"})
	if err != nil {
		t.Fatalf("AddArpEntry() error = %v", err)
	}
	if entry.ID == "" {
		t.Fatalf("AddArpEntry() returned empty id")
	}
}

func TestMikrotikToFromRoundTrip(t *testing.T) {
	in := ArpEntry{ID: "*1", IP: "10.0.0.2", MAC: "bc:24:11:00:00:01", Interface: "ether1", Comment: "vm-1"}
	out := fromMikrotik(toMikrotik(in))
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}
