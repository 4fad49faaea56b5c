package router

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Noop is a stub Router that logs instead of calling real hardware, for
// local development and tests. Grounded on the teacher's
// the teacher's no-op-collaborator pattern (log and return a plausible stub).
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) GenerateMAC(ctx context.Context, ip, label string) (*ArpEntry, error) {
	n.Logger.Info("noop router: generate_mac", "ip", ip, "label", label)
	return nil, nil
}

func (n *Noop) ListArpEntries(ctx context.Context) ([]ArpEntry, error) {
	n.Logger.Info("noop router: list_arp_entries")
	return nil, nil
}

func (n *Noop) AddArpEntry(ctx context.Context, entry ArpEntry) (ArpEntry, error) {
	entry.ID = uuid.New().String()
	n.Logger.Info("noop router: add_arp_entry", "id", entry.ID, "ip", entry.IP)
	return entry, nil
}

func (n *Noop) UpdateArpEntry(ctx context.Context, entry ArpEntry) (ArpEntry, error) {
	n.Logger.Info("noop router: update_arp_entry", "id", entry.ID, "ip", entry.IP)
	return entry, nil
}

func (n *Noop) RemoveArpEntry(ctx context.Context, id string) error {
	n.Logger.Info("noop router: remove_arp_entry", "id", id)
	return nil
}

var _ Router = (*Noop)(nil)
