package dnsserver

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Noop is a stub DnsServer that logs instead of calling a real nameserver,
// for local development and tests. Grounded on the teacher's
// the teacher's no-op-collaborator pattern (log and return a plausible stub).
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) AddRecord(ctx context.Context, zone string, record Record) (Record, error) {
	record.ID = uuid.New().String()
	n.Logger.Info("noop dns: add_record", "zone", zone, "name", record.Name, "kind", record.Kind)
	return record, nil
}

func (n *Noop) UpdateRecord(ctx context.Context, zone string, record Record) (Record, error) {
	n.Logger.Info("noop dns: update_record", "zone", zone, "name", record.Name, "kind", record.Kind)
	return record, nil
}

func (n *Noop) DeleteRecord(ctx context.Context, zone string, record Record) error {
	n.Logger.Info("noop dns: delete_record", "zone", zone, "name", record.Name, "kind", record.Kind)
	return nil
}

var _ DnsServer = (*Noop)(nil)
