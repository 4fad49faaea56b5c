package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/wisbric/lnvpsd/pkg/store"
)

// reconcileStrayRecords implements spec.md §9's "implementation optional"
// arp-ref reconciliation, grounded on original_source's
// ArpRefFixerDataMigration: diff the Router's live ARP table against
// vm_ip_assignments.arp_ref and fix any entry that drifted. An ARP entry
// with no matching assignment is logged as a stray and left alone — this
// job never deletes router state on its own judgment.
func (w *Worker) reconcileStrayRecords(ctx context.Context) error {
	entries, err := w.deps.Router.ListArpEntries(ctx)
	if err != nil {
		return fmt.Errorf("listing arp entries: %w", err)
	}

	fixed := 0
	for _, entry := range entries {
		if entry.ID == "" {
			continue
		}

		assignment, err := w.deps.Store.GetIpAssignmentByIP(ctx, entry.IP)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				w.deps.Logger.Warn("arp entry has no matching vm ip assignment",
					"ip", entry.IP, "arp_id", entry.ID)
				continue
			}
			w.deps.Logger.Error("looking up vm ip assignment for arp entry",
				"ip", entry.IP, "error", err)
			continue
		}

		if assignment.ArpRef != nil && *assignment.ArpRef == entry.ID {
			continue
		}

		ref := entry.ID
		assignment.ArpRef = &ref
		if _, err := w.deps.Store.SaveIpAssignment(ctx, assignment); err != nil {
			w.deps.Logger.Error("updating drifted arp ref", "ip", entry.IP, "error", err)
			continue
		}
		fixed++
	}

	w.deps.Logger.Info("arp reference reconciliation complete", "fixed", fixed, "arp_entries", len(entries))
	return nil
}
