package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/lnvpsd/pkg/model"
)

const ipRangeColumns = `id, region_id, cidr, gateway, enabled, allocation_mode,
	access_policy_id, reverse_zone_id, use_full_range`

func scanIpRange(row pgx.Row) (model.IpRange, error) {
	var r model.IpRange
	err := row.Scan(&r.ID, &r.RegionID, &r.CIDR, &r.Gateway, &r.Enabled, &r.AllocationMode,
		&r.AccessPolicyID, &r.ReverseZoneID, &r.UseFullRange)
	return r, err
}

// GetIpRange returns an IpRange by id.
func (s *Store) GetIpRange(ctx context.Context, id uuid.UUID) (model.IpRange, error) {
	r, err := scanIpRange(s.db.QueryRow(ctx, `SELECT `+ipRangeColumns+` FROM ip_ranges WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IpRange{}, ErrNotFound
	}
	if err != nil {
		return model.IpRange{}, fmt.Errorf("getting ip range: %w", err)
	}
	return r, nil
}

// ListIpRangesByRegion returns every enabled IpRange in a region, for
// network allocation (spec.md §4.3.1).
func (s *Store) ListIpRangesByRegion(ctx context.Context, regionID uuid.UUID) ([]model.IpRange, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+ipRangeColumns+` FROM ip_ranges WHERE region_id = $1 AND enabled`, regionID)
	if err != nil {
		return nil, fmt.Errorf("listing ip ranges: %w", err)
	}
	defer rows.Close()

	var ranges []model.IpRange
	for rows.Next() {
		r, err := scanIpRange(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ip range: %w", err)
		}
		ranges = append(ranges, r)
	}
	return ranges, rows.Err()
}

// GetAccessPolicy returns an AccessPolicy by id.
func (s *Store) GetAccessPolicy(ctx context.Context, id uuid.UUID) (model.AccessPolicy, error) {
	var p model.AccessPolicy
	err := s.db.QueryRow(ctx,
		`SELECT id, kind, router_id, interface_name FROM access_policies WHERE id = $1`, id).
		Scan(&p.ID, &p.Kind, &p.RouterID, &p.InterfaceName)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AccessPolicy{}, ErrNotFound
	}
	if err != nil {
		return model.AccessPolicy{}, fmt.Errorf("getting access policy: %w", err)
	}
	return p, nil
}

const ipAssignmentColumns = `id, vm_id, ip_range_id, ip, arp_ref, dns_forward, dns_forward_ref,
	dns_reverse, dns_reverse_ref, deleted`

func scanIpAssignment(row pgx.Row) (model.VmIpAssignment, error) {
	var a model.VmIpAssignment
	err := row.Scan(&a.ID, &a.VmID, &a.IpRangeID, &a.IP, &a.ArpRef, &a.DNSForward, &a.DNSForwardRef,
		&a.DNSReverse, &a.DNSReverseRef, &a.Deleted)
	return a, err
}

// ListIpAssignmentsInRange returns every non-deleted assignment in a range —
// the authoritative "is this IP free" source for the allocator, spec.md §5.
func (s *Store) ListIpAssignmentsInRange(ctx context.Context, rangeID uuid.UUID) ([]model.VmIpAssignment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+ipAssignmentColumns+` FROM vm_ip_assignments WHERE ip_range_id = $1 AND NOT deleted`, rangeID)
	if err != nil {
		return nil, fmt.Errorf("listing ip assignments: %w", err)
	}
	defer rows.Close()

	var items []model.VmIpAssignment
	for rows.Next() {
		a, err := scanIpAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ip assignment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// GetIpAssignmentByIP returns the live (non-deleted) assignment holding ip,
// the lookup the arp-reference reconciliation job uses to map a router's
// ARP entry back to the assignment it belongs to.
func (s *Store) GetIpAssignmentByIP(ctx context.Context, ip string) (model.VmIpAssignment, error) {
	a, err := scanIpAssignment(s.db.QueryRow(ctx,
		`SELECT `+ipAssignmentColumns+` FROM vm_ip_assignments WHERE ip = $1 AND NOT deleted`, ip))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmIpAssignment{}, ErrNotFound
	}
	if err != nil {
		return model.VmIpAssignment{}, fmt.Errorf("getting ip assignment by ip: %w", err)
	}
	return a, nil
}

// ListIpAssignmentsForVm returns every assignment (including deleted) owned
// by a VM.
func (s *Store) ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+ipAssignmentColumns+` FROM vm_ip_assignments WHERE vm_id = $1`, vmID)
	if err != nil {
		return nil, fmt.Errorf("listing vm ip assignments: %w", err)
	}
	defer rows.Close()

	var items []model.VmIpAssignment
	for rows.Next() {
		a, err := scanIpAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ip assignment: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// SaveIpAssignment upserts a VmIpAssignment. A duplicate live ip is
// reported via the unique index on (ip) WHERE NOT deleted; the caller
// (pkg/netalloc) classifies that as Transient so the pipeline re-runs
// allocation, spec.md §5.
func (s *Store) SaveIpAssignment(ctx context.Context, a model.VmIpAssignment) (model.VmIpAssignment, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO vm_ip_assignments
			(id, vm_id, ip_range_id, ip, arp_ref, dns_forward, dns_forward_ref, dns_reverse, dns_reverse_ref, deleted)
		VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			arp_ref = EXCLUDED.arp_ref,
			dns_forward = EXCLUDED.dns_forward,
			dns_forward_ref = EXCLUDED.dns_forward_ref,
			dns_reverse = EXCLUDED.dns_reverse,
			dns_reverse_ref = EXCLUDED.dns_reverse_ref,
			deleted = EXCLUDED.deleted
		RETURNING id`,
		nilIfZeroUUID(a.ID), a.VmID, a.IpRangeID, a.IP, a.ArpRef,
		a.DNSForward, a.DNSForwardRef, a.DNSReverse, a.DNSReverseRef, a.Deleted,
	).Scan(&a.ID)
	if err != nil {
		return model.VmIpAssignment{}, fmt.Errorf("saving ip assignment: %w", err)
	}
	return a, nil
}

// SoftDeleteIpAssignment marks an assignment deleted=true, a monotonic
// tombstone per spec.md §6.
func (s *Store) SoftDeleteIpAssignment(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE vm_ip_assignments SET deleted = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting ip assignment: %w", err)
	}
	return nil
}

// HardDeleteIpAssignmentsByVm removes every assignment row for a VM outright.
// Used only to unwind a spawn pipeline rollback where the rows were never
// live (no external ARP/DNS resource survives them), so a tombstone would be
// misleading — spec.md §4.1.2 step 1/3 rollback.
func (s *Store) HardDeleteIpAssignmentsByVm(ctx context.Context, vmID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM vm_ip_assignments WHERE vm_id = $1`, vmID)
	if err != nil {
		return fmt.Errorf("hard-deleting vm ip assignments: %w", err)
	}
	return nil
}

func nilIfZeroUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
