package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// GetRegion returns a Region by id.
func (s *Store) GetRegion(ctx context.Context, id uuid.UUID) (model.Region, error) {
	var r model.Region
	err := s.db.QueryRow(ctx, `SELECT id, name FROM regions WHERE id = $1`, id).
		Scan(&r.ID, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Region{}, ErrNotFound
	}
	if err != nil {
		return model.Region{}, fmt.Errorf("getting region: %w", err)
	}
	return r, nil
}

// ListRegions returns every region, for mode=migrate's per-region backfill
// sweep.
func (s *Store) ListRegions(ctx context.Context) ([]model.Region, error) {
	rows, err := s.db.Query(ctx, `SELECT id, name FROM regions`)
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}
	defer rows.Close()

	var regions []model.Region
	for rows.Next() {
		var r model.Region
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, fmt.Errorf("scanning region: %w", err)
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

const hostColumns = `id, region_id, kind, endpoint, credentials, cpu_cores, memory_bytes,
	load_cpu, load_memory, load_disk, vlan_tag, ssh_user, ssh_key`

func scanHost(row pgx.Row) (model.Host, error) {
	var h model.Host
	err := row.Scan(
		&h.ID, &h.RegionID, &h.Kind, &h.Endpoint, &h.Credentials,
		&h.CPUCores, &h.MemoryBytes,
		&h.LoadFactor.CPU, &h.LoadFactor.Memory, &h.LoadFactor.Disk,
		&h.VlanTag, &h.SSHUser, &h.SSHKey,
	)
	return h, err
}

// GetHost returns a Host by id.
func (s *Store) GetHost(ctx context.Context, id uuid.UUID) (model.Host, error) {
	h, err := scanHost(s.db.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Host{}, ErrNotFound
	}
	if err != nil {
		return model.Host{}, fmt.Errorf("getting host: %w", err)
	}
	return h, nil
}

// ListHostsByRegion returns every Host in a region, for capacity scheduling.
func (s *Store) ListHostsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.Host, error) {
	rows, err := s.db.Query(ctx, `SELECT `+hostColumns+` FROM hosts WHERE region_id = $1`, regionID)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// ListAllHosts returns every Host across every region, for the worker's
// PatchHosts sweep (spec.md §4.6 "For each host").
func (s *Store) ListAllHosts(ctx context.Context) ([]model.Host, error) {
	rows, err := s.db.Query(ctx, `SELECT `+hostColumns+` FROM hosts`)
	if err != nil {
		return nil, fmt.Errorf("listing all hosts: %w", err)
	}
	defer rows.Close()

	var hosts []model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// UpdateHostCapacity adjusts a Host's declared cpu/memory to observed
// truth. Mutated only by the reconcile worker, spec.md §3.
func (s *Store) UpdateHostCapacity(ctx context.Context, id uuid.UUID, cpuCores int, memoryBytes int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE hosts SET cpu_cores = $2, memory_bytes = $3 WHERE id = $1`,
		id, cpuCores, memoryBytes)
	if err != nil {
		return fmt.Errorf("updating host capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDisksByHost returns every enabled HostDisk belonging to a host.
func (s *Store) ListDisksByHost(ctx context.Context, hostID uuid.UUID) ([]model.HostDisk, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, host_id, name, size_bytes, kind, interface, enabled
		 FROM host_disks WHERE host_id = $1 AND enabled`, hostID)
	if err != nil {
		return nil, fmt.Errorf("listing disks: %w", err)
	}
	defer rows.Close()

	var disks []model.HostDisk
	for rows.Next() {
		var d model.HostDisk
		if err := rows.Scan(&d.ID, &d.HostID, &d.Name, &d.SizeBytes, &d.Kind, &d.Interface, &d.Enabled); err != nil {
			return nil, fmt.Errorf("scanning disk: %w", err)
		}
		disks = append(disks, d)
	}
	return disks, rows.Err()
}

// UpdateHostDiskSize corrects a HostDisk's declared size to observed
// truth, spec.md §4.6 PatchHosts "update HostDisk.size to observed values".
func (s *Store) UpdateHostDiskSize(ctx context.Context, id uuid.UUID, sizeBytes int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE host_disks SET size_bytes = $2 WHERE id = $1`, id, sizeBytes)
	if err != nil {
		return fmt.Errorf("updating host disk size: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DiskUsedBytes sums the size of every non-deleted VM disk allocation on
// this disk (spec.md §4.2 "per-disk used_bytes"). Disks are 1:1 with the
// VM that was scheduled onto them, so this is a count of live VMs whose
// disk_id matches, weighted by their template's disk size.
func (s *Store) DiskUsedBytes(ctx context.Context, diskID uuid.UUID) (int64, error) {
	var used int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			COALESCE(t.disk_size_bytes, ct.disk_size_bytes, 0)
		), 0)
		FROM vms v
		LEFT JOIN vm_templates t ON t.id = v.template_id
		LEFT JOIN vm_custom_templates ct ON ct.id = v.custom_template_id
		WHERE v.disk_id = $1 AND NOT v.deleted
	`, diskID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("summing disk usage: %w", err)
	}
	return used, nil
}
