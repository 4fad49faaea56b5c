package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/lnvpsd/pkg/model"
)

// GetCostPlan returns a CostPlan by id.
func (s *Store) GetCostPlan(ctx context.Context, id uuid.UUID) (model.CostPlan, error) {
	var p model.CostPlan
	err := s.db.QueryRow(ctx,
		`SELECT id, currency, amount, interval_kind, interval_count FROM cost_plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Currency, &p.Amount, &p.IntervalKind, &p.IntervalCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CostPlan{}, ErrNotFound
	}
	if err != nil {
		return model.CostPlan{}, fmt.Errorf("getting cost plan: %w", err)
	}
	return p, nil
}

// GetVmTemplate returns a standard VmTemplate by id.
func (s *Store) GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error) {
	var t model.VmTemplate
	err := s.db.QueryRow(ctx, `
		SELECT id, region_id, name, cpu, memory_bytes, disk_size_bytes, disk_kind,
		       disk_interface, cost_plan_id, enabled, expires_at
		FROM vm_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.RegionID, &t.Name, &t.CPU, &t.MemoryBytes, &t.DiskSizeBytes,
			&t.DiskKind, &t.DiskInterface, &t.CostPlanID, &t.Enabled, &t.Expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmTemplate{}, ErrNotFound
	}
	if err != nil {
		return model.VmTemplate{}, fmt.Errorf("getting vm template: %w", err)
	}
	return t, nil
}

// GetVmCustomTemplate returns a VmCustomTemplate by id.
func (s *Store) GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error) {
	var t model.VmCustomTemplate
	err := s.db.QueryRow(ctx, `
		SELECT id, cpu, memory_bytes, disk_size_bytes, disk_kind, disk_interface, pricing_id
		FROM vm_custom_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.CPU, &t.MemoryBytes, &t.DiskSizeBytes, &t.DiskKind, &t.DiskInterface, &t.PricingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmCustomTemplate{}, ErrNotFound
	}
	if err != nil {
		return model.VmCustomTemplate{}, fmt.Errorf("getting custom template: %w", err)
	}
	return t, nil
}

// CreateVmCustomTemplate inserts a new custom template, used when
// instantiating a custom-pricing VM or applying an upgrade.
func (s *Store) CreateVmCustomTemplate(ctx context.Context, t model.VmCustomTemplate) (model.VmCustomTemplate, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO vm_custom_templates (cpu, memory_bytes, disk_size_bytes, disk_kind, disk_interface, pricing_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		t.CPU, t.MemoryBytes, t.DiskSizeBytes, t.DiskKind, t.DiskInterface, t.PricingID,
	).Scan(&t.ID)
	if err != nil {
		return model.VmCustomTemplate{}, fmt.Errorf("creating custom template: %w", err)
	}
	return t, nil
}

// GetCustomPricing returns a CustomPricing profile with its per-disk rows.
func (s *Store) GetCustomPricing(ctx context.Context, id uuid.UUID) (model.CustomPricing, error) {
	var p model.CustomPricing
	err := s.db.QueryRow(ctx, `
		SELECT id, region_id, currency, per_cpu_cost, per_gb_memory, per_ipv4_cost, per_ipv6_cost,
		       min_cpu, max_cpu, min_memory_bytes, max_memory_bytes, enabled
		FROM custom_pricings WHERE id = $1`, id).
		Scan(&p.ID, &p.RegionID, &p.Currency, &p.PerCPUCost, &p.PerGBMemory, &p.PerIPv4Cost, &p.PerIPv6Cost,
			&p.MinCPU, &p.MaxCPU, &p.MinMemoryBytes, &p.MaxMemoryBytes, &p.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.CustomPricing{}, ErrNotFound
	}
	if err != nil {
		return model.CustomPricing{}, fmt.Errorf("getting custom pricing: %w", err)
	}

	disks, err := s.ListCustomPricingDisks(ctx, id)
	if err != nil {
		return model.CustomPricing{}, err
	}
	p.Disks = disks
	return p, nil
}

// ListCustomPricingsByRegion returns every enabled CustomPricing profile for
// a region, with its per-disk rows, used to find a profile supporting a
// given disk kind+interface when synthesizing an upgrade template
// (spec.md §4.4.7).
func (s *Store) ListCustomPricingsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.CustomPricing, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, region_id, currency, per_cpu_cost, per_gb_memory, per_ipv4_cost, per_ipv6_cost,
		       min_cpu, max_cpu, min_memory_bytes, max_memory_bytes, enabled
		FROM custom_pricings WHERE region_id = $1 AND enabled`, regionID)
	if err != nil {
		return nil, fmt.Errorf("listing custom pricings: %w", err)
	}
	defer rows.Close()

	var pricings []model.CustomPricing
	for rows.Next() {
		var p model.CustomPricing
		if err := rows.Scan(&p.ID, &p.RegionID, &p.Currency, &p.PerCPUCost, &p.PerGBMemory,
			&p.PerIPv4Cost, &p.PerIPv6Cost, &p.MinCPU, &p.MaxCPU, &p.MinMemoryBytes,
			&p.MaxMemoryBytes, &p.Enabled); err != nil {
			return nil, fmt.Errorf("scanning custom pricing: %w", err)
		}
		pricings = append(pricings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range pricings {
		disks, err := s.ListCustomPricingDisks(ctx, pricings[i].ID)
		if err != nil {
			return nil, err
		}
		pricings[i].Disks = disks
	}
	return pricings, nil
}

// ListCustomPricingDisks returns the per disk-kind × interface rows for a
// CustomPricing profile.
func (s *Store) ListCustomPricingDisks(ctx context.Context, pricingID uuid.UUID) ([]model.CustomPricingDisk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, pricing_id, kind, interface, cost_per_gb, min_size_bytes, max_size_bytes
		FROM custom_pricing_disks WHERE pricing_id = $1`, pricingID)
	if err != nil {
		return nil, fmt.Errorf("listing custom pricing disks: %w", err)
	}
	defer rows.Close()

	var disks []model.CustomPricingDisk
	for rows.Next() {
		var d model.CustomPricingDisk
		if err := rows.Scan(&d.ID, &d.PricingID, &d.Kind, &d.Interface, &d.CostPerGB, &d.MinSizeBytes, &d.MaxSizeBytes); err != nil {
			return nil, fmt.Errorf("scanning custom pricing disk: %w", err)
		}
		disks = append(disks, d)
	}
	return disks, rows.Err()
}
