package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/lnvpsd/pkg/model"
)

const vmColumns = `id, host_id, user_id, image_id, template_id, custom_template_id, ssh_key_id,
	disk_id, mac_address, created_at, expires_at, ref_code, deleted, auto_renewal`

func scanVm(row pgx.Row) (model.Vm, error) {
	var v model.Vm
	err := row.Scan(&v.ID, &v.HostID, &v.UserID, &v.ImageID, &v.TemplateID, &v.CustomTemplateID,
		&v.SSHKeyID, &v.DiskID, &v.MACAddress, &v.CreatedAt, &v.ExpiresAt, &v.RefCode,
		&v.Deleted, &v.AutoRenewal)
	return v, err
}

// GetVm returns a Vm by id, including soft-deleted rows (tombstones are
// retained for audit, spec.md §6).
func (s *Store) GetVm(ctx context.Context, id uuid.UUID) (model.Vm, error) {
	v, err := scanVm(s.db.QueryRow(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vm{}, ErrNotFound
	}
	if err != nil {
		return model.Vm{}, fmt.Errorf("getting vm: %w", err)
	}
	return v, nil
}

// CreateVm inserts a new Vm row with no resources yet allocated — the
// provisioning pipeline's entry point (spec.md §2 control flow).
func (s *Store) CreateVm(ctx context.Context, v model.Vm) (model.Vm, error) {
	err := s.db.QueryRow(ctx, `
		INSERT INTO vms (host_id, user_id, image_id, template_id, custom_template_id, ssh_key_id,
			disk_id, mac_address, created_at, expires_at, ref_code, deleted, auto_renewal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		v.HostID, v.UserID, v.ImageID, v.TemplateID, v.CustomTemplateID, v.SSHKeyID,
		v.DiskID, v.MACAddress, v.CreatedAt, v.ExpiresAt, v.RefCode, v.Deleted, v.AutoRenewal,
	).Scan(&v.ID)
	if err != nil {
		return model.Vm{}, fmt.Errorf("creating vm: %w", err)
	}
	return v, nil
}

// UpdateVmMAC sets a Vm's mac-address once minted (spec.md §4.3.2). The
// field must become a valid unicast MAC before create-on-host is invoked.
func (s *Store) UpdateVmMAC(ctx context.Context, id uuid.UUID, mac string) error {
	tag, err := s.db.Exec(ctx, `UPDATE vms SET mac_address = $2 WHERE id = $1`, id, mac)
	if err != nil {
		return fmt.Errorf("updating vm mac: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVmExpiry pushes a Vm's expiry, e.g. on Renewal settlement
// (spec.md §3 VmPayment invariant) or the worker's upgrade/renew paths.
func (s *Store) UpdateVmExpiry(ctx context.Context, id uuid.UUID, expiresAt int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE vms SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("updating vm expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyUpgrade swaps a Vm onto a new custom template, for an Upgrade
// payment's settlement (expiry unchanged, spec.md §3).
func (s *Store) ApplyUpgrade(ctx context.Context, id uuid.UUID, customTemplateID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE vms SET custom_template_id = $2, template_id = NULL WHERE id = $1`,
		id, customTemplateID)
	if err != nil {
		return fmt.Errorf("applying vm upgrade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteVm tombstones a Vm. Deleted=true is monotonic; a deleted VM is
// never reused (spec.md §3).
func (s *Store) SoftDeleteVm(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE vms SET deleted = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting vm: %w", err)
	}
	return nil
}

// ListVmsOnHost returns every non-deleted Vm scheduled on a host, for
// capacity accounting (spec.md §4.2).
func (s *Store) ListVmsOnHost(ctx context.Context, hostID uuid.UUID) ([]model.Vm, error) {
	rows, err := s.db.Query(ctx, `SELECT `+vmColumns+` FROM vms WHERE host_id = $1 AND NOT deleted`, hostID)
	if err != nil {
		return nil, fmt.Errorf("listing vms on host: %w", err)
	}
	defer rows.Close()

	var vms []model.Vm
	for rows.Next() {
		v, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vm: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// ListAllVms returns every non-deleted Vm, for the worker's CheckVms sweep
// (spec.md §4.6 "List all VMs. Bucket by host.").
func (s *Store) ListAllVms(ctx context.Context) ([]model.Vm, error) {
	rows, err := s.db.Query(ctx, `SELECT `+vmColumns+` FROM vms WHERE NOT deleted`)
	if err != nil {
		return nil, fmt.Errorf("listing all vms: %w", err)
	}
	defer rows.Close()

	var vms []model.Vm
	for rows.Next() {
		v, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vm: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// ListUnpaidVmsOlderThan returns non-deleted, never-paid Vms (created-at
// == expires-at) created before cutoff — the worker's CheckVms
// "unpaid-new, older than 24h" delete candidates (spec.md §4.6).
func (s *Store) ListUnpaidVmsOlderThan(ctx context.Context, cutoff int64) ([]model.Vm, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+vmColumns+` FROM vms WHERE NOT deleted AND created_at = expires_at AND created_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing unpaid vms: %w", err)
	}
	defer rows.Close()

	var vms []model.Vm
	for rows.Next() {
		v, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vm: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// ListUserVms returns every non-deleted Vm owned by a user.
func (s *Store) ListUserVms(ctx context.Context, userID uuid.UUID) ([]model.Vm, error) {
	rows, err := s.db.Query(ctx, `SELECT `+vmColumns+` FROM vms WHERE user_id = $1 AND NOT deleted`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing user vms: %w", err)
	}
	defer rows.Close()

	var vms []model.Vm
	for rows.Next() {
		v, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vm: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}

// ListExpiredVms returns non-deleted Vms whose expires_at (plus grace) has
// passed as of now — the worker's delete-pipeline candidates (spec.md §4.6).
func (s *Store) ListExpiredVms(ctx context.Context, now int64, graceSeconds int64) ([]model.Vm, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+vmColumns+` FROM vms WHERE NOT deleted AND expires_at + $2 < $1`,
		now, graceSeconds)
	if err != nil {
		return nil, fmt.Errorf("listing expired vms: %w", err)
	}
	defer rows.Close()

	var vms []model.Vm
	for rows.Next() {
		v, err := scanVm(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning vm: %w", err)
		}
		vms = append(vms, v)
	}
	return vms, rows.Err()
}
