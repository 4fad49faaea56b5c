package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/lnvpsd/pkg/model"
)

const paymentColumns = `id, vm_id, created_at, expires_at, amount, tax, currency, payment_method,
	payment_type, time_value_seconds, rate, external_data, external_id, upgrade_params, is_paid`

func scanPayment(row pgx.Row) (model.VmPayment, error) {
	var p model.VmPayment
	var upgradeParams []byte
	err := row.Scan(&p.ID, &p.VmID, &p.CreatedAt, &p.ExpiresAt, &p.Amount, &p.Tax, &p.Currency,
		&p.PaymentMethod, &p.PaymentType, &p.TimeValueSeconds, &p.Rate, &p.ExternalData,
		&p.ExternalID, &upgradeParams, &p.IsPaid)
	if err != nil {
		return model.VmPayment{}, err
	}
	if len(upgradeParams) > 0 {
		var u model.UpgradeConfig
		if err := json.Unmarshal(upgradeParams, &u); err != nil {
			return model.VmPayment{}, fmt.Errorf("decoding upgrade params: %w", err)
		}
		p.UpgradeParams = &u
	}
	return p, nil
}

// GetPayment returns a VmPayment by its id (payment-hash for Lightning,
// random 32 bytes for fiat).
func (s *Store) GetPayment(ctx context.Context, id []byte) (model.VmPayment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM vm_payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmPayment{}, ErrNotFound
	}
	if err != nil {
		return model.VmPayment{}, fmt.Errorf("getting payment: %w", err)
	}
	return p, nil
}

// GetPaymentByExternalID looks up a payment by the fiat processor's
// correlation id, used by the fiat webhook handler (spec.md §4.7).
func (s *Store) GetPaymentByExternalID(ctx context.Context, externalID string) (model.VmPayment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM vm_payments WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmPayment{}, ErrNotFound
	}
	if err != nil {
		return model.VmPayment{}, fmt.Errorf("getting payment by external id: %w", err)
	}
	return p, nil
}

// FindReusablePayment implements spec.md §4.4.4's idempotency rule: before
// minting a new payment, look for an unexpired, unsettled payment on the
// same vm, method, and type whose time_value_seconds matches.
func (s *Store) FindReusablePayment(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod, typ model.PaymentType, timeValueSeconds int64, now int64) (model.VmPayment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM vm_payments
		WHERE vm_id = $1 AND payment_method = $2 AND payment_type = $3
		  AND time_value_seconds = $4 AND NOT is_paid AND expires_at > $5
		ORDER BY created_at DESC LIMIT 1`,
		vmID, method, typ, timeValueSeconds, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmPayment{}, ErrNotFound
	}
	if err != nil {
		return model.VmPayment{}, fmt.Errorf("finding reusable payment: %w", err)
	}
	return p, nil
}

// CreatePayment inserts a new VmPayment.
func (s *Store) CreatePayment(ctx context.Context, p model.VmPayment) (model.VmPayment, error) {
	var upgradeParams []byte
	if p.UpgradeParams != nil {
		var err error
		upgradeParams, err = json.Marshal(p.UpgradeParams)
		if err != nil {
			return model.VmPayment{}, fmt.Errorf("encoding upgrade params: %w", err)
		}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO vm_payments (id, vm_id, created_at, expires_at, amount, tax, currency,
			payment_method, payment_type, time_value_seconds, rate, external_data, external_id,
			upgrade_params, is_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.VmID, p.CreatedAt, p.ExpiresAt, p.Amount, p.Tax, p.Currency,
		p.PaymentMethod, p.PaymentType, p.TimeValueSeconds, p.Rate, p.ExternalData, p.ExternalID,
		upgradeParams, p.IsPaid,
	)
	if err != nil {
		return model.VmPayment{}, fmt.Errorf("creating payment: %w", err)
	}
	return p, nil
}

// MarkPaidAndExtend atomically flips is_paid and, for a Renewal, pushes the
// Vm's expiry by time_value_seconds. Runs in its own transaction so the two
// writes commit together, spec.md §3's VmPayment settlement invariant and
// §5's "either both observe is_paid=true... or exactly one performs the
// time_value addition" idempotency guarantee.
//
// Returns ErrNotFound if the payment doesn't exist, and (false, nil) if it
// was already paid — the caller can treat that as a no-op success, since a
// concurrent settlement already applied the effect.
func MarkPaidAndExtend(ctx context.Context, pool *pgxpool.Pool, paymentID []byte) (applied bool, err error) {
	err = WithTx(ctx, pool, func(ctx context.Context, s *Store) error {
		var vmID uuid.UUID
		var paymentType model.PaymentType
		var timeValue int64
		var alreadyPaid bool
		err := s.db.QueryRow(ctx,
			`SELECT vm_id, payment_type, time_value_seconds, is_paid
			 FROM vm_payments WHERE id = $1 FOR UPDATE`, paymentID,
		).Scan(&vmID, &paymentType, &timeValue, &alreadyPaid)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking payment: %w", err)
		}
		if alreadyPaid {
			applied = false
			return nil
		}

		if _, err := s.db.Exec(ctx, `UPDATE vm_payments SET is_paid = true WHERE id = $1`, paymentID); err != nil {
			return fmt.Errorf("marking payment paid: %w", err)
		}

		if paymentType == model.PaymentTypeRenewal {
			if _, err := s.db.Exec(ctx,
				`UPDATE vms SET expires_at = expires_at + $2 WHERE id = $1`, vmID, timeValue); err != nil {
				return fmt.Errorf("extending vm expiry: %w", err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}

// LastPaidInvoice returns the most recently created paid Lightning payment,
// used to resume the invoice subscription from its settle_index cursor
// (spec.md §6). The cursor itself lives in Redis (see pkg/worker); this
// backs the cold-start fallback when no cursor is cached.
func (s *Store) LastPaidInvoice(ctx context.Context) (model.VmPayment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM vm_payments
		WHERE payment_method = $1 AND is_paid
		ORDER BY created_at DESC LIMIT 1`, model.PaymentMethodLightning))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VmPayment{}, ErrNotFound
	}
	if err != nil {
		return model.VmPayment{}, fmt.Errorf("getting last paid invoice: %w", err)
	}
	return p, nil
}
