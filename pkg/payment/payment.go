// Package payment is the Payment State Machine of spec.md §4.5: mints
// Lightning invoices or fiat orders for a renewal/upgrade quote, and
// settles them on confirmation from either ingress path (Lightning invoice
// subscription or fiat webhook). Grounded on original_source's
// payments/invoice.rs NodeInvoiceHandler and
// provisioner/lnvps.rs's price_to_payment_with_type.
package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/internal/validate"
	"github.com/wisbric/lnvpsd/pkg/fiat"
	"github.com/wisbric/lnvpsd/pkg/lightning"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/opretry"
	"github.com/wisbric/lnvpsd/pkg/pricing"
	"github.com/wisbric/lnvpsd/pkg/vmhistory"
)

const (
	lightningInvoiceExpirySeconds = 600
	fiatOrderExpirySeconds        = 3600
)

// Store is the persistence subset the payment engine needs.
type Store interface {
	CreatePayment(ctx context.Context, p model.VmPayment) (model.VmPayment, error)
	GetPayment(ctx context.Context, id []byte) (model.VmPayment, error)
	GetPaymentByExternalID(ctx context.Context, externalID string) (model.VmPayment, error)
}

// Settler atomically flips a VmPayment to paid and, for a Renewal, pushes
// the Vm's expiry — store.MarkPaidAndExtend needs a *pgxpool.Pool (its
// mark+push must commit together), so this interface lets callers wire the
// pool in one place (pkg/worker) while keeping this package pool-free and
// mockable.
type Settler interface {
	MarkPaidAndExtend(ctx context.Context, paymentID []byte) (applied bool, err error)
}

// PricingEngine is the subset of *pricing.Engine the payment engine calls.
type PricingEngine interface {
	RenewalQuote(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod) (pricing.Quote, error)
	UpgradeQuote(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig, method model.PaymentMethod) (pricing.UpgradeQuote, error)
	ApplyUpgradeConfig(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig) error
}

// JobEnqueuer is the background worker's job queue, spec.md §4.5.2 step 5
// "Enqueues WorkJob::CheckVm{vm_id}".
type JobEnqueuer interface {
	EnqueueCheckVm(ctx context.Context, vmID uuid.UUID) error
}

// Engine is the Payment State Machine.
type Engine struct {
	Store     Store
	Settler   Settler
	Pricing   PricingEngine
	Lightning lightning.LightningNode
	Fiat      fiat.FiatGateway
	History   *vmhistory.Writer
	Jobs      JobEnqueuer

	// LightningExpirySeconds/FiatExpirySeconds override the package
	// defaults (config.go's LIGHTNING_INVOICE_EXPIRY_SECONDS /
	// FIAT_INVOICE_EXPIRY_SECONDS); zero means use the default.
	LightningExpirySeconds int64
	FiatExpirySeconds      int64
}

func (e *Engine) lightningExpiry() int64 {
	if e.LightningExpirySeconds != 0 {
		return e.LightningExpirySeconds
	}
	return lightningInvoiceExpirySeconds
}

func (e *Engine) fiatExpiry() int64 {
	if e.FiatExpirySeconds != 0 {
		return e.FiatExpirySeconds
	}
	return fiatOrderExpirySeconds
}

// CreateRenewalPayment mints (or reuses) the VmPayment for a renewal of vm,
// spec.md §4.5.1. The Store insert happens before this returns, so a
// settlement racing the response still finds its row — spec.md §4.5.1
// "Insertion must precede returning the invoice to the user".
func (e *Engine) CreateRenewalPayment(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod) (model.VmPayment, error) {
	q, err := e.Pricing.RenewalQuote(ctx, vmID, method)
	if err != nil {
		return model.VmPayment{}, err
	}
	if q.Reused != nil {
		return *q.Reused, nil
	}
	memo := fmt.Sprintf("VM renewal %s", vmID)
	return e.mintAndSave(ctx, vmID, method, model.PaymentTypeRenewal, q.Amount, q.Tax, q.Currency, q.Rate, q.TimeValueSeconds, nil, memo)
}

// CreateUpgradePayment mints the VmPayment for an in-place resource
// upgrade, spec.md §4.4.7/§4.5.1. The upgrade is only applied on
// settlement (spec.md §4.5.2 step 3), so the Vm's template is untouched
// until then — the quoted cfg is carried on the payment row as
// upgrade-params to be replayed at settlement time.
func (e *Engine) CreateUpgradePayment(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig, method model.PaymentMethod) (model.VmPayment, error) {
	q, err := e.Pricing.UpgradeQuote(ctx, vmID, cfg, method)
	if err != nil {
		return model.VmPayment{}, err
	}
	memo := fmt.Sprintf("VM upgrade %s", vmID)
	// Expiry is unchanged on an Upgrade settlement (spec.md §3), so
	// time-value-seconds carries no meaning here and is stored as 0.
	return e.mintAndSave(ctx, vmID, method, model.PaymentTypeUpgrade, q.Upgrade.Amount, q.Upgrade.Tax, q.Upgrade.Currency, q.Upgrade.Rate, 0, &cfg, memo)
}

func (e *Engine) mintAndSave(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod, typ model.PaymentType,
	amount, tax int64, currency string, rate *float64, timeValueSeconds int64, upgradeParams *model.UpgradeConfig, memo string,
) (model.VmPayment, error) {
	now := time.Now().Unix()
	p := model.VmPayment{
		VmID: vmID, CreatedAt: now, Amount: amount, Tax: tax, Currency: currency,
		PaymentMethod: method, PaymentType: typ, TimeValueSeconds: timeValueSeconds,
		Rate: rate, UpgradeParams: upgradeParams,
	}

	switch method {
	case model.PaymentMethodLightning:
		if currency != "BTC" {
			return model.VmPayment{}, opretry.Fatalf("cannot create a lightning invoice for non-BTC currency %s", currency)
		}
		if e.Lightning == nil {
			return model.VmPayment{}, opretry.Fatalf("lightning node not configured")
		}
		inv, err := e.Lightning.AddInvoice(ctx, lightning.AddInvoiceRequest{
			AmountMsat: uint64(amount + tax), Memo: memo, ExpirySecs: uint32(e.lightningExpiry()),
		})
		if err != nil {
			return model.VmPayment{}, err
		}
		p.ID = inv.PaymentHash
		p.ExpiresAt = now + e.lightningExpiry()
		p.ExternalData = inv.Bolt11
		if inv.ExternalID != "" {
			p.ExternalID = &inv.ExternalID
		}
	case model.PaymentMethodRevolut:
		if currency == "BTC" {
			return model.VmPayment{}, opretry.Fatalf("cannot create a revolut order for BTC currency")
		}
		if e.Fiat == nil {
			return model.VmPayment{}, opretry.Fatalf("fiat gateway not configured")
		}
		order, err := e.Fiat.CreateOrder(ctx, memo, uint64(amount+tax), currency)
		if err != nil {
			return model.VmPayment{}, err
		}
		id := make([]byte, 32)
		if _, err := rand.Read(id); err != nil {
			return model.VmPayment{}, opretry.WrapFatal(fmt.Errorf("generating payment id: %w", err))
		}
		p.ID = id
		p.ExpiresAt = now + e.fiatExpiry()
		p.ExternalData = order.RawData
		p.ExternalID = &order.ExternalID
	default:
		return model.VmPayment{}, opretry.Fatalf("unsupported payment method %s", method)
	}

	return e.Store.CreatePayment(ctx, p)
}

// SettleByID handles the Lightning invoice subscription ingress path,
// spec.md §4.5.2 path 1.
func (e *Engine) SettleByID(ctx context.Context, paymentHash []byte) error {
	p, err := e.Store.GetPayment(ctx, paymentHash)
	if err != nil {
		return fmt.Errorf("looking up payment: %w", err)
	}
	return e.settle(ctx, p)
}

// SettleByExternalID handles the fiat webhook ingress path, spec.md §4.5.2
// path 2.
func (e *Engine) SettleByExternalID(ctx context.Context, externalID string) error {
	p, err := e.Store.GetPaymentByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("looking up payment by external id: %w", err)
	}
	return e.settle(ctx, p)
}

// settle runs spec.md §4.5.2's handler. Idempotency is enforced twice:
// once here (a cheap read-side skip) and once inside e.Settler's own
// FOR-UPDATE-guarded transaction, which is the actual once-only guarantee
// — two concurrent callers racing past this first check still only have
// one of them observe applied=true.
func (e *Engine) settle(ctx context.Context, p model.VmPayment) error {
	if p.IsPaid {
		return nil
	}

	applied, err := e.Settler.MarkPaidAndExtend(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("marking payment paid: %w", err)
	}
	if !applied {
		return nil
	}

	idHex := hex.EncodeToString(p.ID)

	if p.PaymentType == model.PaymentTypeUpgrade && p.UpgradeParams != nil {
		if err := e.Pricing.ApplyUpgradeConfig(ctx, p.VmID, *p.UpgradeParams); err != nil {
			e.logHistory(p.VmID, "upgrade_apply_failed", map[string]any{"payment_id": idHex, "error": err.Error()})
			return fmt.Errorf("applying upgrade: %w", err)
		}
		e.logHistory(p.VmID, "upgraded", map[string]any{"payment_id": idHex})
	} else {
		e.logHistory(p.VmID, "renewed", map[string]any{"payment_id": idHex, "time_value_seconds": p.TimeValueSeconds})
	}
	e.logHistory(p.VmID, "payment_received", map[string]any{
		"payment_id": idHex, "amount": p.Amount, "currency": p.Currency, "method": p.PaymentMethod,
	})

	if e.Jobs != nil {
		if err := e.Jobs.EnqueueCheckVm(ctx, p.VmID); err != nil {
			e.logHistory(p.VmID, "enqueue_check_vm_failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// fiatWebhookPayload is the subset of a Revolut order-event webhook body
// this handler needs. Field names follow Revolut's documented webhook
// schema; RevolutWebhookEvent's ORDER_COMPLETED is the only event this
// system settles on — ORDER_AUTHORISED/ORDER_CANCELLED are ignored.
type fiatWebhookPayload struct {
	Event   string `json:"event" validate:"required"`
	OrderID string `json:"order_id" validate:"required"`
}

const revolutEventOrderCompleted = "ORDER_COMPLETED"

// HandleFiatWebhook verifies and settles a fiat processor's webhook
// delivery, spec.md §5 "the handler MUST verify before acting".
func (e *Engine) HandleFiatWebhook(ctx context.Context, body []byte, signatureHeader string) error {
	if e.Fiat == nil {
		return opretry.Fatalf("fiat gateway not configured")
	}
	if !e.Fiat.VerifyWebhook(body, signatureHeader) {
		return opretry.Fatalf("invalid fiat webhook signature")
	}
	var payload fiatWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return opretry.WrapFatal(fmt.Errorf("decoding fiat webhook: %w", err))
	}
	if err := validate.Struct(payload); err != nil {
		return opretry.WrapFatal(fmt.Errorf("invalid fiat webhook payload: %w", err))
	}
	if payload.Event != revolutEventOrderCompleted {
		return nil
	}
	return e.SettleByExternalID(ctx, payload.OrderID)
}

func (e *Engine) logHistory(vmID uuid.UUID, action string, detail map[string]any) {
	if e.History == nil {
		return
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return
	}
	e.History.Log(vmhistory.Entry{VmID: vmID, Action: action, Detail: b})
}
