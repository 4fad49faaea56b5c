// Package pricing is the Pricing Engine of spec.md §4.4: computes renewal,
// cost-by-amount, and upgrade quotes, converting a list-currency cost to a
// payment-method currency and applying per-country tax.
package pricing

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/internal/validate"
	"github.com/wisbric/lnvpsd/pkg/exchangerates"
	"github.com/wisbric/lnvpsd/pkg/model"
)

const oneMonthSeconds = 30 * 86400

// Store is the persistence subset the pricing engine needs.
type Store interface {
	GetVm(ctx context.Context, id uuid.UUID) (model.Vm, error)
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetHost(ctx context.Context, id uuid.UUID) (model.Host, error)
	GetVmTemplate(ctx context.Context, id uuid.UUID) (model.VmTemplate, error)
	GetCostPlan(ctx context.Context, id uuid.UUID) (model.CostPlan, error)
	GetVmCustomTemplate(ctx context.Context, id uuid.UUID) (model.VmCustomTemplate, error)
	CreateVmCustomTemplate(ctx context.Context, t model.VmCustomTemplate) (model.VmCustomTemplate, error)
	GetCustomPricing(ctx context.Context, id uuid.UUID) (model.CustomPricing, error)
	ListCustomPricingsByRegion(ctx context.Context, regionID uuid.UUID) ([]model.CustomPricing, error)
	ListIpAssignmentsForVm(ctx context.Context, vmID uuid.UUID) ([]model.VmIpAssignment, error)
	FindReusablePayment(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod, typ model.PaymentType, timeValueSeconds int64, now int64) (model.VmPayment, error)
	ApplyUpgrade(ctx context.Context, id uuid.UUID, customTemplateID uuid.UUID) error
}

// Engine computes quotes, grounded on
// original_source/lnvps_api_common/src/pricing.rs's PricingEngine.
type Engine struct {
	Store    Store
	Rates    exchangerates.ExchangeRates
	TaxRates map[string]float64 // country code -> percent, config.Config.TaxRates()
}

// Quote is a priced, payment-currency-converted amount ready to mint an
// invoice for, or a reference to an existing unsettled payment to reuse.
type Quote struct {
	Amount           int64
	Currency         string
	Tax              int64
	TimeValueSeconds int64
	Rate             *float64
	Reused           *model.VmPayment
}

// baseCost is a renewal cost still in its list currency, before
// conversion to a payment method.
type baseCost struct {
	amount           int64
	currency         string
	timeValueSeconds int64
}

// RenewalQuote implements spec.md §4.4.1/§4.4.2/§4.4.4: the cost of one
// renewal interval, in the method's currency, reusing an existing
// unsettled payment if one already matches (idempotency).
func (e *Engine) RenewalQuote(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod) (Quote, error) {
	vm, err := e.Store.GetVm(ctx, vmID)
	if err != nil {
		return Quote{}, fmt.Errorf("loading vm: %w", err)
	}

	base, err := e.vmBaseCost(ctx, vm)
	if err != nil {
		return Quote{}, err
	}

	if existing, err := e.Store.FindReusablePayment(ctx, vmID, method, model.PaymentTypeRenewal, base.timeValueSeconds, time.Now().Unix()); err == nil {
		return Quote{
			Amount: existing.Amount, Currency: existing.Currency, Tax: existing.Tax,
			TimeValueSeconds: existing.TimeValueSeconds, Rate: existing.Rate, Reused: &existing,
		}, nil
	}

	return e.quoteFromBaseCost(ctx, vm, base, method)
}

func (e *Engine) quoteFromBaseCost(ctx context.Context, vm model.Vm, base baseCost, method model.PaymentMethod) (Quote, error) {
	amount, currency, rate, err := e.convertForPayment(ctx, base.amount, base.currency, method)
	if err != nil {
		return Quote{}, err
	}
	tax, err := e.taxFor(ctx, vm.UserID, amount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Amount: amount, Currency: currency, Tax: tax, TimeValueSeconds: base.timeValueSeconds, Rate: rate}, nil
}

// vmBaseCost resolves a Vm's renewal cost via its standard or custom
// template, spec.md §4.4.1/§4.4.2.
func (e *Engine) vmBaseCost(ctx context.Context, vm model.Vm) (baseCost, error) {
	if vm.TemplateID != nil {
		return e.standardTemplateCost(ctx, *vm.TemplateID)
	}
	if vm.CustomTemplateID != nil {
		return e.customTemplateCost(ctx, vm.ID, *vm.CustomTemplateID)
	}
	return baseCost{}, fmt.Errorf("vm %s has neither template nor custom template", vm.ID)
}

func (e *Engine) standardTemplateCost(ctx context.Context, templateID uuid.UUID) (baseCost, error) {
	t, err := e.Store.GetVmTemplate(ctx, templateID)
	if err != nil {
		return baseCost{}, fmt.Errorf("loading vm template: %w", err)
	}
	plan, err := e.Store.GetCostPlan(ctx, t.CostPlanID)
	if err != nil {
		return baseCost{}, fmt.Errorf("loading cost plan: %w", err)
	}
	return baseCost{amount: plan.Amount, currency: plan.Currency, timeValueSeconds: plan.IntervalSeconds()}, nil
}

// customTemplateCost implements spec.md §4.4.2's a-la-carte formula:
// cpu_cost + memory_cost + disk_cost + ipv4_cost + ipv6_cost, each scaled
// per-unit, with IP counts floored at 1. Custom templates always renew on
// a one-month interval.
func (e *Engine) customTemplateCost(ctx context.Context, vmID uuid.UUID, templateID uuid.UUID) (baseCost, error) {
	t, err := e.Store.GetVmCustomTemplate(ctx, templateID)
	if err != nil {
		return baseCost{}, fmt.Errorf("loading custom template: %w", err)
	}
	amount, currency, err := e.customTemplateAmount(ctx, vmID, t)
	if err != nil {
		return baseCost{}, err
	}
	return baseCost{amount: amount, currency: currency, timeValueSeconds: oneMonthSeconds}, nil
}

func (e *Engine) customTemplateAmount(ctx context.Context, vmID uuid.UUID, t model.VmCustomTemplate) (int64, string, error) {
	pricing, err := e.Store.GetCustomPricing(ctx, t.PricingID)
	if err != nil {
		return 0, "", fmt.Errorf("loading custom pricing: %w", err)
	}

	n4, n6, err := e.ipCounts(ctx, vmID)
	if err != nil {
		return 0, "", err
	}

	const gib = 1 << 30
	var diskCostPerGB int64
	found := false
	for _, d := range pricing.Disks {
		if d.Kind == t.DiskKind {
			diskCostPerGB = d.CostPerGB
			found = true
			break
		}
	}
	if !found {
		return 0, "", fmt.Errorf("no custom pricing disk rate for kind %s", t.DiskKind)
	}

	cpuCost := pricing.PerCPUCost * int64(t.CPU)
	memoryCost := pricing.PerGBMemory * (t.MemoryBytes / gib)
	diskCost := diskCostPerGB * (t.DiskSizeBytes / gib)
	ipv4Cost := pricing.PerIPv4Cost * int64(n4)
	ipv6Cost := pricing.PerIPv6Cost * int64(n6)

	return cpuCost + memoryCost + diskCost + ipv4Cost + ipv6Cost, pricing.Currency, nil
}

// ipCounts returns the count of IPv4/IPv6 assignments for a Vm, each
// floored at 1, spec.md §4.4.2.
func (e *Engine) ipCounts(ctx context.Context, vmID uuid.UUID) (n4, n6 int, err error) {
	assignments, err := e.Store.ListIpAssignmentsForVm(ctx, vmID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing ip assignments: %w", err)
	}
	for _, a := range assignments {
		if a.Deleted {
			continue
		}
		ip := net.ParseIP(a.IP)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			n4++
		} else {
			n6++
		}
	}
	if n4 < 1 {
		n4 = 1
	}
	if n6 < 1 {
		n6 = 1
	}
	return n4, n6, nil
}

// taxFor implements spec.md §4.4.3: floor(amount * rate/100) if the
// user's country maps to a configured rate, else 0.
func (e *Engine) taxFor(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	u, err := e.Store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("loading user: %w", err)
	}
	rate, ok := e.TaxRates[u.CountryCode]
	if !ok {
		return 0, nil
	}
	return int64(float64(amount) * rate / 100), nil
}

// convertForPayment implements spec.md §4.4.5: Lightning always settles in
// BTC msat, converting from the list currency via Ticker(BTC, fiat) when it
// isn't already BTC; a fiat gateway settles in the list currency directly.
func (e *Engine) convertForPayment(ctx context.Context, amount int64, listCurrency string, method model.PaymentMethod) (int64, string, *float64, error) {
	if method != model.PaymentMethodLightning || listCurrency == string(exchangerates.BTC) {
		return amount, listCurrency, nil, nil
	}

	ticker := exchangerates.Ticker{From: exchangerates.BTC, To: exchangerates.Currency(listCurrency)}
	fiatPerBTC, ok := e.Rates.GetRate(ctx, ticker)
	if !ok || fiatPerBTC == 0 {
		return 0, "", nil, fmt.Errorf("no exchange rate for %s", ticker)
	}

	msat := exchangerates.Convert(uint64(amount), exchangerates.Currency(listCurrency), exchangerates.BTC, 1/fiatPerBTC)
	return int64(msat), string(exchangerates.BTC), &fiatPerBTC, nil
}

// CostByAmount implements spec.md §4.4.6: given an arbitrary amount paid
// in the method's currency, compute the implied renewal time.
func (e *Engine) CostByAmount(ctx context.Context, vmID uuid.UUID, paidAmount int64, paidCurrency string, method model.PaymentMethod) (Quote, error) {
	vm, err := e.Store.GetVm(ctx, vmID)
	if err != nil {
		return Quote{}, fmt.Errorf("loading vm: %w", err)
	}
	base, err := e.vmBaseCost(ctx, vm)
	if err != nil {
		return Quote{}, err
	}

	convertedAmount, currency, rate, err := e.convertForPayment(ctx, base.amount, base.currency, method)
	if err != nil {
		return Quote{}, err
	}
	if currency != paidCurrency {
		return Quote{}, fmt.Errorf("paid currency %s does not match expected %s", paidCurrency, currency)
	}

	scale := float64(paidAmount) / float64(convertedAmount)
	newTime := int64(float64(base.timeValueSeconds) * scale)
	if newTime < 1 {
		return Quote{}, fmt.Errorf("extend time is less than 1 second")
	}

	tax, err := e.taxFor(ctx, vm.UserID, paidAmount)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Amount: paidAmount, Currency: paidCurrency, Tax: tax, TimeValueSeconds: newTime, Rate: rate}, nil
}

// UpgradeQuote is the three-part result of spec.md §4.4.7.
type UpgradeQuote struct {
	Upgrade  Quote
	Renewal  Quote
	Discount Quote
	Template model.VmCustomTemplate // not yet persisted; id is zero
}

// UpgradeQuote implements spec.md §4.4.7: prices an in-place resource
// upgrade as (new cost for remaining time) − (discount for remaining time
// at the old rate), alongside the new template's full renewal cost.
func (e *Engine) UpgradeQuote(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig, method model.PaymentMethod) (UpgradeQuote, error) {
	if err := validate.Struct(cfg); err != nil {
		return UpgradeQuote{}, fmt.Errorf("invalid upgrade config: %w", err)
	}

	vm, err := e.Store.GetVm(ctx, vmID)
	if err != nil {
		return UpgradeQuote{}, fmt.Errorf("loading vm: %w", err)
	}
	if vm.Deleted {
		return UpgradeQuote{}, fmt.Errorf("cannot upgrade a deleted vm")
	}

	now := time.Now().Unix()
	secondsRemaining := vm.ExpiresAt - now
	if secondsRemaining <= 0 {
		return UpgradeQuote{}, fmt.Errorf("cannot upgrade an expired vm")
	}

	oldBase, err := e.vmBaseCost(ctx, vm)
	if err != nil {
		return UpgradeQuote{}, err
	}

	newTemplate, err := e.synthesizeUpgradeTemplate(ctx, vm, cfg)
	if err != nil {
		return UpgradeQuote{}, err
	}
	newAmount, newCurrency, err := e.customTemplateAmount(ctx, vmID, newTemplate)
	if err != nil {
		return UpgradeQuote{}, err
	}

	oldCostPerSecond := float64(oldBase.amount) / float64(oldBase.timeValueSeconds)
	newCostPerSecond := float64(newAmount) / float64(oneMonthSeconds)

	discountAmount := int64(oldCostPerSecond * float64(secondsRemaining))
	newChargeAmount := int64(newCostPerSecond * float64(secondsRemaining))
	upgradeAmount := newChargeAmount - discountAmount

	if oldBase.currency == newCurrency {
		upgradeQ, err := e.quoteFromBaseCost(ctx, vm, baseCost{amount: upgradeAmount, currency: newCurrency, timeValueSeconds: secondsRemaining}, method)
		if err != nil {
			return UpgradeQuote{}, err
		}
		discountQ, err := e.quoteFromBaseCost(ctx, vm, baseCost{amount: discountAmount, currency: newCurrency, timeValueSeconds: secondsRemaining}, method)
		if err != nil {
			return UpgradeQuote{}, err
		}
		renewalQ, err := e.quoteFromBaseCost(ctx, vm, baseCost{amount: newAmount, currency: newCurrency, timeValueSeconds: oneMonthSeconds}, method)
		if err != nil {
			return UpgradeQuote{}, err
		}
		return UpgradeQuote{Upgrade: upgradeQ, Renewal: renewalQ, Discount: discountQ, Template: newTemplate}, nil
	}

	return UpgradeQuote{}, fmt.Errorf("upgrade pricing currency mismatch: old %s new %s", oldBase.currency, newCurrency)
}

// synthesizeUpgradeTemplate builds (but does not persist) the
// VmCustomTemplate an upgrade would apply, per spec.md §4.4.7: new specs
// default to the VM's current ones, disk kind/interface carried over, and
// rejects any downgrade.
func (e *Engine) synthesizeUpgradeTemplate(ctx context.Context, vm model.Vm, cfg model.UpgradeConfig) (model.VmCustomTemplate, error) {
	var cpu int
	var memoryBytes, diskSizeBytes int64
	var diskKind model.DiskKind
	var diskInterface model.DiskInterface
	var regionID uuid.UUID

	if vm.TemplateID != nil {
		t, err := e.Store.GetVmTemplate(ctx, *vm.TemplateID)
		if err != nil {
			return model.VmCustomTemplate{}, fmt.Errorf("loading vm template: %w", err)
		}
		cpu, memoryBytes, diskSizeBytes = t.CPU, t.MemoryBytes, t.DiskSizeBytes
		diskKind, diskInterface, regionID = t.DiskKind, t.DiskInterface, t.RegionID
	} else if vm.CustomTemplateID != nil {
		t, err := e.Store.GetVmCustomTemplate(ctx, *vm.CustomTemplateID)
		if err != nil {
			return model.VmCustomTemplate{}, fmt.Errorf("loading custom template: %w", err)
		}
		cpu, memoryBytes, diskSizeBytes = t.CPU, t.MemoryBytes, t.DiskSizeBytes
		diskKind, diskInterface = t.DiskKind, t.DiskInterface
		host, err := e.Store.GetHost(ctx, vm.HostID)
		if err != nil {
			return model.VmCustomTemplate{}, fmt.Errorf("loading host: %w", err)
		}
		regionID = host.RegionID
	} else {
		return model.VmCustomTemplate{}, fmt.Errorf("vm must have either a standard or custom template to upgrade")
	}

	newCPU := cpu
	if cfg.CPU != nil {
		newCPU = *cfg.CPU
	}
	newMemory := memoryBytes
	if cfg.MemoryBytes != nil {
		newMemory = *cfg.MemoryBytes
	}
	newDisk := diskSizeBytes
	if cfg.DiskSizeBytes != nil {
		newDisk = *cfg.DiskSizeBytes
	}
	if newCPU < cpu || newMemory < memoryBytes || newDisk < diskSizeBytes {
		return model.VmCustomTemplate{}, fmt.Errorf("downgrade is not permitted")
	}

	pricing, err := e.findCustomPricing(ctx, regionID, diskKind, diskInterface)
	if err != nil {
		return model.VmCustomTemplate{}, err
	}

	return model.VmCustomTemplate{
		CPU: newCPU, MemoryBytes: newMemory, DiskSizeBytes: newDisk,
		DiskKind: diskKind, DiskInterface: diskInterface, PricingID: pricing.ID,
	}, nil
}

// findCustomPricing returns the first enabled CustomPricing in region
// supporting diskKind+diskInterface, spec.md §4.4.7.
func (e *Engine) findCustomPricing(ctx context.Context, regionID uuid.UUID, diskKind model.DiskKind, diskInterface model.DiskInterface) (model.CustomPricing, error) {
	pricings, err := e.Store.ListCustomPricingsByRegion(ctx, regionID)
	if err != nil {
		return model.CustomPricing{}, fmt.Errorf("listing custom pricings: %w", err)
	}
	for _, p := range pricings {
		for _, d := range p.Disks {
			if d.Kind == diskKind && d.Interface == diskInterface {
				return p, nil
			}
		}
	}
	return model.CustomPricing{}, fmt.Errorf("no custom pricing available for region supporting disk %s/%s", diskKind, diskInterface)
}

// ApplyUpgrade persists the upgrade quoted by UpgradeQuote: creates the
// VmCustomTemplate and points the Vm at it, clearing any standard
// template-id, spec.md §4.4.7's "applying an upgrade" step.
func (e *Engine) ApplyUpgrade(ctx context.Context, vmID uuid.UUID, template model.VmCustomTemplate) error {
	created, err := e.Store.CreateVmCustomTemplate(ctx, template)
	if err != nil {
		return fmt.Errorf("creating custom template: %w", err)
	}
	if err := e.Store.ApplyUpgrade(ctx, vmID, created.ID); err != nil {
		return fmt.Errorf("applying upgrade: %w", err)
	}
	return nil
}

// ApplyUpgradeConfig re-synthesizes the template an UpgradeConfig describes
// and applies it, used by pkg/payment on settlement of an Upgrade payment
// (spec.md §4.5.2 step 3) — the payment row only carries the raw
// UpgradeConfig, not the resolved VmCustomTemplate UpgradeQuote built at
// quote time.
func (e *Engine) ApplyUpgradeConfig(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig) error {
	vm, err := e.Store.GetVm(ctx, vmID)
	if err != nil {
		return fmt.Errorf("loading vm: %w", err)
	}
	template, err := e.synthesizeUpgradeTemplate(ctx, vm, cfg)
	if err != nil {
		return err
	}
	return e.ApplyUpgrade(ctx, vmID, template)
}
