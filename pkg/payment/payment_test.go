package payment

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/lnvpsd/pkg/fiat"
	"github.com/wisbric/lnvpsd/pkg/lightning"
	"github.com/wisbric/lnvpsd/pkg/model"
	"github.com/wisbric/lnvpsd/pkg/pricing"
)

type fakeStore struct {
	created      []model.VmPayment
	byID         map[string]model.VmPayment
	byExternalID map[string]model.VmPayment
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]model.VmPayment{}, byExternalID: map[string]model.VmPayment{}}
}

func (f *fakeStore) CreatePayment(ctx context.Context, p model.VmPayment) (model.VmPayment, error) {
	f.created = append(f.created, p)
	f.byID[string(p.ID)] = p
	if p.ExternalID != nil {
		f.byExternalID[*p.ExternalID] = p
	}
	return p, nil
}

func (f *fakeStore) GetPayment(ctx context.Context, id []byte) (model.VmPayment, error) {
	p, ok := f.byID[string(id)]
	if !ok {
		return model.VmPayment{}, fmt.Errorf("payment not found")
	}
	return p, nil
}

func (f *fakeStore) GetPaymentByExternalID(ctx context.Context, externalID string) (model.VmPayment, error) {
	p, ok := f.byExternalID[externalID]
	if !ok {
		return model.VmPayment{}, fmt.Errorf("payment not found")
	}
	return p, nil
}

type fakeSettler struct {
	applied    bool
	err        error
	calledWith []byte
	callCount  int
}

func (f *fakeSettler) MarkPaidAndExtend(ctx context.Context, paymentID []byte) (bool, error) {
	f.callCount++
	f.calledWith = paymentID
	return f.applied, f.err
}

type fakePricing struct {
	renewalQuote pricing.Quote
	upgradeQuote pricing.UpgradeQuote
	applyErr     error
	appliedCfg   *model.UpgradeConfig
}

func (f *fakePricing) RenewalQuote(ctx context.Context, vmID uuid.UUID, method model.PaymentMethod) (pricing.Quote, error) {
	return f.renewalQuote, nil
}

func (f *fakePricing) UpgradeQuote(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig, method model.PaymentMethod) (pricing.UpgradeQuote, error) {
	return f.upgradeQuote, nil
}

func (f *fakePricing) ApplyUpgradeConfig(ctx context.Context, vmID uuid.UUID, cfg model.UpgradeConfig) error {
	f.appliedCfg = &cfg
	return f.applyErr
}

type fakeLightning struct {
	result lightning.AddInvoiceResult
	err    error
}

func (f *fakeLightning) AddInvoice(ctx context.Context, req lightning.AddInvoiceRequest) (lightning.AddInvoiceResult, error) {
	return f.result, f.err
}

func (f *fakeLightning) SubscribeInvoices(ctx context.Context, fromSettleIndex uint64) (<-chan lightning.InvoiceUpdate, error) {
	return nil, nil
}

type fakeFiat struct {
	order     fiat.Order
	verifyOK  bool
	createErr error
}

func (f *fakeFiat) CreateOrder(ctx context.Context, description string, amountMinor uint64, currency string) (fiat.Order, error) {
	return f.order, f.createErr
}

func (f *fakeFiat) VerifyWebhook(body []byte, signatureHeader string) bool {
	return f.verifyOK
}

func TestCreateRenewalPaymentMintsLightningInvoice(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	ln := &fakeLightning{result: lightning.AddInvoiceResult{Bolt11: "lnbc1...", PaymentHash: []byte{1, 2, 3, 4}}}
	e := &Engine{
		Store:     store,
		Pricing:   &fakePricing{renewalQuote: pricing.Quote{Amount: 132000, Currency: "BTC", TimeValueSeconds: 2592000}},
		Lightning: ln,
	}

	p, err := e.CreateRenewalPayment(context.Background(), vmID, model.PaymentMethodLightning)
	if err != nil {
		t.Fatalf("CreateRenewalPayment() error = %v", err)
	}
	if string(p.ID) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("payment id = %x, want payment hash", p.ID)
	}
	if p.ExternalData != "lnbc1..." {
		t.Fatalf("external data = %q, want bolt11", p.ExternalData)
	}
	if len(store.created) != 1 {
		t.Fatalf("CreatePayment called %d times, want 1", len(store.created))
	}
}

func TestCreateRenewalPaymentReusesExisting(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	existing := model.VmPayment{ID: []byte{9, 9}, VmID: vmID, Amount: 100}
	e := &Engine{
		Store:   store,
		Pricing: &fakePricing{renewalQuote: pricing.Quote{Reused: &existing}},
	}

	p, err := e.CreateRenewalPayment(context.Background(), vmID, model.PaymentMethodLightning)
	if err != nil {
		t.Fatalf("CreateRenewalPayment() error = %v", err)
	}
	if len(store.created) != 0 {
		t.Fatalf("CreatePayment called %d times, want 0 (reused)", len(store.created))
	}
	if string(p.ID) != string(existing.ID) {
		t.Fatalf("payment id mismatch, want reused existing payment")
	}
}

func TestCreateRenewalPaymentRejectsNonBTCForLightning(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	e := &Engine{
		Store:     store,
		Pricing:   &fakePricing{renewalQuote: pricing.Quote{Amount: 1000, Currency: "EUR"}},
		Lightning: &fakeLightning{},
	}

	_, err := e.CreateRenewalPayment(context.Background(), vmID, model.PaymentMethodLightning)
	if err == nil {
		t.Fatalf("CreateRenewalPayment() error = nil, want error for non-BTC lightning invoice")
	}
}

func TestCreateUpgradePaymentCreatesRevolutOrder(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	extID := "order-123"
	fg := &fakeFiat{order: fiat.Order{ExternalID: extID, RawData: `{"id":"order-123"}`}}
	e := &Engine{
		Store: store,
		Pricing: &fakePricing{upgradeQuote: pricing.UpgradeQuote{
			Upgrade: pricing.Quote{Amount: 500, Tax: 0, Currency: "EUR"},
		}},
		Fiat: fg,
	}

	cpu := 4
	p, err := e.CreateUpgradePayment(context.Background(), vmID, model.UpgradeConfig{CPU: &cpu}, model.PaymentMethodRevolut)
	if err != nil {
		t.Fatalf("CreateUpgradePayment() error = %v", err)
	}
	if p.ExternalID == nil || *p.ExternalID != extID {
		t.Fatalf("external id = %v, want %s", p.ExternalID, extID)
	}
	if p.TimeValueSeconds != 0 {
		t.Fatalf("time value seconds = %d, want 0 for an upgrade payment", p.TimeValueSeconds)
	}
	if p.PaymentType != model.PaymentTypeUpgrade {
		t.Fatalf("payment type = %s, want upgrade", p.PaymentType)
	}
}

func TestSettleByIDAppliesRenewalOnce(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	paymentID := []byte{5, 5, 5}
	store.byID[string(paymentID)] = model.VmPayment{ID: paymentID, VmID: vmID, PaymentType: model.PaymentTypeRenewal, TimeValueSeconds: 2592000}

	settler := &fakeSettler{applied: true}
	pr := &fakePricing{}
	e := &Engine{Store: store, Settler: settler, Pricing: pr}

	if err := e.SettleByID(context.Background(), paymentID); err != nil {
		t.Fatalf("SettleByID() error = %v", err)
	}
	if settler.callCount != 1 {
		t.Fatalf("MarkPaidAndExtend called %d times, want 1", settler.callCount)
	}
	if pr.appliedCfg != nil {
		t.Fatalf("ApplyUpgradeConfig should not be called for a renewal payment")
	}
}

func TestSettleSkipsWhenAlreadyPaid(t *testing.T) {
	store := newFakeStore()
	paymentID := []byte{7, 7}
	store.byID[string(paymentID)] = model.VmPayment{ID: paymentID, IsPaid: true}

	settler := &fakeSettler{}
	e := &Engine{Store: store, Settler: settler, Pricing: &fakePricing{}}

	if err := e.SettleByID(context.Background(), paymentID); err != nil {
		t.Fatalf("SettleByID() error = %v", err)
	}
	if settler.callCount != 0 {
		t.Fatalf("MarkPaidAndExtend called %d times, want 0 (already paid)", settler.callCount)
	}
}

func TestSettleAppliesUpgradeParams(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	cpu := 8
	cfg := model.UpgradeConfig{CPU: &cpu}
	paymentID := []byte{3, 3, 3}
	store.byID[string(paymentID)] = model.VmPayment{
		ID: paymentID, VmID: vmID, PaymentType: model.PaymentTypeUpgrade, UpgradeParams: &cfg,
	}

	settler := &fakeSettler{applied: true}
	pr := &fakePricing{}
	e := &Engine{Store: store, Settler: settler, Pricing: pr}

	if err := e.SettleByID(context.Background(), paymentID); err != nil {
		t.Fatalf("SettleByID() error = %v", err)
	}
	if pr.appliedCfg == nil || pr.appliedCfg.CPU == nil || *pr.appliedCfg.CPU != 8 {
		t.Fatalf("ApplyUpgradeConfig not called with expected cfg")
	}
}

func TestHandleFiatWebhookRejectsBadSignature(t *testing.T) {
	e := &Engine{Fiat: &fakeFiat{verifyOK: false}}
	err := e.HandleFiatWebhook(context.Background(), []byte(`{}`), "bad-sig")
	if err == nil {
		t.Fatalf("HandleFiatWebhook() error = nil, want error for bad signature")
	}
}

func TestHandleFiatWebhookSettlesOnOrderCompleted(t *testing.T) {
	store := newFakeStore()
	vmID := uuid.New()
	extID := "order-42"
	store.byExternalID[extID] = model.VmPayment{ID: []byte{1}, VmID: vmID, ExternalID: &extID}

	settler := &fakeSettler{applied: true}
	e := &Engine{Store: store, Settler: settler, Pricing: &fakePricing{}, Fiat: &fakeFiat{verifyOK: true}}

	body := []byte(`{"event":"ORDER_COMPLETED","order_id":"order-42"}`)
	if err := e.HandleFiatWebhook(context.Background(), body, "sig"); err != nil {
		t.Fatalf("HandleFiatWebhook() error = %v", err)
	}
	if settler.callCount != 1 {
		t.Fatalf("MarkPaidAndExtend called %d times, want 1", settler.callCount)
	}
}

func TestHandleFiatWebhookIgnoresOtherEvents(t *testing.T) {
	settler := &fakeSettler{}
	e := &Engine{Settler: settler, Fiat: &fakeFiat{verifyOK: true}}

	body := []byte(`{"event":"ORDER_AUTHORISED","order_id":"order-1"}`)
	if err := e.HandleFiatWebhook(context.Background(), body, "sig"); err != nil {
		t.Fatalf("HandleFiatWebhook() error = %v", err)
	}
	if settler.callCount != 0 {
		t.Fatalf("MarkPaidAndExtend called %d times, want 0 (non-settling event)", settler.callCount)
	}
}
