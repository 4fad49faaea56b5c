package lightning

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
)

func TestNoopImplementsLightningNode(t *testing.T) {
	var _ LightningNode = (*Noop)(nil)
}

func TestNoopAddInvoiceReturnsPaymentHash(t *testing.T) {
	n := &Noop{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	res, err := n.AddInvoice(context.Background(), AddInvoiceRequest{AmountMsat: 1000})
	if err != nil {
		t.Fatalf("AddInvoice() error = %v", err)
	}
	if len(res.PaymentHash) != 32 {
		t.Fatalf("PaymentHash length = %d, want 32", len(res.PaymentHash))
	}
}

func TestDecodeLndEventSettled(t *testing.T) {
	hash := []byte{1, 2, 3}
	event := lndInvoiceSubscriptionEvent{Result: &lndInvoice{
		RHash:       base64.StdEncoding.EncodeToString(hash),
		State:       "SETTLED",
		SettleIndex: "42",
	}}
	update := decodeLndEvent(event)
	if update.State != InvoiceSettled {
		t.Fatalf("State = %v, want InvoiceSettled", update.State)
	}
	if update.SettleIndex != 42 {
		t.Fatalf("SettleIndex = %d, want 42", update.SettleIndex)
	}
}

func TestDecodeLndEventError(t *testing.T) {
	event := lndInvoiceSubscriptionEvent{Error: &struct {
		Message string `json:"message"`
	}{Message: "boom"}}
	update := decodeLndEvent(event)
	if update.Err == nil {
		t.Fatalf("Err = nil, want non-nil")
	}
}
