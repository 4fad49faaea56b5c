package fiat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"testing"
)

func TestNoopImplementsFiatGateway(t *testing.T) {
	var _ FiatGateway = (*Noop)(nil)
}

func TestRevolutVerifyWebhook(t *testing.T) {
	g := NewRevolutGateway("", "key", "secret")
	body := []byte(`{"event":"ORDER_COMPLETED","data":{"external_id":"abc"}}`)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if !g.VerifyWebhook(body, sig) {
		t.Fatalf("VerifyWebhook() = false, want true for correctly signed body")
	}
	if g.VerifyWebhook(body, "deadbeef") {
		t.Fatalf("VerifyWebhook() = true for bad signature, want false")
	}
}

func TestRevolutVerifyWebhookNoSecret(t *testing.T) {
	g := NewRevolutGateway("", "key", "")
	if g.VerifyWebhook([]byte("x"), "y") {
		t.Fatalf("VerifyWebhook() = true with no configured secret, want false")
	}
}

func TestNoopCreateOrder(t *testing.T) {
	n := &Noop{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	order, err := n.CreateOrder(nil, "vm renewal", 1000, "EUR")
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}
	if order.ExternalID == "" {
		t.Fatalf("CreateOrder() returned empty external id")
	}
}
