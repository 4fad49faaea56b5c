package fiat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Noop is a stub FiatGateway that mints fake orders, for local development
// and tests. Grounded on the teacher's no-op-collaborator pattern (log and return a plausible stub).
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) CreateOrder(ctx context.Context, description string, amountMinor uint64, currency string) (Order, error) {
	id := uuid.New().String()
	n.Logger.Info("noop fiat: create_order", "id", id, "amount", amountMinor, "currency", currency)
	return Order{
		ExternalID:  id,
		RawData:     fmt.Sprintf(`{"id":%q,"amount":%d,"currency":%q}`, id, amountMinor, currency),
		CheckoutURL: "https://example.invalid/pay/" + id,
	}, nil
}

func (n *Noop) VerifyWebhook(body []byte, signatureHeader string) bool {
	return true
}

var _ FiatGateway = (*Noop)(nil)
