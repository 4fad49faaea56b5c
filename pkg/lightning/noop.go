package lightning

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
)

// Noop is a stub LightningNode that mints fake invoices and never settles
// them, for local development and tests. Grounded on the teacher's
// pkg/integration.NoopCaller.
type Noop struct {
	Logger *slog.Logger
}

func (n *Noop) AddInvoice(ctx context.Context, req AddInvoiceRequest) (AddInvoiceResult, error) {
	hash := make([]byte, 32)
	_, _ = rand.Read(hash)
	n.Logger.Info("noop lightning: add_invoice", "amount_msat", req.AmountMsat)
	return AddInvoiceResult{
		Bolt11:      fmt.Sprintf("lnbcrt%dn1noopinvoice", req.AmountMsat),
		PaymentHash: hash,
	}, nil
}

func (n *Noop) SubscribeInvoices(ctx context.Context, fromSettleIndex uint64) (<-chan InvoiceUpdate, error) {
	updates := make(chan InvoiceUpdate)
	go func() {
		<-ctx.Done()
		close(updates)
	}()
	return updates, nil
}

var _ LightningNode = (*Noop)(nil)
