package worker

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/lnvpsd/pkg/store"
)

// poolSettler adapts store.MarkPaidAndExtend (a free function needing its
// own *pgxpool.Pool-backed transaction) to payment.Settler, so pkg/payment
// stays pool-free and mockable — see pkg/payment's Settler doc comment.
type poolSettler struct {
	pool *pgxpool.Pool
}

func (s *poolSettler) MarkPaidAndExtend(ctx context.Context, paymentID []byte) (bool, error) {
	return store.MarkPaidAndExtend(ctx, s.pool, paymentID)
}
