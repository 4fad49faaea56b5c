// Package exchangerates provides the ExchangeRates collaborator of spec.md
// §4.7: a BTC/fiat rate cache refreshed from an external ticker source.
package exchangerates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wisbric/lnvpsd/pkg/opretry"
)

// Currency is a list or payment currency, spec.md §4.4.
type Currency string

const (
	BTC Currency = "BTC"
	EUR Currency = "EUR"
	USD Currency = "USD"
)

// Ticker is a currency pair, e.g. Ticker{BTC, EUR}.
type Ticker struct {
	From Currency
	To   Currency
}

func (t Ticker) String() string { return fmt.Sprintf("%s/%s", t.From, t.To) }

// TickerRate is a Ticker with its current conversion rate (units of To per
// one unit of From).
type TickerRate struct {
	Ticker Ticker
	Rate   float64
}

// ExchangeRates is the contract spec.md §4.7 names: get_rate and
// list_rates, backed by a cache refreshed out of band.
type ExchangeRates interface {
	GetRate(ctx context.Context, ticker Ticker) (float64, bool)
	ListRates(ctx context.Context) []TickerRate
	// Refresh re-fetches rates from the upstream source and repopulates the
	// cache; the worker calls this on a timer (spec.md §4.6).
	Refresh(ctx context.Context) error
}

// MempoolCache fetches BTC/fiat rates from a mempool.space-compatible
// `/api/v1/prices` endpoint and caches them in memory, grounded on
// original_source's exchange.rs DefaultRateCache.
type MempoolCache struct {
	endpoint string
	client   *http.Client

	mu    sync.RWMutex
	rates map[Ticker]float64
}

// NewMempoolCache builds a cache pointed at endpoint (config.go's
// ExchangeRateEndpoint, default https://mempool.space/api/v1/prices).
func NewMempoolCache(endpoint string) *MempoolCache {
	return &MempoolCache{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		rates:    make(map[Ticker]float64),
	}
}

type mempoolRatesResponse struct {
	USD *float64 `json:"USD"`
	EUR *float64 `json:"EUR"`
}

func (c *MempoolCache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return opretry.WrapFatal(fmt.Errorf("building exchange rate request: %w", err))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return opretry.Wrap(fmt.Errorf("fetching exchange rates: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return opretry.Wrap(fmt.Errorf("exchange rate source: %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return opretry.Fatalf("exchange rate source: %d", resp.StatusCode)
	}

	var parsed mempoolRatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return opretry.WrapFatal(fmt.Errorf("decoding exchange rates: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if parsed.USD != nil {
		c.rates[Ticker{From: BTC, To: USD}] = *parsed.USD
	}
	if parsed.EUR != nil {
		c.rates[Ticker{From: BTC, To: EUR}] = *parsed.EUR
	}
	return nil
}

func (c *MempoolCache) GetRate(ctx context.Context, ticker Ticker) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rate, ok := c.rates[ticker]; ok {
		return rate, true
	}
	if rate, ok := c.rates[Ticker{From: ticker.To, To: ticker.From}]; ok && rate != 0 {
		return 1 / rate, true
	}
	return 0, false
}

func (c *MempoolCache) ListRates(ctx context.Context) []TickerRate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TickerRate, 0, len(c.rates))
	for t, r := range c.rates {
		out = append(out, TickerRate{Ticker: t, Rate: r})
	}
	return out
}

var _ ExchangeRates = (*MempoolCache)(nil)

// Convert converts amount (in From's minor/atomic unit) into To's
// minor/atomic unit using rate (units of To per unit of From), spec.md
// §4.4.4's "fetch a rate and convert" step. BTC's atomic unit is
// milli-satoshis (1 BTC = 1e11 msat); fiat's is cents (1 unit = 100).
func Convert(amount uint64, from, to Currency, rate float64) uint64 {
	major := atomicToMajor(amount, from) * rate
	return majorToAtomic(major, to)
}

func atomicToMajor(amount uint64, c Currency) float64 {
	if c == BTC {
		return float64(amount) / 1e11
	}
	return float64(amount) / 100
}

func majorToAtomic(amount float64, c Currency) uint64 {
	if c == BTC {
		return uint64(amount * 1e11)
	}
	return uint64(amount * 100)
}
