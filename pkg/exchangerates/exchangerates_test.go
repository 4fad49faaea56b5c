package exchangerates

import "testing"

func TestConvertBTCToEUR(t *testing.T) {
	// 0.001 BTC at a rate of 69_420 EUR/BTC.
	amount := Convert(1e8, BTC, EUR, 69_420) // 1e8 msat = 0.001 BTC
	want := uint64(0.001 * 69_420 * 100)
	if amount != want {
		t.Fatalf("Convert() = %d, want %d", amount, want)
	}
}

func TestGetRateFallsBackToInverse(t *testing.T) {
	c := NewMempoolCache("")
	c.rates[Ticker{From: BTC, To: EUR}] = 69_420

	rate, ok := c.GetRate(nil, Ticker{From: EUR, To: BTC})
	if !ok {
		t.Fatalf("GetRate() ok = false, want true")
	}
	want := 1 / 69_420.0
	if rate != want {
		t.Fatalf("GetRate() = %v, want %v", rate, want)
	}
}

func TestGetRateMissing(t *testing.T) {
	c := NewMempoolCache("")
	if _, ok := c.GetRate(nil, Ticker{From: BTC, To: USD}); ok {
		t.Fatalf("GetRate() ok = true for empty cache, want false")
	}
}
