package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is worker",
			check:  func(c *Config) bool { return c.Mode == "worker" },
			expect: "worker",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
		{
			name:   "default delete after days",
			check:  func(c *Config) bool { return c.DeleteAfterDays == 3 },
			expect: "3",
		},
		{
			name:   "default lightning invoice expiry",
			check:  func(c *Config) bool { return c.LightningInvoiceExpirySeconds == 600 },
			expect: "600",
		},
		{
			name:   "default fiat invoice expiry",
			check:  func(c *Config) bool { return c.FiatInvoiceExpirySeconds == 3600 },
			expect: "3600",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestTaxRates(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  map[string]float64
	}{
		{
			name: "empty",
			raw:  "",
			want: map[string]float64{},
		},
		{
			name: "single",
			raw:  "DE=19",
			want: map[string]float64{"DE": 19},
		},
		{
			name: "multiple with spacing",
			raw:  "de=19, FR = 20.5",
			want: map[string]float64{"DE": 19, "FR": 20.5},
		},
		{
			name: "malformed entry skipped",
			raw:  "DE=19,BOGUS,FR=20",
			want: map[string]float64{"DE": 19, "FR": 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{TaxRate: tt.raw}
			got := cfg.TaxRates()
			if len(got) != len(tt.want) {
				t.Fatalf("len(got) = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
