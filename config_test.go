package x402

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseEndpointPrices(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single", "/api/data:0.01", map[string]string{"/api/data": "0.01"}},
		{
			"multiple with spaces",
			"/api/premium:0.10, /api/analytics:0.05",
			map[string]string{"/api/premium": "0.10", "/api/analytics": "0.05"},
		},
		{"missing price", "/api/data", map[string]string{}},
		{"malformed price skipped", "/api/a:abc,/api/b:0.02", map[string]string{"/api/b": "0.02"}},
		{"negative price skipped", "/api/a:-1", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEndpointPrices(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseEndpointPrices(%q) has %d entries; want %d", tt.input, len(got), len(tt.want))
			}
			for endpoint, price := range tt.want {
				if !got[endpoint].Equal(decimal.RequireFromString(price)) {
					t.Errorf("price[%s] = %s; want %s", endpoint, got[endpoint], price)
				}
			}
		})
	}
}

func TestPriceFor(t *testing.T) {
	cfg := Config{
		PricePerCall: decimal.RequireFromString("0.001"),
		EndpointPrices: map[string]decimal.Decimal{
			"/api/premium": decimal.RequireFromString("0.10"),
		},
	}

	if got := cfg.PriceFor("/api/premium"); !got.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("PriceFor(/api/premium) = %s; want 0.10", got)
	}
	if got := cfg.PriceFor("/api/other"); !got.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("PriceFor(/api/other) = %s; want 0.001", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if !cfg.Enabled {
		t.Error("Enabled should default to true")
	}
	if cfg.RequestsPerDollar != 1000 {
		t.Errorf("RequestsPerDollar = %v; want 1000", cfg.RequestsPerDollar)
	}
	if !cfg.MinPayment.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("MinPayment = %s; want 0.10", cfg.MinPayment)
	}
	if cfg.TokenExpiry != 24*time.Hour {
		t.Errorf("TokenExpiry = %s; want 24h", cfg.TokenExpiry)
	}
	if cfg.RejectThreshold != 0.8 {
		t.Errorf("RejectThreshold = %v; want 0.8", cfg.RejectThreshold)
	}
	if cfg.BaseConfirmations != 6 || cfg.EthereumConfirmations != 12 || cfg.SolanaConfirmations != 32 {
		t.Errorf("confirmation defaults = %d/%d/%d; want 6/12/32",
			cfg.BaseConfirmations, cfg.EthereumConfirmations, cfg.SolanaConfirmations)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("X402_ENABLED", "false")
	t.Setenv("X402_MIN_PAYMENT_USD", "1.25")
	t.Setenv("X402_BASE_CONFIRMATIONS", "3")
	t.Setenv("X402_ENDPOINT_PRICES", "/api/data:0.01")

	cfg := LoadConfig()

	if cfg.Enabled {
		t.Error("Enabled should be false")
	}
	if !cfg.MinPayment.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("MinPayment = %s; want 1.25", cfg.MinPayment)
	}
	if cfg.BaseConfirmations != 3 {
		t.Errorf("BaseConfirmations = %d; want 3", cfg.BaseConfirmations)
	}
	if len(cfg.EndpointPrices) != 1 {
		t.Errorf("EndpointPrices has %d entries; want 1", len(cfg.EndpointPrices))
	}
}
