package x402

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the gateway configuration, populated once at startup from
// X402_* environment variables. Every field has a declarative default;
// there are no scattered lookups with inline fallbacks.
type Config struct {
	// AdminKey authorizes the operational endpoints.
	AdminKey string

	// RPC endpoints.
	BaseRPCURL     string
	EthereumRPCURL string
	SolanaRPCURL   string

	// Payment receiving addresses.
	BasePaymentAddress     string
	EthereumPaymentAddress string
	SolanaPaymentAddress   string

	// PricePerCall is the default price for priced endpoints without an
	// explicit override.
	PricePerCall decimal.Decimal

	// RequestsPerDollar converts a payment amount into an allocation of
	// metered requests.
	RequestsPerDollar float64

	// MinPayment is the smallest accepted payment, to reduce tx spam.
	MinPayment decimal.Decimal

	// TokenExpiry is the validity window for payments and minted tokens.
	TokenExpiry time.Duration

	// EndpointPrices maps endpoint path to its price override.
	EndpointPrices map[string]decimal.Decimal

	// Required confirmation depth per chain.
	BaseConfirmations     uint64
	EthereumConfirmations uint64
	SolanaConfirmations   uint64

	// FacilitatorURL is the primary facilitator endpoint. Empty disables
	// the facilitator authorization path.
	FacilitatorURL string

	// RiskAPIURL and RiskAPIKey configure the optional external risk
	// service. Empty disables the external_api risk factor.
	RiskAPIURL string
	RiskAPIKey string

	// RejectThreshold is the risk score at or above which a payment is
	// flagged high-risk.
	RejectThreshold float64

	// RejectHighRisk rejects high-risk payments outright instead of
	// accepting and flagging them for review.
	RejectHighRisk bool

	// DatabaseURL is the Postgres DSN for the ledger store.
	DatabaseURL string

	// RedisURL configures the verification cache.
	RedisURL string

	// Feature toggles.
	Enabled      bool
	CacheEnabled bool
	CacheTTL     time.Duration
}

// LoadConfig reads the configuration from the environment, applying the
// documented defaults for every unset variable.
func LoadConfig() Config {
	return Config{
		AdminKey: getenv("X402_ADMIN_KEY", "dev_x402_admin_key_change_in_production"),

		BaseRPCURL:     getenv("X402_BASE_RPC_URL", "https://mainnet.base.org"),
		EthereumRPCURL: getenv("X402_ETHEREUM_RPC_URL", "https://eth.llamarpc.com"),
		SolanaRPCURL:   getenv("X402_SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),

		BasePaymentAddress:     getenv("X402_BASE_PAYMENT_ADDRESS", "0x742d35Cc6634C0532925a3b8D4B5e3A3A3b7b7b7"),
		EthereumPaymentAddress: getenv("X402_ETHEREUM_PAYMENT_ADDRESS", "0x742d35Cc6634C0532925a3b8D4B5e3A3A3b7b7b7"),
		SolanaPaymentAddress:   getenv("X402_SOLANA_PAYMENT_ADDRESS", "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"),

		PricePerCall:      getenvDecimal("X402_PRICE_PER_CALL", "0.001"),
		RequestsPerDollar: getenvFloat("X402_REQUESTS_PER_DOLLAR", 1000),
		MinPayment:        getenvDecimal("X402_MIN_PAYMENT_USD", "0.10"),
		TokenExpiry:       time.Duration(getenvInt("X402_TOKEN_EXPIRY_HOURS", 24)) * time.Hour,

		EndpointPrices: ParseEndpointPrices(os.Getenv("X402_ENDPOINT_PRICES")),

		BaseConfirmations:     uint64(getenvInt("X402_BASE_CONFIRMATIONS", 6)),
		EthereumConfirmations: uint64(getenvInt("X402_ETHEREUM_CONFIRMATIONS", 12)),
		SolanaConfirmations:   uint64(getenvInt("X402_SOLANA_CONFIRMATIONS", 32)),

		FacilitatorURL: getenv("X402_FACILITATOR_URL", "https://facilitator.payai.network"),

		RiskAPIURL: os.Getenv("X402_RISK_API_URL"),
		RiskAPIKey: os.Getenv("X402_RISK_API_KEY"),

		RejectThreshold: getenvFloat("X402_RISK_REJECT_THRESHOLD", 0.8),
		RejectHighRisk:  getenvBool("X402_REJECT_HIGH_RISK", false),

		DatabaseURL: getenv("X402_DATABASE_URL", "postgres://localhost:5432/x402?sslmode=disable"),
		RedisURL:    getenv("X402_REDIS_URL", "redis://localhost:6379/0"),

		Enabled:      getenvBool("X402_ENABLED", true),
		CacheEnabled: getenvBool("X402_CACHE_ENABLED", true),
		CacheTTL:     time.Duration(getenvInt("X402_CACHE_TTL", 300)) * time.Second,
	}
}

// ParseEndpointPrices parses per-endpoint price overrides from a
// comma-separated string, e.g. "/api/premium:0.10,/api/analytics:0.05".
// Malformed entries are skipped.
func ParseEndpointPrices(s string) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	if s == "" {
		return prices
	}
	for _, item := range strings.Split(s, ",") {
		endpoint, raw, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || price.Sign() < 0 {
			continue
		}
		prices[strings.TrimSpace(endpoint)] = price
	}
	return prices
}

// PriceFor returns the price for an endpoint path, falling back to the
// default per-call price when no override is configured.
func (c Config) PriceFor(endpoint string) decimal.Decimal {
	if price, ok := c.EndpointPrices[endpoint]; ok {
		return price
	}
	return c.PricePerCall
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func getenvDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(fallback)
}
