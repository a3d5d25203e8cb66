// Package cache is a short-TTL cache for successful payment verifications.
// Only confirmed verifications are cached: a failed check (not found,
// shallow confirmations) must be re-checked on the next attempt because its
// outcome changes as the chain advances.
//
// The cache is strictly an RPC-load optimization. Every operation degrades
// to a miss on backend failure; correctness always falls back to the chain.
package cache

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Verification is the cacheable snapshot of a confirmed payment check.
type Verification struct {
	TxHash        string          `json:"tx_hash"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Payer         string          `json:"payer"`
	Payee         string          `json:"payee"`
	BlockHeight   uint64          `json:"block_height"`
	Confirmations uint64          `json:"confirmations"`
	Timestamp     *time.Time      `json:"timestamp,omitempty"`
	RiskScore     float64         `json:"risk_score"`
	VerifiedAt    time.Time       `json:"verified_at"`
}

// Cache stores verification snapshots keyed by chain and transaction hash.
type Cache interface {
	// GetVerification returns a cached verification, or ok=false on a miss
	// or any backend failure.
	GetVerification(ctx context.Context, chain, txHash string) (Verification, bool)

	// SetVerification stores a verification. Failures are swallowed.
	SetVerification(ctx context.Context, v Verification)

	// Close releases backend resources.
	Close() error
}

// Noop is the disabled cache: every read misses.
type Noop struct{}

var _ Cache = Noop{}

func (Noop) GetVerification(context.Context, string, string) (Verification, bool) {
	return Verification{}, false
}

func (Noop) SetVerification(context.Context, Verification) {}

func (Noop) Close() error { return nil }

func verificationKey(chain, txHash string) string {
	return "x402:verification:" + chain + ":" + txHash
}
