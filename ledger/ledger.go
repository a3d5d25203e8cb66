// Package ledger is the durable record of payments, access tokens, and
// metered usage. It converts verified on-chain payments into request
// allocations and enforces their consumption.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// Ledger applies payment policy on top of a Store: allocation sizing,
// token minting and hashing, and expiry.
type Ledger struct {
	store             Store
	requestsPerDollar float64
	tokenExpiry       time.Duration
	log               *zap.Logger
}

// New builds a Ledger over a store using the configured metering policy.
func New(store Store, cfg x402.Config, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:             store,
		requestsPerDollar: cfg.RequestsPerDollar,
		tokenExpiry:       cfg.TokenExpiry,
		log:               log,
	}
}

// Store exposes the underlying store for read-only queries.
func (l *Ledger) Store() Store { return l.store }

// PaymentRecord carries the verified payment attributes to be recorded.
type PaymentRecord struct {
	TxHash        string
	Chain         string
	AmountUSDC    decimal.Decimal
	FromAddress   string
	ToAddress     string
	BlockNumber   uint64
	Confirmations uint64
	RiskScore     float64
}

// RecordPayment records a verified payment, allocating floor(amount *
// requests_per_dollar) metered requests. Recording the same tx_hash twice
// returns the original record with no new allocation, so a transaction
// hash can never be redeemed for two allocations.
func (l *Ledger) RecordPayment(ctx context.Context, rec PaymentRecord) (Payment, error) {
	now := time.Now().UTC()
	verifiedAt := now

	allocated := rec.AmountUSDC.Mul(decimal.NewFromFloat(l.requestsPerDollar)).IntPart()

	payment := Payment{
		TxHash:            rec.TxHash,
		Chain:             rec.Chain,
		AmountUSDC:        rec.AmountUSDC,
		FromAddress:       rec.FromAddress,
		ToAddress:         rec.ToAddress,
		BlockNumber:       rec.BlockNumber,
		Confirmations:     rec.Confirmations,
		Status:            StatusVerified,
		RiskScore:         rec.RiskScore,
		RequestsAllocated: allocated,
		CreatedAt:         now,
		VerifiedAt:        &verifiedAt,
		ExpiresAt:         now.Add(l.tokenExpiry),
		UpdatedAt:         now,
	}

	stored, created, err := l.store.UpsertPayment(ctx, payment)
	if err != nil {
		return Payment{}, fmt.Errorf("record payment: %w", err)
	}

	if created {
		l.log.Info("recorded payment",
			zap.Int64("payment_id", stored.ID),
			zap.String("tx_hash", stored.TxHash),
			zap.String("chain", stored.Chain),
			zap.String("amount_usdc", stored.AmountUSDC.String()),
			zap.Int64("requests_allocated", stored.RequestsAllocated))
	} else {
		l.log.Debug("payment already recorded",
			zap.Int64("payment_id", stored.ID),
			zap.String("tx_hash", stored.TxHash))
	}

	return stored, nil
}

// MintToken generates an access token for a verified payment and stores
// its SHA-256 hash. The raw token is returned exactly once and is never
// persisted.
func (l *Ledger) MintToken(ctx context.Context, paymentID int64) (string, error) {
	payment, err := l.store.PaymentByID(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	if payment.Status != StatusVerified {
		return "", fmt.Errorf("mint token: %w: payment %d is %s", x402.ErrPaymentNotVerified, paymentID, payment.Status)
	}

	raw, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}

	token := Token{
		TokenHash: HashToken(raw),
		PaymentID: paymentID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: payment.ExpiresAt,
	}
	if err := l.store.InsertToken(ctx, token); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}

	l.log.Info("minted payment token", zap.Int64("payment_id", paymentID))
	return raw, nil
}

// PaymentByToken resolves a raw token to its backing payment. Unknown and
// expired tokens return ErrTokenExpiredOrExhausted.
func (l *Ledger) PaymentByToken(ctx context.Context, token string) (Payment, error) {
	return l.store.ResolveToken(ctx, HashToken(token))
}

// PaymentByTxHash returns the recorded payment for a transaction hash.
func (l *Ledger) PaymentByTxHash(ctx context.Context, txHash string) (Payment, error) {
	return l.store.PaymentByTxHash(ctx, txHash)
}

// RecordUsage consumes one metered request from the payment and appends a
// usage record. The consume is the authorization gate; the usage append is
// an audit trail and happens regardless of the consume outcome, so denied
// calls still leave a row. Append failures are logged, never fatal.
func (l *Ledger) RecordUsage(ctx context.Context, u Usage) (Payment, error) {
	payment, consumeErr := l.store.ConsumeRequest(ctx, u.PaymentID)

	u.CreatedAt = time.Now().UTC()
	if err := l.store.InsertUsage(ctx, u); err != nil {
		l.log.Error("failed to append usage record",
			zap.Int64("payment_id", u.PaymentID),
			zap.String("endpoint", u.Endpoint),
			zap.Error(err))
	}

	if consumeErr != nil {
		return Payment{}, fmt.Errorf("record usage: %w", consumeErr)
	}
	return payment, nil
}

// SweepExpired expires overdue payments and deletes expired tokens.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	n, err := l.store.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	if n > 0 {
		l.log.Info("expired payments swept", zap.Int64("count", n))
	}
	return n, nil
}

// Stats aggregates verified payments, defaulting to a 24 hour window.
func (l *Ledger) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	if q.Window <= 0 {
		q.Window = 24 * time.Hour
	}
	return l.store.Stats(ctx, q)
}

// TopPayers ranks payers by total spend.
func (l *Ledger) TopPayers(ctx context.Context, limit int) ([]PayerSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.TopPayers(ctx, limit)
}

// HashToken returns the hex SHA-256 digest under which a raw token is
// stored and looked up.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateToken returns 32 bytes of CSPRNG entropy, URL-safe encoded.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
