package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Payment status values. Payments are booked only after a successful
// verification or settlement, so rows begin life verified; there is no
// stored pending state.
const (
	StatusVerified = "verified"
	StatusUsed     = "used"
	StatusExpired  = "expired"
)

// Payment is one on-chain payment record with its metered allocation.
type Payment struct {
	ID                int64           `json:"id"`
	TxHash            string          `json:"tx_hash"`
	Chain             string          `json:"chain"`
	AmountUSDC        decimal.Decimal `json:"amount_usdc"`
	FromAddress       string          `json:"from_address"`
	ToAddress         string          `json:"to_address"`
	BlockNumber       uint64          `json:"block_number"`
	Confirmations     uint64          `json:"confirmations"`
	Status            string          `json:"status"`
	RiskScore         float64         `json:"risk_score"`
	RequestsAllocated int64           `json:"requests_allocated"`
	RequestsUsed      int64           `json:"requests_used"`
	CreatedAt         time.Time       `json:"created_at"`
	VerifiedAt        *time.Time      `json:"verified_at,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// RequestsRemaining returns the unconsumed request allocation.
func (p Payment) RequestsRemaining() int64 {
	return p.RequestsAllocated - p.RequestsUsed
}

// IsActive reports whether the payment can still authorize requests.
func (p Payment) IsActive(now time.Time) bool {
	return p.Status == StatusVerified && p.ExpiresAt.After(now) && p.RequestsRemaining() > 0
}

// Token is a hashed access token bound to a payment. Raw tokens are never
// stored; only the SHA-256 hex digest is persisted.
type Token struct {
	ID         int64      `json:"id"`
	TokenHash  string     `json:"token_hash"`
	PaymentID  int64      `json:"payment_id"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Usage is one append-only API usage record.
type Usage struct {
	ID             int64     `json:"id"`
	PaymentID      int64     `json:"payment_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS *int64    `json:"response_time_ms,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StatsQuery filters aggregate payment statistics.
type StatsQuery struct {
	// FromAddress restricts to one payer. Empty means all payers.
	FromAddress string

	// Chain restricts to one chain. Empty means all chains.
	Chain string

	// Window restricts to payments created within the window. Zero means
	// the default 24 hours.
	Window time.Duration
}

// Stats is an aggregate view over verified payments in a window.
type Stats struct {
	TotalPayments          int64           `json:"total_payments"`
	TotalAmountUSDC        decimal.Decimal `json:"total_amount_usdc"`
	TotalRequestsAllocated int64           `json:"total_requests_allocated"`
	TotalRequestsUsed      int64           `json:"total_requests_used"`
	UniquePayers           int64           `json:"unique_payers"`
	AveragePaymentUSDC     decimal.Decimal `json:"average_payment_usdc"`
}

// PayerSummary is one row of the top-payers leaderboard.
type PayerSummary struct {
	FromAddress       string          `json:"from_address"`
	PaymentCount      int64           `json:"payment_count"`
	TotalSpentUSDC    decimal.Decimal `json:"total_spent_usdc"`
	TotalRequestsUsed int64           `json:"total_requests_used"`
	LastPaymentAt     time.Time       `json:"last_payment_at"`
}

// Store is the durable backend for payments, tokens, and usage. Postgres
// backs production; the in-memory store backs tests and development.
type Store interface {
	// UpsertPayment inserts a payment keyed by tx_hash. If a record for
	// the hash already exists the stored record is returned unchanged and
	// created is false. Two concurrent calls for the same hash yield one
	// record.
	UpsertPayment(ctx context.Context, p Payment) (stored Payment, created bool, err error)

	// PaymentByID returns a payment or ErrPaymentNotFound.
	PaymentByID(ctx context.Context, id int64) (Payment, error)

	// PaymentByTxHash returns a payment or ErrPaymentNotFound.
	PaymentByTxHash(ctx context.Context, txHash string) (Payment, error)

	// ConsumeRequest atomically increments requests_used if allocation
	// remains, flipping status to used when the last request is consumed.
	// Returns ErrTokenExpiredOrExhausted when nothing remains.
	ConsumeRequest(ctx context.Context, paymentID int64) (Payment, error)

	// InsertToken stores a hashed token.
	InsertToken(ctx context.Context, t Token) error

	// ResolveToken returns the payment behind an unexpired token hash,
	// updating the token's last_used_at. Unknown or expired hashes, and
	// tokens whose payment is no longer verified, return
	// ErrTokenExpiredOrExhausted.
	ResolveToken(ctx context.Context, tokenHash string) (Payment, error)

	// InsertUsage appends a usage record.
	InsertUsage(ctx context.Context, u Usage) error

	// SweepExpired marks expired verified payments and deletes expired
	// tokens, returning the number of payments flipped.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats aggregates verified payments per the query.
	Stats(ctx context.Context, q StatsQuery) (Stats, error)

	// TopPayers ranks payers by total spend across verified and used
	// payments.
	TopPayers(ctx context.Context, limit int) ([]PayerSummary, error)

	// ActivePayments lists payments that can still authorize requests,
	// newest first.
	ActivePayments(ctx context.Context, limit int) ([]Payment, error)

	// Close releases the backing resources.
	Close() error
}
