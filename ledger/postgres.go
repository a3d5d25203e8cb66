package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// schema is applied at startup. Idempotent, so restarts are safe.
const schema = `
CREATE TABLE IF NOT EXISTS x402_payments (
	id                 BIGSERIAL PRIMARY KEY,
	tx_hash            VARCHAR(255) NOT NULL UNIQUE,
	chain              VARCHAR(50) NOT NULL,
	amount_usdc        NUMERIC(18,6) NOT NULL,
	from_address       VARCHAR(255) NOT NULL,
	to_address         VARCHAR(255) NOT NULL,
	block_number       BIGINT NOT NULL,
	confirmations      BIGINT NOT NULL,
	status             VARCHAR(50) NOT NULL,
	risk_score         NUMERIC(3,2) NOT NULL DEFAULT 0.1,
	requests_allocated BIGINT NOT NULL,
	requests_used      BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	verified_at        TIMESTAMPTZ,
	expires_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_x402_payments_chain ON x402_payments (chain);
CREATE INDEX IF NOT EXISTS idx_x402_payments_from ON x402_payments (from_address);
CREATE INDEX IF NOT EXISTS idx_x402_payments_status ON x402_payments (status);
CREATE INDEX IF NOT EXISTS idx_x402_payments_created ON x402_payments (created_at);
CREATE INDEX IF NOT EXISTS idx_x402_payments_expires ON x402_payments (expires_at);

CREATE TABLE IF NOT EXISTS x402_tokens (
	id           BIGSERIAL PRIMARY KEY,
	token_hash   VARCHAR(64) NOT NULL UNIQUE,
	payment_id   BIGINT NOT NULL REFERENCES x402_payments(id) ON DELETE CASCADE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_x402_tokens_payment ON x402_tokens (payment_id);
CREATE INDEX IF NOT EXISTS idx_x402_tokens_expires ON x402_tokens (expires_at);

CREATE TABLE IF NOT EXISTS x402_usage (
	id               BIGSERIAL PRIMARY KEY,
	payment_id       BIGINT NOT NULL REFERENCES x402_payments(id) ON DELETE CASCADE,
	endpoint         VARCHAR(255) NOT NULL,
	method           VARCHAR(10) NOT NULL,
	status_code      INTEGER NOT NULL,
	response_time_ms BIGINT,
	ip_address       VARCHAR(45),
	user_agent       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_x402_usage_payment ON x402_usage (payment_id);
CREATE INDEX IF NOT EXISTS idx_x402_usage_endpoint ON x402_usage (endpoint);
CREATE INDEX IF NOT EXISTS idx_x402_usage_created ON x402_usage (created_at);
`

const paymentColumns = `id, tx_hash, chain, amount_usdc, from_address, to_address,
	block_number, confirmations, status, risk_score, requests_allocated,
	requests_used, created_at, verified_at, expires_at, updated_at`

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the database, verifies connectivity, and applies
// the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable, for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) UpsertPayment(ctx context.Context, p Payment) (Payment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO x402_payments (
			tx_hash, chain, amount_usdc, from_address, to_address,
			block_number, confirmations, status, risk_score,
			requests_allocated, requests_used, created_at, verified_at,
			expires_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0,$11,$12,$13,$11)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING `+paymentColumns,
		p.TxHash, p.Chain, p.AmountUSDC.String(), p.FromAddress, p.ToAddress,
		int64(p.BlockNumber), int64(p.Confirmations), p.Status, p.RiskScore,
		p.RequestsAllocated, p.CreatedAt, p.VerifiedAt, p.ExpiresAt)

	stored, err := scanPayment(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Payment{}, false, fmt.Errorf("insert payment: %w", err)
	}

	// Conflict: another writer got there first. The stored record wins.
	stored, err = s.PaymentByTxHash(ctx, p.TxHash)
	if err != nil {
		return Payment{}, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) PaymentByID(ctx context.Context, id int64) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM x402_payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: id %d", x402.ErrPaymentNotFound, id)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) PaymentByTxHash(ctx context.Context, txHash string) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM x402_payments WHERE tx_hash = $1`, txHash)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: tx %s", x402.ErrPaymentNotFound, txHash)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ConsumeRequest(ctx context.Context, paymentID int64) (Payment, error) {
	// Single compare-and-increment so two concurrent consumers can never
	// both take the last request.
	row := s.db.QueryRowContext(ctx, `
		UPDATE x402_payments
		SET requests_used = requests_used + 1,
		    status = CASE WHEN requests_used + 1 >= requests_allocated
		             THEN 'used' ELSE status END,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'verified'
		  AND requests_used < requests_allocated
		RETURNING `+paymentColumns, paymentID)

	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.PaymentByID(ctx, paymentID); lookupErr != nil {
			return Payment{}, lookupErr
		}
		return Payment{}, fmt.Errorf("%w: payment %d", x402.ErrTokenExpiredOrExhausted, paymentID)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("consume request: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) InsertToken(ctx context.Context, t Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO x402_tokens (token_hash, payment_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)`,
		t.TokenHash, t.PaymentID, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveToken(ctx context.Context, tokenHash string) (Payment, error) {
	// A token resolves only while its owning payment is still verified;
	// used and expired payments prohibit use even if the token's own
	// expiry has not passed.
	var paymentID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE x402_tokens t
		SET last_used_at = now()
		FROM x402_payments p
		WHERE t.token_hash = $1 AND t.expires_at > now()
		  AND p.id = t.payment_id AND p.status = 'verified'
		RETURNING t.payment_id`, tokenHash).Scan(&paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, fmt.Errorf("%w: unknown or expired token", x402.ErrTokenExpiredOrExhausted)
	}
	if err != nil {
		return Payment{}, fmt.Errorf("resolve token: %w", err)
	}
	return s.PaymentByID(ctx, paymentID)
}

func (s *PostgresStore) InsertUsage(ctx context.Context, u Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO x402_usage (
			payment_id, endpoint, method, status_code,
			response_time_ms, ip_address, user_agent, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.PaymentID, u.Endpoint, u.Method, u.StatusCode,
		u.ResponseTimeMS, nullString(u.IPAddress), nullString(u.UserAgent), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE x402_payments
		SET status = 'expired', updated_at = $1
		WHERE status = 'verified' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire payments: %w", err)
	}
	expired, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM x402_tokens WHERE expires_at < $1`, now); err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return expired, nil
}

func (s *PostgresStore) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	window := q.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-window)

	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(amount_usdc), 0),
		       COALESCE(SUM(requests_allocated), 0),
		       COALESCE(SUM(requests_used), 0),
		       COUNT(DISTINCT from_address),
		       COALESCE(AVG(amount_usdc), 0)
		FROM x402_payments
		WHERE created_at >= $1 AND status = 'verified'`
	args := []interface{}{cutoff}

	if q.FromAddress != "" {
		args = append(args, q.FromAddress)
		query += fmt.Sprintf(" AND from_address = $%d", len(args))
	}
	if q.Chain != "" {
		args = append(args, q.Chain)
		query += fmt.Sprintf(" AND chain = $%d", len(args))
	}

	var st Stats
	var total, avg string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.TotalPayments, &total, &st.TotalRequestsAllocated,
		&st.TotalRequestsUsed, &st.UniquePayers, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	if st.TotalAmountUSDC, err = decimal.NewFromString(total); err != nil {
		return Stats{}, fmt.Errorf("parse total amount: %w", err)
	}
	if st.AveragePaymentUSDC, err = decimal.NewFromString(avg); err != nil {
		return Stats{}, fmt.Errorf("parse average amount: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) TopPayers(ctx context.Context, limit int) ([]PayerSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_address,
		       COUNT(*),
		       COALESCE(SUM(amount_usdc), 0),
		       COALESCE(SUM(requests_used), 0),
		       MAX(created_at)
		FROM x402_payments
		WHERE status IN ('verified', 'used')
		GROUP BY from_address
		ORDER BY SUM(amount_usdc) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top payers: %w", err)
	}
	defer rows.Close()

	var payers []PayerSummary
	for rows.Next() {
		var p PayerSummary
		var spent string
		if err := rows.Scan(&p.FromAddress, &p.PaymentCount, &spent,
			&p.TotalRequestsUsed, &p.LastPaymentAt); err != nil {
			return nil, fmt.Errorf("scan payer: %w", err)
		}
		if p.TotalSpentUSDC, err = decimal.NewFromString(spent); err != nil {
			return nil, fmt.Errorf("parse spent amount: %w", err)
		}
		payers = append(payers, p)
	}
	return payers, rows.Err()
}

func (s *PostgresStore) ActivePayments(ctx context.Context, limit int) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM x402_payments
		WHERE status = 'verified'
		  AND expires_at > now()
		  AND requests_allocated > requests_used
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query active payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row scanner) (Payment, error) {
	var p Payment
	var amount string
	var blockNumber, confirmations int64
	var verifiedAt sql.NullTime

	err := row.Scan(&p.ID, &p.TxHash, &p.Chain, &amount, &p.FromAddress,
		&p.ToAddress, &blockNumber, &confirmations, &p.Status, &p.RiskScore,
		&p.RequestsAllocated, &p.RequestsUsed, &p.CreatedAt, &verifiedAt,
		&p.ExpiresAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}

	if p.AmountUSDC, err = decimal.NewFromString(amount); err != nil {
		return Payment{}, fmt.Errorf("parse amount: %w", err)
	}
	p.BlockNumber = uint64(blockNumber)
	p.Confirmations = uint64(confirmations)
	if verifiedAt.Valid {
		t := verifiedAt.Time
		p.VerifiedAt = &t
	}
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
