package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// MemoryStore is an in-memory Store for development and tests. It mirrors
// the Postgres store's semantics, including atomic consumption.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*Payment
	byHash   map[string]int64
	tokens   map[string]*Token
	usage    []Usage
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[int64]*Payment),
		byHash:   make(map[string]int64),
		tokens:   make(map[string]*Token),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) UpsertPayment(ctx context.Context, p Payment) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[p.TxHash]; ok {
		return *s.payments[id], false, nil
	}

	s.nextID++
	p.ID = s.nextID
	s.payments[p.ID] = &p
	s.byHash[p.TxHash] = p.ID
	return p, true, nil
}

func (s *MemoryStore) PaymentByID(ctx context.Context, id int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return Payment{}, fmt.Errorf("%w: id %d", x402.ErrPaymentNotFound, id)
	}
	return *p, nil
}

func (s *MemoryStore) PaymentByTxHash(ctx context.Context, txHash string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[txHash]
	if !ok {
		return Payment{}, fmt.Errorf("%w: tx %s", x402.ErrPaymentNotFound, txHash)
	}
	return *s.payments[id], nil
}

func (s *MemoryStore) ConsumeRequest(ctx context.Context, paymentID int64) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: id %d", x402.ErrPaymentNotFound, paymentID)
	}
	if p.Status != StatusVerified || p.RequestsUsed >= p.RequestsAllocated {
		return Payment{}, fmt.Errorf("%w: payment %d", x402.ErrTokenExpiredOrExhausted, paymentID)
	}

	p.RequestsUsed++
	if p.RequestsUsed >= p.RequestsAllocated {
		p.Status = StatusUsed
	}
	p.UpdatedAt = time.Now().UTC()
	return *p, nil
}

func (s *MemoryStore) InsertToken(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.TokenHash]; exists {
		return fmt.Errorf("token hash already exists")
	}
	s.tokens[t.TokenHash] = &t
	return nil
}

func (s *MemoryStore) ResolveToken(ctx context.Context, tokenHash string) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok || !t.ExpiresAt.After(time.Now().UTC()) {
		return Payment{}, fmt.Errorf("%w: unknown or expired token", x402.ErrTokenExpiredOrExhausted)
	}

	p, ok := s.payments[t.PaymentID]
	if !ok {
		return Payment{}, fmt.Errorf("%w: id %d", x402.ErrPaymentNotFound, t.PaymentID)
	}
	if p.Status != StatusVerified {
		return Payment{}, fmt.Errorf("%w: payment is %s", x402.ErrTokenExpiredOrExhausted, p.Status)
	}

	now := time.Now().UTC()
	t.LastUsedAt = &now
	return *p, nil
}

func (s *MemoryStore) InsertUsage(ctx context.Context, u Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.ID = int64(len(s.usage) + 1)
	s.usage = append(s.usage, u)
	return nil
}

// UsageRecords returns a copy of all recorded usage, oldest first.
func (s *MemoryStore) UsageRecords() []Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Usage, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, p := range s.payments {
		if p.Status == StatusVerified && p.ExpiresAt.Before(now) {
			p.Status = StatusExpired
			p.UpdatedAt = now
			expired++
		}
	}
	for hash, t := range s.tokens {
		if t.ExpiresAt.Before(now) {
			delete(s.tokens, hash)
		}
	}
	return expired, nil
}

func (s *MemoryStore) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := q.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-window)

	var st Stats
	st.TotalAmountUSDC = decimal.Zero
	payers := make(map[string]struct{})

	for _, p := range s.payments {
		if p.Status != StatusVerified || p.CreatedAt.Before(cutoff) {
			continue
		}
		if q.FromAddress != "" && p.FromAddress != q.FromAddress {
			continue
		}
		if q.Chain != "" && p.Chain != q.Chain {
			continue
		}
		st.TotalPayments++
		st.TotalAmountUSDC = st.TotalAmountUSDC.Add(p.AmountUSDC)
		st.TotalRequestsAllocated += p.RequestsAllocated
		st.TotalRequestsUsed += p.RequestsUsed
		payers[p.FromAddress] = struct{}{}
	}
	st.UniquePayers = int64(len(payers))
	if st.TotalPayments > 0 {
		st.AveragePaymentUSDC = st.TotalAmountUSDC.Div(decimal.NewFromInt(st.TotalPayments))
	} else {
		st.AveragePaymentUSDC = decimal.Zero
	}
	return st, nil
}

func (s *MemoryStore) TopPayers(ctx context.Context, limit int) ([]PayerSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPayer := make(map[string]*PayerSummary)
	for _, p := range s.payments {
		if p.Status != StatusVerified && p.Status != StatusUsed {
			continue
		}
		sum, ok := byPayer[p.FromAddress]
		if !ok {
			sum = &PayerSummary{FromAddress: p.FromAddress, TotalSpentUSDC: decimal.Zero}
			byPayer[p.FromAddress] = sum
		}
		sum.PaymentCount++
		sum.TotalSpentUSDC = sum.TotalSpentUSDC.Add(p.AmountUSDC)
		sum.TotalRequestsUsed += p.RequestsUsed
		if p.CreatedAt.After(sum.LastPaymentAt) {
			sum.LastPaymentAt = p.CreatedAt
		}
	}

	payers := make([]PayerSummary, 0, len(byPayer))
	for _, sum := range byPayer {
		payers = append(payers, *sum)
	}
	sort.Slice(payers, func(i, j int) bool {
		return payers[i].TotalSpentUSDC.GreaterThan(payers[j].TotalSpentUSDC)
	})
	if len(payers) > limit {
		payers = payers[:limit]
	}
	return payers, nil
}

func (s *MemoryStore) ActivePayments(ctx context.Context, limit int) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var payments []Payment
	for _, p := range s.payments {
		if p.IsActive(now) {
			payments = append(payments, *p)
		}
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreatedAt.After(payments[j].CreatedAt)
	})
	if len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}
