package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

func testLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	cfg := x402.Config{
		RequestsPerDollar: 1000,
		TokenExpiry:       24 * time.Hour,
	}
	return New(store, cfg, zap.NewNop()), store
}

func testRecord(txHash string) PaymentRecord {
	return PaymentRecord{
		TxHash:        txHash,
		Chain:         x402.ChainBase,
		AmountUSDC:    decimal.RequireFromString("5"),
		FromAddress:   "0x2222222222222222222222222222222222222222",
		ToAddress:     "0x1111111111111111111111111111111111111111",
		BlockNumber:   100,
		Confirmations: 10,
		RiskScore:     0.1,
	}
}

func TestRecordPaymentAllocatesRequests(t *testing.T) {
	l, _ := testLedger()

	p, err := l.RecordPayment(context.Background(), testRecord("0xabc"))
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, p.Status)
	assert.Equal(t, int64(5000), p.RequestsAllocated)
	assert.Zero(t, p.RequestsUsed)
	require.NotNil(t, p.VerifiedAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), p.ExpiresAt, time.Minute)
}

func TestRecordPaymentFlooredAllocation(t *testing.T) {
	l, _ := testLedger()

	rec := testRecord("0xdef")
	rec.AmountUSDC = decimal.RequireFromString("0.1057")
	p, err := l.RecordPayment(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, int64(105), p.RequestsAllocated)
}

func TestRecordPaymentIdempotentOnTxHash(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()

	first, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)

	// A replay with a different amount must not create a second allocation.
	replay := testRecord("0xabc")
	replay.AmountUSDC = decimal.RequireFromString("999")
	second, err := l.RecordPayment(ctx, replay)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.AmountUSDC.Equal(first.AmountUSDC))
	assert.Equal(t, first.RequestsAllocated, second.RequestsAllocated)
}

func TestMintAndResolveToken(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()

	p, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)

	raw, err := l.MintToken(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	resolved, err := l.PaymentByToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, p.ID, resolved.ID)

	// Each mint yields a distinct token.
	raw2, err := l.MintToken(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
}

func TestMintTokenRequiresVerifiedPayment(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	p, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)

	store.payments[p.ID].Status = StatusExpired

	_, err = l.MintToken(ctx, p.ID)
	assert.ErrorIs(t, err, x402.ErrPaymentNotVerified)

	_, err = l.MintToken(ctx, 9999)
	assert.ErrorIs(t, err, x402.ErrPaymentNotFound)
}

func TestResolveUnknownToken(t *testing.T) {
	l, _ := testLedger()

	_, err := l.PaymentByToken(context.Background(), "never-minted")
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)
}

func TestResolveExpiredToken(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	p, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)

	raw, err := l.MintToken(ctx, p.ID)
	require.NoError(t, err)

	store.tokens[HashToken(raw)].ExpiresAt = time.Now().Add(-time.Minute)

	_, err = l.PaymentByToken(ctx, raw)
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)
}

func TestResolveTokenPaymentNoLongerActive(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	p, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)
	raw, err := l.MintToken(ctx, p.ID)
	require.NoError(t, err)

	_, err = l.PaymentByToken(ctx, raw)
	require.NoError(t, err)

	// The token itself is unexpired, but its owning payment no longer
	// permits use.
	store.payments[p.ID].Status = StatusUsed
	_, err = l.PaymentByToken(ctx, raw)
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)

	store.payments[p.ID].Status = StatusExpired
	_, err = l.PaymentByToken(ctx, raw)
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)
}

func TestRecordUsageConsumesAllocation(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	rec := testRecord("0xabc")
	rec.AmountUSDC = decimal.RequireFromString("0.002")
	p, err := l.RecordPayment(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(2), p.RequestsAllocated)

	after, err := l.RecordUsage(ctx, Usage{PaymentID: p.ID, Endpoint: "/api/data", Method: "GET", StatusCode: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.RequestsUsed)
	assert.Equal(t, StatusVerified, after.Status)

	after, err = l.RecordUsage(ctx, Usage{PaymentID: p.ID, Endpoint: "/api/data", Method: "GET", StatusCode: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.RequestsUsed)
	assert.Equal(t, StatusUsed, after.Status)

	_, err = l.RecordUsage(ctx, Usage{PaymentID: p.ID, Endpoint: "/api/data", Method: "GET", StatusCode: 200})
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)

	// The denied call is still audited: usage rows are independent of the
	// consume outcome.
	assert.Len(t, store.UsageRecords(), 3)
}

func TestConcurrentConsumptionNeverOversells(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()

	rec := testRecord("0xabc")
	rec.AmountUSDC = decimal.RequireFromString("0.01")
	p, err := l.RecordPayment(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(10), p.RequestsAllocated)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Store().ConsumeRequest(ctx, p.ID); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, granted)

	final, err := l.Store().PaymentByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), final.RequestsUsed)
	assert.Equal(t, StatusUsed, final.Status)
}

func TestSweepExpired(t *testing.T) {
	l, store := testLedger()
	ctx := context.Background()

	p, err := l.RecordPayment(ctx, testRecord("0xabc"))
	require.NoError(t, err)
	raw, err := l.MintToken(ctx, p.ID)
	require.NoError(t, err)

	fresh, err := l.RecordPayment(ctx, testRecord("0xdef"))
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	store.payments[p.ID].ExpiresAt = past
	store.tokens[HashToken(raw)].ExpiresAt = past

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := l.Store().PaymentByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	kept, err := l.Store().PaymentByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, kept.Status)

	_, err = l.PaymentByToken(ctx, raw)
	assert.ErrorIs(t, err, x402.ErrTokenExpiredOrExhausted)
}

func TestStats(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()

	_, err := l.RecordPayment(ctx, testRecord("0xaaa"))
	require.NoError(t, err)

	other := testRecord("0xbbb")
	other.FromAddress = "0x3333333333333333333333333333333333333333"
	other.Chain = x402.ChainEthereum
	other.AmountUSDC = decimal.RequireFromString("1")
	_, err = l.RecordPayment(ctx, other)
	require.NoError(t, err)

	stats, err := l.Stats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalPayments)
	assert.True(t, stats.TotalAmountUSDC.Equal(decimal.RequireFromString("6")))
	assert.Equal(t, int64(2), stats.UniquePayers)
	assert.True(t, stats.AveragePaymentUSDC.Equal(decimal.RequireFromString("3")))

	chainStats, err := l.Stats(ctx, StatsQuery{Chain: x402.ChainEthereum})
	require.NoError(t, err)
	assert.Equal(t, int64(1), chainStats.TotalPayments)
	assert.True(t, chainStats.TotalAmountUSDC.Equal(decimal.RequireFromString("1")))
}

func TestTopPayers(t *testing.T) {
	l, _ := testLedger()
	ctx := context.Background()

	big := testRecord("0xaaa")
	big.FromAddress = "0xbig0000000000000000000000000000000000000"
	big.AmountUSDC = decimal.RequireFromString("100")
	_, err := l.RecordPayment(ctx, big)
	require.NoError(t, err)

	small := testRecord("0xbbb")
	small.FromAddress = "0xsmall00000000000000000000000000000000000"
	small.AmountUSDC = decimal.RequireFromString("1")
	_, err = l.RecordPayment(ctx, small)
	require.NoError(t, err)

	payers, err := l.TopPayers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, payers, 2)
	assert.Equal(t, big.FromAddress, payers[0].FromAddress)
	assert.True(t, payers[0].TotalSpentUSDC.Equal(decimal.RequireFromString("100")))
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}
