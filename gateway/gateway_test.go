package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/cache"
	"github.com/mizuki-tamaki/kamiyo-payai/encoding"
	"github.com/mizuki-tamaki/kamiyo-payai/facilitator"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
	"github.com/mizuki-tamaki/kamiyo-payai/risk"
	"github.com/mizuki-tamaki/kamiyo-payai/verifier"
)

const (
	testPayer = "0x2222222222222222222222222222222222222222"
	testPayee = "0x1111111111111111111111111111111111111111"
)

type fakeVerifier struct {
	result verifier.Result
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, txHash, chain string, expected *decimal.Decimal) verifier.Result {
	f.calls++
	return f.result
}

func (f *fakeVerifier) SupportedChains() []string {
	return []string{x402.ChainBase, x402.ChainEthereum, x402.ChainSolana}
}

func (f *fakeVerifier) ReceivingAddress(chain string) string { return testPayee }

type fakeScorer struct {
	score risk.Score
}

func (f *fakeScorer) ScorePayment(ctx context.Context, p risk.Payment) risk.Score {
	return f.score
}

type fakeFacilitator struct {
	verify    x402.VerifyResponse
	verifyErr error
	settle    x402.SettleResponse
	settleErr error
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	resp := f.verify
	return &resp, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirement) (*x402.SettleResponse, error) {
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	resp := f.settle
	return &resp, nil
}

func (f *fakeFacilitator) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{}, nil
}

func testConfig() x402.Config {
	return x402.Config{
		BasePaymentAddress:     testPayee,
		EthereumPaymentAddress: testPayee,
		SolanaPaymentAddress:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		PricePerCall:           decimal.RequireFromString("0.001"),
		RequestsPerDollar:      1000,
		MinPayment:             decimal.RequireFromString("0.10"),
		TokenExpiry:            24 * time.Hour,
		RejectThreshold:        0.8,
		FacilitatorURL:         "https://facilitator.example.com",
	}
}

func validResult() verifier.Result {
	ts := time.Now().Add(-time.Hour)
	return verifier.Result{
		Valid:         true,
		TxHash:        "0xabc",
		Chain:         x402.ChainBase,
		Amount:        decimal.RequireFromString("5"),
		Payer:         testPayer,
		Payee:         testPayee,
		BlockHeight:   100,
		Confirmations: 10,
		Timestamp:     &ts,
	}
}

func newTestGateway(v ChainVerifier, fac *fakeFacilitator, cfg x402.Config) (*Gateway, *ledger.Ledger) {
	l := ledger.New(ledger.NewMemoryStore(), cfg, zap.NewNop())
	g := New(cfg, v, &fakeScorer{score: risk.Score{Score: 0.1}}, l, facOrNil(fac), cache.NewMemoryCache(time.Minute), nil, zap.NewNop())
	return g, l
}

func facOrNil(f *fakeFacilitator) facilitator.Interface {
	if f == nil {
		return nil
	}
	return f
}

func paymentHeader(t *testing.T, network string) string {
	t.Helper()
	encoded, err := encoding.EncodePayment(x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      "exact",
		Network:     network,
		Payload:     map[string]interface{}{"authorization": map[string]interface{}{"from": testPayer}},
	})
	require.NoError(t, err)
	return encoded
}

func TestAuthorizeOnChain(t *testing.T) {
	v := &fakeVerifier{result: validResult()}
	g, _ := newTestGateway(v, nil, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		Endpoint: "/api/data",
		TxHash:   "0xabc",
		Chain:    x402.ChainBase,
	})
	require.NoError(t, err)

	assert.True(t, auth.Valid)
	assert.Equal(t, TierOnChain, auth.PaymentType)
	assert.Equal(t, testPayer, auth.Payer)
	assert.Equal(t, int64(5000), auth.RequestsRemaining)
}

func TestAuthorizeOnChainVerificationFailure(t *testing.T) {
	v := &fakeVerifier{result: verifier.Result{
		Valid:     false,
		Reason:    "Transaction not found on base",
		RiskScore: 1.0,
		Err:       x402.ErrTransactionNotFound,
	}}
	g, _ := newTestGateway(v, nil, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		TxHash: "0xmissing",
		Chain:  x402.ChainBase,
	})
	require.NoError(t, err)

	assert.False(t, auth.Valid)
	assert.Contains(t, auth.Error, "Transaction not found on base")
	assert.Equal(t, 1.0, auth.RiskScore)
}

func TestAuthorizeOnChainIdempotentAllocation(t *testing.T) {
	v := &fakeVerifier{result: validResult()}
	cfg := testConfig()
	g, _ := newTestGateway(v, nil, cfg)
	ctx := context.Background()

	req := Request{TxHash: "0xabc", Chain: x402.ChainBase}
	first, err := g.Authorize(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Valid)

	// Burn the whole allocation.
	for i := int64(0); i < first.RequestsRemaining; i++ {
		require.NoError(t, g.RecordUsage(ctx, ledger.Usage{
			PaymentID: first.PaymentID, Endpoint: "/api/data", Method: "GET", StatusCode: 200,
		}))
	}

	// Re-presenting the same transaction must not mint a new allocation.
	second, err := g.Authorize(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Contains(t, second.Error, "used")
}

func TestAuthorizeOnChainCachesVerification(t *testing.T) {
	v := &fakeVerifier{result: validResult()}
	g, _ := newTestGateway(v, nil, testConfig())
	ctx := context.Background()

	req := Request{TxHash: "0xabc", Chain: x402.ChainBase}
	_, err := g.Authorize(ctx, req)
	require.NoError(t, err)
	_, err = g.Authorize(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, v.calls)
}

func TestAuthorizeHighRiskPolicy(t *testing.T) {
	highRisk := risk.Score{Score: 0.9, IsHighRisk: true, Reason: "High risk: Insufficient confirmations (score: 0.90)"}

	t.Run("flagged but accepted by default", func(t *testing.T) {
		cfg := testConfig()
		l := ledger.New(ledger.NewMemoryStore(), cfg, zap.NewNop())
		g := New(cfg, &fakeVerifier{result: validResult()}, &fakeScorer{score: highRisk}, l, nil, cache.Noop{}, nil, zap.NewNop())

		auth, err := g.Authorize(context.Background(), Request{TxHash: "0xabc", Chain: x402.ChainBase})
		require.NoError(t, err)
		assert.True(t, auth.Valid)
		assert.Equal(t, 0.9, auth.RiskScore)
	})

	t.Run("rejected when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.RejectHighRisk = true
		l := ledger.New(ledger.NewMemoryStore(), cfg, zap.NewNop())
		g := New(cfg, &fakeVerifier{result: validResult()}, &fakeScorer{score: highRisk}, l, nil, cache.Noop{}, nil, zap.NewNop())

		auth, err := g.Authorize(context.Background(), Request{TxHash: "0xabc", Chain: x402.ChainBase})
		require.NoError(t, err)
		assert.False(t, auth.Valid)
	})
}

func TestAuthorizeFacilitator(t *testing.T) {
	fac := &fakeFacilitator{
		verify: x402.VerifyResponse{IsValid: true, Payer: testPayer},
		settle: x402.SettleResponse{Success: true, Payer: testPayer, Transaction: "0xsettled", Network: x402.ChainBase},
	}
	g, l := newTestGateway(&fakeVerifier{}, fac, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		Endpoint:      "/api/data",
		PaymentHeader: paymentHeader(t, x402.ChainBase),
	})
	require.NoError(t, err)

	require.True(t, auth.Valid, "error: %s", auth.Error)
	assert.Equal(t, TierFacilitator, auth.PaymentType)
	assert.Equal(t, "0xsettled", auth.Transaction)

	recorded, err := l.PaymentByTxHash(context.Background(), "0xsettled")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), recorded.Confirmations)
	assert.Equal(t, uint64(0), recorded.BlockNumber)
}

func TestAuthorizeSettleFailureReasonSurfaced(t *testing.T) {
	fac := &fakeFacilitator{
		verify: x402.VerifyResponse{IsValid: true, Payer: testPayer},
		settle: x402.SettleResponse{Success: false, ErrorReason: "insufficient allowance for transferWithAuthorization"},
	}
	g, _ := newTestGateway(&fakeVerifier{}, fac, testConfig())

	// No on-chain or token credentials: the settlement failure is the
	// caller's answer, not a generic denial.
	auth, err := g.Authorize(context.Background(), Request{
		Endpoint:      "/api/data",
		PaymentHeader: paymentHeader(t, x402.ChainBase),
	})
	require.NoError(t, err)

	assert.False(t, auth.Valid)
	assert.Contains(t, auth.Error, "insufficient allowance")
}

func TestAuthorizeFacilitatorFallsThroughToOnChain(t *testing.T) {
	fac := &fakeFacilitator{
		verify: x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"},
	}
	v := &fakeVerifier{result: validResult()}
	g, _ := newTestGateway(v, fac, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		Endpoint:      "/api/data",
		PaymentHeader: paymentHeader(t, x402.ChainBase),
		TxHash:        "0xabc",
		Chain:         x402.ChainBase,
	})
	require.NoError(t, err)

	assert.True(t, auth.Valid)
	assert.Equal(t, TierOnChain, auth.PaymentType)
}

func TestAuthorizeFacilitatorUnreachableFallsThrough(t *testing.T) {
	fac := &fakeFacilitator{verifyErr: errors.New("connection refused")}
	v := &fakeVerifier{result: validResult()}
	g, _ := newTestGateway(v, fac, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		Endpoint:      "/api/data",
		PaymentHeader: paymentHeader(t, x402.ChainBase),
		TxHash:        "0xabc",
		Chain:         x402.ChainBase,
	})
	require.NoError(t, err)

	assert.True(t, auth.Valid)
	assert.Equal(t, TierOnChain, auth.PaymentType)
}

func TestAuthorizeFacilitatorTakesPriority(t *testing.T) {
	fac := &fakeFacilitator{
		verify: x402.VerifyResponse{IsValid: true, Payer: testPayer},
		settle: x402.SettleResponse{Success: true, Payer: testPayer, Transaction: "0xsettled", Network: x402.ChainBase},
	}
	v := &fakeVerifier{result: validResult()}
	g, _ := newTestGateway(v, fac, testConfig())

	auth, err := g.Authorize(context.Background(), Request{
		Endpoint:      "/api/data",
		PaymentHeader: paymentHeader(t, x402.ChainBase),
		TxHash:        "0xabc",
		Chain:         x402.ChainBase,
	})
	require.NoError(t, err)

	assert.Equal(t, TierFacilitator, auth.PaymentType)
	assert.Zero(t, v.calls)
}

func TestAuthorizeToken(t *testing.T) {
	v := &fakeVerifier{result: validResult()}
	g, l := newTestGateway(v, nil, testConfig())
	ctx := context.Background()

	auth, err := g.Authorize(ctx, Request{TxHash: "0xabc", Chain: x402.ChainBase})
	require.NoError(t, err)
	raw, err := l.MintToken(ctx, auth.PaymentID)
	require.NoError(t, err)

	tokenAuth, err := g.Authorize(ctx, Request{Token: raw})
	require.NoError(t, err)

	assert.True(t, tokenAuth.Valid)
	assert.Equal(t, TierToken, tokenAuth.PaymentType)
	assert.Equal(t, auth.PaymentID, tokenAuth.PaymentID)
}

func TestAuthorizeUnknownToken(t *testing.T) {
	g, _ := newTestGateway(&fakeVerifier{}, nil, testConfig())

	auth, err := g.Authorize(context.Background(), Request{Token: "never-minted"})
	require.NoError(t, err)

	assert.False(t, auth.Valid)
}

func TestAuthorizeNoCredentials(t *testing.T) {
	g, _ := newTestGateway(&fakeVerifier{}, nil, testConfig())

	auth, err := g.Authorize(context.Background(), Request{Endpoint: "/api/data"})
	require.NoError(t, err)

	assert.False(t, auth.Valid)
	assert.Equal(t, "No valid payment authorization found", auth.Error)
}

func TestBuild402(t *testing.T) {
	fac := &fakeFacilitator{}
	g, _ := newTestGateway(&fakeVerifier{}, fac, testConfig())

	resp := g.Build402("/api/data", decimal.RequireFromString("0.01"))

	assert.Equal(t, x402.X402Version, resp.X402Version)
	require.Len(t, resp.Accepts, 3)
	for _, req := range resp.Accepts {
		assert.Equal(t, "exact", req.Scheme)
		assert.Equal(t, "10000", req.MaxAmountRequired)
		assert.Equal(t, "/api/data", req.Resource)
		assert.NotEmpty(t, req.PayTo)
	}

	require.Len(t, resp.PaymentOptions, 2)
	assert.Equal(t, "facilitator", resp.PaymentOptions[0].Type)
	assert.Equal(t, 1, resp.PaymentOptions[0].Priority)
	assert.True(t, resp.PaymentOptions[0].Recommended)
	assert.Equal(t, "direct_transfer", resp.PaymentOptions[1].Type)
	assert.Equal(t, 2, resp.PaymentOptions[1].Priority)
	assert.False(t, resp.PaymentOptions[1].Recommended)
	assert.Len(t, resp.PaymentOptions[1].PaymentAddresses, 3)
}

func TestBuild402WithoutFacilitator(t *testing.T) {
	g, _ := newTestGateway(&fakeVerifier{}, nil, testConfig())

	resp := g.Build402("/api/data", decimal.RequireFromString("0.01"))

	require.Len(t, resp.PaymentOptions, 1)
	assert.Equal(t, "direct_transfer", resp.PaymentOptions[0].Type)
	assert.Equal(t, 1, resp.PaymentOptions[0].Priority)
	assert.True(t, resp.PaymentOptions[0].Recommended)
}
