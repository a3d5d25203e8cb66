// Package gateway dispatches payment authorization across facilitators in
// strict priority order: hosted facilitator first, native on-chain
// verification second, previously minted access tokens last. Each tier
// falls through to the next on failure; only when every tier misses is the
// request unauthorized.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/cache"
	"github.com/mizuki-tamaki/kamiyo-payai/encoding"
	"github.com/mizuki-tamaki/kamiyo-payai/facilitator"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
	"github.com/mizuki-tamaki/kamiyo-payai/risk"
	"github.com/mizuki-tamaki/kamiyo-payai/verifier"
)

// Payment header names. Lowercased; HTTP header lookup is case-insensitive.
const (
	HeaderPayment      = "x-payment"
	HeaderPaymentTx    = "x-payment-tx"
	HeaderPaymentChain = "x-payment-chain"
	HeaderPaymentToken = "x-payment-token"
)

// Authorization tier names, recorded in results and analytics.
const (
	TierFacilitator = "facilitator"
	TierOnChain     = "onchain"
	TierToken       = "token"
)

// ChainVerifier is the on-chain verification dependency.
type ChainVerifier interface {
	Verify(ctx context.Context, txHash, chain string, expectedAmount *decimal.Decimal) verifier.Result
	SupportedChains() []string
	ReceivingAddress(chain string) string
}

// RiskScorer refines the risk score of a verified payment.
type RiskScorer interface {
	ScorePayment(ctx context.Context, p risk.Payment) risk.Score
}

// Request carries the payment credentials extracted from an HTTP request.
// A request may carry credentials for several tiers at once; dispatch order
// decides which wins.
type Request struct {
	Endpoint       string
	Method         string
	PaymentHeader  string // X-PAYMENT: signed facilitator authorization
	TxHash         string // x-payment-tx: native on-chain payment
	Chain          string // x-payment-chain: chain for TxHash
	Token          string // x-payment-token: previously minted access token
	ClientIP       string
	UserAgent      string
}

// Authorization is the outcome of dispatching a Request.
type Authorization struct {
	Valid             bool            `json:"is_valid"`
	PaymentID         int64           `json:"payment_id,omitempty"`
	PaymentType       string          `json:"payment_type,omitempty"`
	Payer             string          `json:"payer,omitempty"`
	Transaction       string          `json:"transaction,omitempty"`
	Network           string          `json:"network,omitempty"`
	AmountUSDC        decimal.Decimal `json:"amount_usdc,omitempty"`
	RequestsRemaining int64           `json:"requests_remaining,omitempty"`
	RiskScore         float64         `json:"risk_score,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Gateway composes the verification tiers. All dependencies are injected;
// the gateway itself holds no HTTP state.
type Gateway struct {
	cfg         x402.Config
	verifier    ChainVerifier
	scorer      RiskScorer
	ledger      *ledger.Ledger
	facilitator facilitator.Interface
	cache       cache.Cache
	analytics   *Analytics
	log         *zap.Logger
}

// New builds a Gateway. A nil facilitator disables the facilitator tier; a
// nil cache disables verification caching; a nil analytics sink is allowed.
func New(cfg x402.Config, v ChainVerifier, scorer RiskScorer, l *ledger.Ledger,
	fac facilitator.Interface, c cache.Cache, analytics *Analytics, log *zap.Logger) *Gateway {

	if log == nil {
		log = zap.NewNop()
	}
	if c == nil {
		c = cache.Noop{}
	}
	return &Gateway{
		cfg:         cfg,
		verifier:    v,
		scorer:      scorer,
		ledger:      l,
		facilitator: fac,
		cache:       c,
		analytics:   analytics,
		log:         log,
	}
}

// Authorize tries each tier in priority order. A tier is attempted only
// when its credentials are present; a failed tier logs and falls through.
// When every attempted tier fails, the last tier's failure reason is
// returned so the caller sees why its best credential was rejected; the
// generic message is reserved for requests carrying no credentials at all.
// The returned error is reserved for infrastructure faults that make the
// authorization decision itself impossible.
func (g *Gateway) Authorize(ctx context.Context, req Request) (Authorization, error) {
	var denial *Authorization

	if req.PaymentHeader != "" && g.facilitator != nil {
		start := time.Now()
		auth := g.authorizeFacilitator(ctx, req)
		g.analytics.RecordAttempt(req.Endpoint, TierFacilitator, auth.Valid, time.Since(start), auth.AmountUSDC)
		if auth.Valid {
			g.log.Info("facilitator payment verified",
				zap.String("payer", auth.Payer), zap.String("endpoint", req.Endpoint))
			return auth, nil
		}
		g.log.Debug("facilitator tier failed, falling through", zap.String("error", auth.Error))
		denial = &auth
	}

	if req.TxHash != "" && req.Chain != "" {
		start := time.Now()
		auth, err := g.authorizeOnChain(ctx, req)
		if err != nil {
			return Authorization{}, err
		}
		g.analytics.RecordAttempt(req.Endpoint, TierOnChain, auth.Valid, time.Since(start), auth.AmountUSDC)
		if auth.Valid {
			g.log.Info("on-chain payment verified",
				zap.String("payer", auth.Payer), zap.String("tx_hash", req.TxHash))
			return auth, nil
		}
		g.log.Debug("on-chain tier failed, falling through", zap.String("error", auth.Error))
		denial = &auth
	}

	if req.Token != "" {
		auth, err := g.authorizeToken(ctx, req)
		if err != nil {
			return Authorization{}, err
		}
		if auth.Valid {
			g.log.Info("payment token verified", zap.Int64("payment_id", auth.PaymentID))
			return auth, nil
		}
		g.log.Debug("token tier failed", zap.String("error", auth.Error))
		denial = &auth
	}

	if denial != nil {
		denial.Valid = false
		return *denial, nil
	}
	return Authorization{Valid: false, Error: "No valid payment authorization found"}, nil
}

// authorizeFacilitator verifies and settles a signed payment authorization
// through the hosted facilitator, then books the settled transaction into
// the ledger. Facilitator-settled payments are recorded with nominal
// confirmation depth: the facilitator owns confirmation tracking.
func (g *Gateway) authorizeFacilitator(ctx context.Context, req Request) Authorization {
	payload, err := encoding.DecodePayment(req.PaymentHeader)
	if err != nil {
		return Authorization{Error: fmt.Sprintf("malformed payment header: %v", err)}
	}

	price := g.cfg.PriceFor(req.Endpoint)
	requirement, err := g.buildRequirement(req.Endpoint, payload.Network, price)
	if err != nil {
		return Authorization{Error: err.Error()}
	}

	verifyResp, err := g.facilitator.Verify(ctx, payload, requirement)
	if err != nil {
		return Authorization{Error: fmt.Sprintf("facilitator verify failed: %v", err)}
	}
	if !verifyResp.IsValid {
		reason := verifyResp.InvalidReason
		if reason == "" {
			reason = "facilitator rejected payment"
		}
		return Authorization{Error: reason}
	}

	settleResp, err := g.facilitator.Settle(ctx, payload, requirement)
	if err != nil {
		return Authorization{Error: fmt.Sprintf("facilitator settle failed: %v", err)}
	}
	if !settleResp.Success {
		reason := settleResp.ErrorReason
		if reason == "" {
			reason = "facilitator settlement failed"
		}
		return Authorization{Error: reason}
	}

	payment, err := g.ledger.RecordPayment(ctx, ledger.PaymentRecord{
		TxHash:        settleResp.Transaction,
		Chain:         settleResp.Network,
		AmountUSDC:    price,
		FromAddress:   settleResp.Payer,
		ToAddress:     requirement.PayTo,
		BlockNumber:   0,
		Confirmations: 1,
		RiskScore:     0.1,
	})
	if err != nil {
		return Authorization{Error: fmt.Sprintf("failed to record settled payment: %v", err)}
	}

	return Authorization{
		Valid:             true,
		PaymentID:         payment.ID,
		PaymentType:       TierFacilitator,
		Payer:             settleResp.Payer,
		Transaction:       settleResp.Transaction,
		Network:           settleResp.Network,
		AmountUSDC:        price,
		RequestsRemaining: payment.RequestsRemaining(),
		RiskScore:         payment.RiskScore,
	}
}

// authorizeOnChain verifies a direct USDC transfer, refines its risk
// score, and books it into the ledger. The booking is idempotent on
// tx_hash, so re-presenting the same transaction draws on the original
// allocation instead of minting a new one.
func (g *Gateway) authorizeOnChain(ctx context.Context, req Request) (Authorization, error) {
	res, cached := g.verifyWithCache(ctx, req.TxHash, req.Chain)
	if !res.Valid {
		return Authorization{Error: res.Reason, RiskScore: res.RiskScore}, nil
	}

	score := res.RiskScore
	if g.scorer != nil && !cached {
		assessment := g.scorer.ScorePayment(ctx, risk.Payment{
			TxHash:        res.TxHash,
			Chain:         res.Chain,
			Amount:        res.Amount,
			FromAddress:   res.Payer,
			ToAddress:     res.Payee,
			BlockHeight:   res.BlockHeight,
			Confirmations: res.Confirmations,
			Timestamp:     res.Timestamp,
		})
		score = assessment.Score
		if assessment.IsHighRisk && g.cfg.RejectHighRisk {
			return Authorization{Error: assessment.Reason, RiskScore: score}, nil
		}
	}

	payment, err := g.ledger.RecordPayment(ctx, ledger.PaymentRecord{
		TxHash:        res.TxHash,
		Chain:         res.Chain,
		AmountUSDC:    res.Amount,
		FromAddress:   res.Payer,
		ToAddress:     res.Payee,
		BlockNumber:   res.BlockHeight,
		Confirmations: res.Confirmations,
		RiskScore:     score,
	})
	if err != nil {
		return Authorization{}, err
	}

	if !payment.IsActive(time.Now().UTC()) {
		return Authorization{
			Error:     fmt.Sprintf("payment %s is %s with %d requests remaining", payment.TxHash, payment.Status, payment.RequestsRemaining()),
			RiskScore: payment.RiskScore,
		}, nil
	}

	return Authorization{
		Valid:             true,
		PaymentID:         payment.ID,
		PaymentType:       TierOnChain,
		Payer:             payment.FromAddress,
		Transaction:       payment.TxHash,
		Network:           payment.Chain,
		AmountUSDC:        payment.AmountUSDC,
		RequestsRemaining: payment.RequestsRemaining(),
		RiskScore:         payment.RiskScore,
	}, nil
}

// authorizeToken resolves a previously minted access token.
func (g *Gateway) authorizeToken(ctx context.Context, req Request) (Authorization, error) {
	payment, err := g.ledger.PaymentByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, x402.ErrTokenExpiredOrExhausted) || errors.Is(err, x402.ErrPaymentNotFound) {
			return Authorization{Error: err.Error()}, nil
		}
		return Authorization{}, err
	}

	if !payment.IsActive(time.Now().UTC()) {
		return Authorization{
			Error: fmt.Sprintf("payment %d is %s with %d requests remaining", payment.ID, payment.Status, payment.RequestsRemaining()),
		}, nil
	}

	return Authorization{
		Valid:             true,
		PaymentID:         payment.ID,
		PaymentType:       TierToken,
		Payer:             payment.FromAddress,
		Transaction:       payment.TxHash,
		Network:           payment.Chain,
		AmountUSDC:        payment.AmountUSDC,
		RequestsRemaining: payment.RequestsRemaining(),
		RiskScore:         payment.RiskScore,
	}, nil
}

// verifyWithCache checks the verification cache before hitting chain RPC.
// Only successful verifications are ever cached; failures must re-check
// the chain because confirmations accumulate over time.
func (g *Gateway) verifyWithCache(ctx context.Context, txHash, chain string) (verifier.Result, bool) {
	if v, ok := g.cache.GetVerification(ctx, chain, txHash); ok {
		return verifier.Result{
			Valid:         true,
			TxHash:        v.TxHash,
			Chain:         v.Chain,
			Amount:        v.Amount,
			Payer:         v.Payer,
			Payee:         v.Payee,
			BlockHeight:   v.BlockHeight,
			Confirmations: v.Confirmations,
			Timestamp:     v.Timestamp,
			RiskScore:     v.RiskScore,
		}, true
	}

	res := g.verifier.Verify(ctx, txHash, chain, nil)
	if res.Valid {
		g.cache.SetVerification(ctx, cache.Verification{
			TxHash:        res.TxHash,
			Chain:         res.Chain,
			Amount:        res.Amount,
			Payer:         res.Payer,
			Payee:         res.Payee,
			BlockHeight:   res.BlockHeight,
			Confirmations: res.Confirmations,
			Timestamp:     res.Timestamp,
			RiskScore:     res.RiskScore,
			VerifiedAt:    time.Now().UTC(),
		})
	}
	return res, false
}

// RecordUsage consumes one metered request and appends the usage record.
func (g *Gateway) RecordUsage(ctx context.Context, u ledger.Usage) error {
	_, err := g.ledger.RecordUsage(ctx, u)
	return err
}

// MintToken mints an access token for a verified payment.
func (g *Gateway) MintToken(ctx context.Context, paymentID int64) (string, error) {
	return g.ledger.MintToken(ctx, paymentID)
}

// Ledger exposes the ledger for operational endpoints.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }
