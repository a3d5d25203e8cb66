// Package risk scores verified payments on a 0.0 (safe) to 1.0 (risky)
// scale from a weighted blend of independent factors. Scoring refines an
// already-verified payment; it never substitutes for on-chain verification.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// Factor names as they appear in Score.Factors.
const (
	FactorAge               = "age"
	FactorConfirmations     = "confirmations"
	FactorAmount            = "amount"
	FactorChain             = "chain"
	FactorAddressReputation = "address_reputation"
	FactorExternalAPI       = "external_api"
)

// factorWeights blends the individual factors. Confirmation depth dominates
// because it is the hardest signal to fake.
var factorWeights = map[string]float64{
	FactorAge:               0.1,
	FactorConfirmations:     0.3,
	FactorAmount:            0.15,
	FactorChain:             0.15,
	FactorAddressReputation: 0.2,
	FactorExternalAPI:       0.1,
}

// baselineConfirmations is the per-chain depth at which the confirmation
// factor considers a payment adequately settled. This is a risk baseline,
// independent of the verifier's hard confirmation requirements.
var baselineConfirmations = map[string]uint64{
	x402.ChainBase:     1,
	x402.ChainEthereum: 3,
	x402.ChainSolana:   1,
}

// chainRisk reflects each network's settlement risk profile. Unlisted
// chains default to 0.25.
var chainRisk = map[string]float64{
	x402.ChainBase:     0.05,
	x402.ChainEthereum: 0.05,
	x402.ChainSolana:   0.15,
}

// Score is a computed risk assessment with its per-factor breakdown.
type Score struct {
	// Score is the weighted blend in [0,1].
	Score float64 `json:"score"`

	// Factors maps factor name to its raw sub-score.
	Factors map[string]float64 `json:"factors"`

	// Reason is a one-line explanation naming the dominant factor when the
	// payment is high risk.
	Reason string `json:"reason"`

	// IsHighRisk is true when Score is at or above the reject threshold.
	IsHighRisk bool `json:"is_high_risk"`
}

// Payment carries the verified payment attributes the scorer inspects.
type Payment struct {
	TxHash        string
	Chain         string
	Amount        decimal.Decimal
	FromAddress   string
	ToAddress     string
	BlockHeight   uint64
	Confirmations uint64
	Timestamp     *time.Time
}

// Scorer computes risk scores. Safe for concurrent use.
type Scorer struct {
	rejectThreshold float64
	externalURL     string
	externalKey     string
	httpClient      *http.Client
	log             *zap.Logger

	mu        sync.RWMutex
	blocklist map[string]struct{}
	allowlist map[string]struct{}
}

// NewScorer builds a Scorer from the gateway configuration. The external
// risk API factor is active only when both URL and key are set.
func NewScorer(cfg x402.Config, log *zap.Logger) *Scorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scorer{
		rejectThreshold: cfg.RejectThreshold,
		externalURL:     cfg.RiskAPIURL,
		externalKey:     cfg.RiskAPIKey,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
		log:             log,
		blocklist:       make(map[string]struct{}),
		allowlist:       make(map[string]struct{}),
	}
}

// Block adds an address to the blocklist. Blocked senders score 1.0 on the
// reputation factor.
func (s *Scorer) Block(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocklist[strings.ToLower(address)] = struct{}{}
}

// Allow adds an address to the allowlist. Allowed senders score 0.0 on the
// reputation factor.
func (s *Scorer) Allow(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowlist[strings.ToLower(address)] = struct{}{}
}

// ScorePayment computes the weighted risk score for a verified payment.
// External API failures degrade gracefully: the factor is omitted and the
// remaining weights are renormalized.
func (s *Scorer) ScorePayment(ctx context.Context, p Payment) Score {
	factors := map[string]float64{
		FactorAge:           scoreAge(p.Timestamp),
		FactorConfirmations: scoreConfirmations(p.Confirmations, p.Chain),
		FactorAmount:        scoreAmount(p.Amount),
		FactorChain:         scoreChain(p.Chain),
	}

	if rep, ok := s.scoreAddressReputation(p.FromAddress, p.Chain); ok {
		factors[FactorAddressReputation] = rep
	}

	if ext, ok := s.externalRiskScore(ctx, p.TxHash, p.Chain, p.FromAddress); ok {
		factors[FactorExternalAPI] = ext
	}

	total := weightedScore(factors)
	high := total >= s.rejectThreshold

	score := Score{
		Score:      total,
		Factors:    factors,
		Reason:     generateReason(factors, total, high),
		IsHighRisk: high,
	}

	if high {
		s.log.Warn("high risk payment",
			zap.String("tx_hash", p.TxHash),
			zap.String("chain", p.Chain),
			zap.Float64("score", total),
			zap.String("reason", score.Reason))
	}

	return score
}

// scoreAge scores transaction age. Newer transactions carry reorg risk.
func scoreAge(ts *time.Time) float64 {
	if ts == nil {
		return 0.3
	}
	age := time.Since(*ts)
	switch {
	case age < 5*time.Minute:
		return 0.4
	case age < 30*time.Minute:
		return 0.2
	case age < 24*time.Hour:
		return 0.1
	default:
		return 0.05
	}
}

func scoreConfirmations(confirmations uint64, chain string) float64 {
	required, ok := baselineConfirmations[chain]
	if !ok {
		required = 3
	}
	switch {
	case confirmations >= required*2:
		return 0.0
	case confirmations >= required:
		return 0.1
	case confirmations >= 1:
		return 0.3
	default:
		return 0.7
	}
}

// scoreAmount flags the extremes: dust payments look like probing, very
// large payments deserve a second look.
func scoreAmount(amount decimal.Decimal) float64 {
	v, _ := amount.Float64()
	switch {
	case v < 0.10:
		return 0.5
	case v < 1.0:
		return 0.1
	case v < 100.0:
		return 0.05
	case v < 1000.0:
		return 0.1
	default:
		return 0.3
	}
}

func scoreChain(chain string) float64 {
	if r, ok := chainRisk[chain]; ok {
		return r
	}
	return 0.25
}

// scoreAddressReputation checks address format and the local block/allow
// lists. Returns false when reputation cannot be assessed.
func (s *Scorer) scoreAddressReputation(address, chain string) (float64, bool) {
	if address == "" {
		return 0, false
	}

	if chain == x402.ChainSolana {
		if len(address) < 32 {
			return 0.5, true
		}
	} else {
		if !strings.HasPrefix(address, "0x") || len(address) != 42 {
			return 0.6, true
		}
	}

	key := strings.ToLower(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, bad := s.blocklist[key]; bad {
		return 1.0, true
	}
	if _, good := s.allowlist[key]; good {
		return 0.0, true
	}
	return 0.1, true
}

// externalRiskScore queries the configured external risk service. Any
// failure omits the factor rather than failing the assessment.
func (s *Scorer) externalRiskScore(ctx context.Context, txHash, chain, address string) (float64, bool) {
	if s.externalURL == "" || s.externalKey == "" {
		return 0, false
	}

	body, err := json.Marshal(map[string]string{
		"tx_hash": txHash,
		"chain":   chain,
		"address": address,
	})
	if err != nil {
		return 0, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.externalURL, bytes.NewReader(body))
	if err != nil {
		return 0, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.externalKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Error("external risk API request failed", zap.Error(err))
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("external risk API returned non-200", zap.Int("status", resp.StatusCode))
		return 0, false
	}

	var out struct {
		RiskScore float64 `json:"risk_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.log.Error("external risk API returned malformed body", zap.Error(err))
		return 0, false
	}
	return out.RiskScore, true
}

// weightedScore blends the present factors, renormalizing weights so
// omitted factors do not drag the score toward zero. No factors at all
// scores 0.5, unknown.
func weightedScore(factors map[string]float64) float64 {
	var totalWeight, total float64
	for name, score := range factors {
		weight, ok := factorWeights[name]
		if !ok {
			weight = 0.1
		}
		total += score * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0.5
	}
	final := total / totalWeight
	if final < 0 {
		return 0
	}
	if final > 1 {
		return 1
	}
	return final
}

var factorDescriptions = map[string]string{
	FactorAge:               "Transaction is very recent",
	FactorConfirmations:     "Insufficient confirmations",
	FactorAmount:            "Unusual payment amount",
	FactorChain:             "High-risk blockchain network",
	FactorAddressReputation: "Sender address has poor reputation",
	FactorExternalAPI:       "External risk service flagged as risky",
}

// generateReason names the dominant factor for high-risk scores.
func generateReason(factors map[string]float64, total float64, high bool) string {
	if !high {
		return fmt.Sprintf("Low risk: All checks passed (score: %.2f)", total)
	}

	var worstName string
	worst := -1.0
	for name, score := range factors {
		if score > worst {
			worst = score
			worstName = name
		}
	}

	desc, ok := factorDescriptions[worstName]
	if !ok {
		desc = "Multiple risk factors"
	}
	return fmt.Sprintf("High risk: %s (score: %.2f)", desc, total)
}
