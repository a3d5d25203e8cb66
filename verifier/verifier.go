// Package verifier implements multi-chain on-chain USDC payment verification.
//
// Chains are grouped into two families with distinct decoding rules:
// account/contract-log chains (Base, Ethereum) are verified from ERC-20
// Transfer events in the transaction receipt, and instruction-list chains
// (Solana) are verified from parsed SPL token-transfer instructions.
// Adding a chain means adding a ChainConfig entry, not a new type hierarchy.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// DefaultRPCTimeout bounds every chain RPC call so a hung upstream cannot
// stall request handling.
const DefaultRPCTimeout = 3 * time.Second

// Result is the outcome of verifying one transaction hash.
type Result struct {
	// Valid is true when a qualifying transfer was confirmed.
	Valid bool

	// TxHash is the transaction identifier that was checked.
	TxHash string

	// Chain is the chain the transaction was checked on.
	Chain string

	// Amount is the transferred USDC amount. Zero on most failures.
	Amount decimal.Decimal

	// Payer and Payee are the decoded transfer endpoints. On some failure
	// paths these are provisional (best-effort) values.
	Payer string
	Payee string

	// BlockHeight is the block number or slot containing the transaction.
	BlockHeight uint64

	// Confirmations is the confirmation depth at verification time.
	Confirmations uint64

	// Timestamp is the block time of the transaction, when known.
	Timestamp *time.Time

	// RiskScore is a provisional score in [0,1]. Zero on success (refined
	// by the risk scorer), 0.3-1.0 on failure depending on failure kind.
	RiskScore float64

	// Reason is a structured human-readable failure reason. Empty on success.
	Reason string

	// Err is the sentinel error matching Reason, for programmatic checks.
	Err error
}

// Verifier checks transaction hashes against the configured chains.
// It is safe for unbounded concurrent use; the underlying RPC clients are
// long-lived, shared, and read-only after construction.
type Verifier struct {
	chains     map[string]x402.ChainConfig
	minPayment decimal.Decimal
	rpcTimeout time.Duration
	evm        map[string]evmBackend
	svm        svmBackend
	log        *zap.Logger
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithRPCTimeout overrides the per-call RPC timeout.
func WithRPCTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.rpcTimeout = d }
}

// New dials the configured chain RPC endpoints and returns a Verifier.
// EVM chains that fail to dial are skipped with a warning so one bad
// endpoint does not take down the other chains.
func New(cfg x402.Config, log *zap.Logger, opts ...Option) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}

	v := &Verifier{
		chains:     cfg.Chains(),
		minPayment: cfg.MinPayment,
		rpcTimeout: DefaultRPCTimeout,
		evm:        make(map[string]evmBackend),
		log:        log,
	}
	for _, opt := range opts {
		opt(v)
	}

	for name, chain := range v.chains {
		switch chain.Family {
		case x402.FamilyEVM:
			client, err := ethclient.Dial(chain.RPCURL)
			if err != nil {
				log.Warn("failed to dial chain RPC, chain disabled",
					zap.String("chain", name), zap.String("rpc_url", chain.RPCURL), zap.Error(err))
				continue
			}
			v.evm[name] = client
			log.Info("connected to chain RPC", zap.String("chain", name), zap.String("rpc_url", chain.RPCURL))
		case x402.FamilySVM:
			v.svm = &solanaRPC{client: rpc.New(chain.RPCURL)}
			log.Info("connected to chain RPC", zap.String("chain", name), zap.String("rpc_url", chain.RPCURL))
		}
	}

	return v
}

// SupportedChains returns the names of all configured chains.
func (v *Verifier) SupportedChains() []string {
	names := make([]string, 0, len(v.chains))
	for name := range v.chains {
		names = append(names, name)
	}
	return names
}

// ReceivingAddress returns the gateway's payment address for a chain, or
// the empty string for unknown chains.
func (v *Verifier) ReceivingAddress(chain string) string {
	cfg, ok := v.chains[chain]
	if !ok {
		return ""
	}
	return cfg.ReceivingAddress
}

// Verify checks whether txHash carries a qualifying USDC transfer to the
// gateway's receiving address on the named chain. Failures are reported as
// a structured Result, never a raw error, so callers can decide whether a
// retry is warranted.
func (v *Verifier) Verify(ctx context.Context, txHash, chain string, expectedAmount *decimal.Decimal) Result {
	cfg, ok := v.chains[chain]
	if !ok {
		return Result{
			TxHash:    txHash,
			Chain:     chain,
			RiskScore: 1.0,
			Reason:    fmt.Sprintf("Unsupported chain: %s", chain),
			Err:       x402.ErrUnsupportedChain,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.rpcTimeout)
	defer cancel()

	var res Result
	switch cfg.Family {
	case x402.FamilyEVM:
		backend, ok := v.evm[chain]
		if !ok {
			return Result{
				TxHash:    txHash,
				Chain:     chain,
				RiskScore: 1.0,
				Reason:    fmt.Sprintf("Chain RPC not connected: %s", chain),
				Err:       x402.ErrChainUnreachable,
			}
		}
		res = v.verifyEVM(ctx, backend, cfg, txHash)
	case x402.FamilySVM:
		if v.svm == nil {
			return Result{
				TxHash:    txHash,
				Chain:     chain,
				RiskScore: 1.0,
				Reason:    fmt.Sprintf("Chain RPC not connected: %s", chain),
				Err:       x402.ErrChainUnreachable,
			}
		}
		res = v.verifySVM(ctx, v.svm, cfg, txHash)
	default:
		return Result{
			TxHash:    txHash,
			Chain:     chain,
			RiskScore: 1.0,
			Reason:    fmt.Sprintf("Unsupported chain family for %s", chain),
			Err:       x402.ErrUnsupportedChain,
		}
	}

	if res.Valid && expectedAmount != nil && res.Amount.LessThan(*expectedAmount) {
		res.Valid = false
		res.RiskScore = 0.3
		res.Reason = fmt.Sprintf("Payment amount too low: %s < %s", res.Amount, expectedAmount)
		res.Err = x402.ErrAmountBelowMinimum
	}

	if res.Valid {
		v.log.Info("verified payment",
			zap.String("chain", chain),
			zap.String("tx_hash", txHash),
			zap.String("amount_usdc", res.Amount.String()),
			zap.String("payer", res.Payer),
			zap.Uint64("confirmations", res.Confirmations))
	} else {
		v.log.Debug("payment verification failed",
			zap.String("chain", chain),
			zap.String("tx_hash", txHash),
			zap.String("reason", res.Reason))
	}

	return res
}
