package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// evmBackend is the slice of the Ethereum RPC surface the verifier needs.
// *ethclient.Client satisfies it.
type evmBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// transferEventSig is keccak256("Transfer(address,address,uint256)"), the
// topic0 of every ERC-20 Transfer event.
var transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// evmTransfer is one decoded Transfer event from a receipt.
type evmTransfer struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

// verifyEVM verifies a transaction on an EVM chain by scanning the receipt
// logs for an ERC-20 Transfer event on the chain's USDC contract paying the
// gateway's receiving address.
func (v *Verifier) verifyEVM(ctx context.Context, backend evmBackend, cfg x402.ChainConfig, txHash string) Result {
	res := Result{TxHash: txHash, Chain: cfg.Name}

	receipt, err := backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			res.RiskScore = 1.0
			res.Reason = fmt.Sprintf("Transaction not found on %s", cfg.Name)
			res.Err = x402.ErrTransactionNotFound
			return res
		}
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Chain RPC error on %s: %v", cfg.Name, err)
		res.Err = x402.ErrChainUnreachable
		return res
	}

	res.BlockHeight = receipt.BlockNumber.Uint64()

	if receipt.Status != types.ReceiptStatusSuccessful {
		res.RiskScore = 1.0
		res.Reason = "Transaction failed on-chain"
		res.Err = x402.ErrTransactionFailed
		return res
	}

	// Decode the qualifying transfer up front so confirmation failures can
	// still report provisional payer/payee.
	transfer := findUSDCTransfer(receipt, cfg)
	if transfer != nil {
		res.Payer = transfer.from.Hex()
		res.Payee = transfer.to.Hex()
		res.Amount = x402.AtomicToAmount(transfer.amount)
	}

	current, err := backend.BlockNumber(ctx)
	if err != nil {
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Chain RPC error on %s: %v", cfg.Name, err)
		res.Err = x402.ErrChainUnreachable
		return res
	}
	if current >= res.BlockHeight {
		res.Confirmations = current - res.BlockHeight
	}

	if res.Confirmations < cfg.RequiredConfirmations {
		res.RiskScore = 0.5
		res.Reason = fmt.Sprintf("Insufficient confirmations: %d/%d", res.Confirmations, cfg.RequiredConfirmations)
		res.Err = x402.ErrInsufficientConfirmations
		return res
	}

	if transfer == nil {
		res.RiskScore = 0.8
		res.Reason = fmt.Sprintf("No USDC transfer to %s found in transaction", cfg.ReceivingAddress)
		res.Err = x402.ErrNoQualifyingTransfer
		return res
	}

	if res.Amount.LessThan(v.minPayment) {
		res.RiskScore = 0.3
		res.Reason = fmt.Sprintf("Payment amount too low: %s < %s", res.Amount, v.minPayment)
		res.Err = x402.ErrAmountBelowMinimum
		return res
	}

	header, err := backend.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		res.RiskScore = 1.0
		res.Reason = fmt.Sprintf("Chain RPC error on %s: %v", cfg.Name, err)
		res.Err = x402.ErrChainUnreachable
		return res
	}
	blockTime := time.Unix(int64(header.Time), 0).UTC()
	res.Timestamp = &blockTime

	if age := time.Since(blockTime); age > x402.MaxTransactionAge {
		res.RiskScore = 0.7
		res.Reason = fmt.Sprintf("Transaction too old: %.1f hours", age.Hours())
		res.Err = x402.ErrTransactionTooStale
		return res
	}

	res.Valid = true
	return res
}

// findUSDCTransfer scans receipt logs for a Transfer event emitted by the
// chain's USDC contract whose recipient is the receiving address. The first
// match wins.
func findUSDCTransfer(receipt *types.Receipt, cfg x402.ChainConfig) *evmTransfer {
	usdc := common.HexToAddress(cfg.USDCAddress)
	payee := common.HexToAddress(cfg.ReceivingAddress)

	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address.Hex(), usdc.Hex()) {
			continue
		}
		// Transfer(address indexed from, address indexed to, uint256 value)
		if len(log.Topics) != 3 || log.Topics[0] != transferEventSig {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != payee {
			continue
		}
		return &evmTransfer{
			from:   common.BytesToAddress(log.Topics[1].Bytes()),
			to:     to,
			amount: new(big.Int).SetBytes(log.Data),
		}
	}
	return nil
}
