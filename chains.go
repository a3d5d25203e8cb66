package x402

import (
	"fmt"
	"time"
)

// ChainFamily selects the decoding rules for a chain's transactions.
type ChainFamily int

const (
	// FamilyUnknown represents an unrecognized chain.
	FamilyUnknown ChainFamily = iota
	// FamilyEVM represents account/contract-log chains whose payments are
	// decoded from ERC-20 Transfer events in receipt logs.
	FamilyEVM
	// FamilySVM represents instruction-list chains whose payments are
	// decoded from SPL token-transfer instructions.
	FamilySVM
)

// Chain name constants.
const (
	ChainBase     = "base"
	ChainEthereum = "ethereum"
	ChainSolana   = "solana"
)

// Official Circle USDC contract / mint addresses.
// Verified 2025-10-28.
const (
	BaseUSDCAddress     = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	EthereumUSDCAddress = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	SolanaUSDCMint      = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// MaxTransactionAge is the staleness window for EVM payments. Transactions
// whose block timestamp is older than this are rejected to bound replay
// risk from very old transfers being re-submitted as "new" payments.
const MaxTransactionAge = 7 * 24 * time.Hour

// ChainConfig holds the per-chain verification settings.
type ChainConfig struct {
	// Name is the chain identifier used in headers and records.
	Name string

	// Family selects EVM or SVM decoding rules.
	Family ChainFamily

	// ChainID is the EIP-155 chain id. Zero for non-EVM chains.
	ChainID int64

	// RPCURL is the JSON-RPC endpoint for this chain.
	RPCURL string

	// USDCAddress is the USDC contract address (EVM) or mint (Solana).
	USDCAddress string

	// ReceivingAddress is the gateway's payment address on this chain.
	ReceivingAddress string

	// RequiredConfirmations is the confirmation depth a transaction must
	// reach before it is accepted.
	RequiredConfirmations uint64

	// Decimals is the USDC decimal precision (always 6).
	Decimals int32
}

// Chains builds the chain registry from the loaded configuration.
// Keys are chain names as sent in the x-payment-chain header.
func (c Config) Chains() map[string]ChainConfig {
	return map[string]ChainConfig{
		ChainBase: {
			Name:                  ChainBase,
			Family:                FamilyEVM,
			ChainID:               8453,
			RPCURL:                c.BaseRPCURL,
			USDCAddress:           BaseUSDCAddress,
			ReceivingAddress:      c.BasePaymentAddress,
			RequiredConfirmations: c.BaseConfirmations,
			Decimals:              USDCDecimals,
		},
		ChainEthereum: {
			Name:                  ChainEthereum,
			Family:                FamilyEVM,
			ChainID:               1,
			RPCURL:                c.EthereumRPCURL,
			USDCAddress:           EthereumUSDCAddress,
			ReceivingAddress:      c.EthereumPaymentAddress,
			RequiredConfirmations: c.EthereumConfirmations,
			Decimals:              USDCDecimals,
		},
		ChainSolana: {
			Name:                  ChainSolana,
			Family:                FamilySVM,
			RPCURL:                c.SolanaRPCURL,
			USDCAddress:           SolanaUSDCMint,
			ReceivingAddress:      c.SolanaPaymentAddress,
			RequiredConfirmations: c.SolanaConfirmations,
			Decimals:              USDCDecimals,
		},
	}
}

// GetChain returns the configuration for a chain name.
// Returns ErrUnsupportedChain for unrecognized names.
func GetChain(chains map[string]ChainConfig, name string) (ChainConfig, error) {
	cfg, ok := chains[name]
	if !ok {
		return ChainConfig{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, name)
	}
	return cfg, nil
}
