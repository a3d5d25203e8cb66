// Package x402 implements the server side of the HTTP 402 "Payment Required"
// protocol for stablecoin-paid API access.
//
// The package defines the wire types exchanged with paying clients and with
// payment facilitators, the multi-chain configuration registry, the error
// taxonomy, and the environment-driven configuration surface. The actual
// verification, metering, and request-interception machinery lives in the
// subpackages (verifier, risk, ledger, gateway, http).
package x402

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Protocol version constant
const X402Version = 1

// USDCDecimals is the decimal precision of the settled stablecoin.
const USDCDecimals = 6

// PaymentRequirement defines a single acceptable payment option.
// This is an element in the "accepts" array of PaymentRequired.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network name (e.g., "base", "solana").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address (EVM) or mint address (Solana).
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the path of the protected resource.
	Resource string `json:"resource"`

	// Description is a human-readable description of the resource.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentOption describes one provider route inside a multi-provider 402
// challenge. The top-priority option is annotated Recommended.
type PaymentOption struct {
	// Provider is the human-readable provider name.
	Provider string `json:"provider"`

	// Type is either "facilitator" or "direct_transfer".
	Type string `json:"type"`

	// Priority orders options; lower is tried first by well-behaved clients.
	Priority int `json:"priority"`

	// Recommended marks the top-priority option.
	Recommended bool `json:"recommended"`

	// SupportedChains lists the chains this option can settle on.
	SupportedChains []string `json:"supported_chains"`

	// Requirements carries the facilitator's requirement block, one entry
	// per supported chain. Empty for direct_transfer options.
	Requirements []PaymentRequirement `json:"x402,omitempty"`

	// PaymentAddresses maps chain name to the gateway's own receiving
	// address. Set only for direct_transfer options.
	PaymentAddresses map[string]string `json:"payment_addresses,omitempty"`

	// Instructions tells the client how to retry with proof of payment.
	Instructions string `json:"instructions,omitempty"`
}

// PaymentRequired is the 402 response body sent to unpaid callers.
type PaymentRequired struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Accepts is an array of payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`

	// PaymentOptions lists provider routes in priority order. Present in
	// multi-provider mode.
	PaymentOptions []PaymentOption `json:"payment_options,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header sent by clients paying
// through a facilitator.
type PaymentPayload struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network the payment settles on.
	Network string `json:"network"`

	// Payload contains the blockchain-specific signed payment data.
	Payload map[string]interface{} `json:"payload"`
}

// VerifyResponse is returned by the facilitator /verify endpoint.
type VerifyResponse struct {
	// IsValid indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// InvalidReason provides a short error code if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is returned by the facilitator /settle endpoint.
type SettleResponse struct {
	// Success indicates whether the payment was successfully settled.
	Success bool `json:"success"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network"`

	// ErrorReason provides a short error code if settlement failed.
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind describes a payment type supported by a facilitator.
type SupportedKind struct {
	// X402Version is the protocol version supported.
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier.
	Scheme string `json:"scheme"`

	// Network is the blockchain network.
	Network string `json:"network"`

	// Extra contains scheme-specific additional data.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse is returned by the facilitator /supported endpoint.
type SupportedResponse struct {
	// Kinds lists the payment types supported by the facilitator.
	Kinds []SupportedKind `json:"kinds"`
}

// AmountToAtomic converts a USDC amount to its atomic-unit string.
// For example, 1.5 becomes "1500000". Returns ErrInvalidAmount if the
// amount is negative or carries more than 6 decimal places.
func AmountToAtomic(amount decimal.Decimal) (string, error) {
	if amount.Sign() < 0 {
		return "", ErrInvalidAmount
	}
	shifted := amount.Shift(USDCDecimals)
	if !shifted.IsInteger() {
		return "", ErrInvalidAmount
	}
	return shifted.BigInt().String(), nil
}

// AtomicToAmount converts an atomic-unit integer to a USDC amount.
// For example, 1500000 becomes 1.5.
func AtomicToAmount(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -USDCDecimals)
}
