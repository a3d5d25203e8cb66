// Package facilitator defines the contract for third-party x402 payment
// facilitators and provides an HTTP client implementation.
//
// A facilitator verifies payment authorizations and settles them on the
// blockchain on behalf of the gateway, per the /verify, /settle, and
// /supported protocol.
package facilitator

import (
	"context"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// Interface is the facilitator contract consumed by the gateway.
type Interface interface {
	// Verify verifies a payment authorization without executing the
	// transaction. It checks that the payment payload is valid, properly
	// signed, and the payer has sufficient funds.
	Verify(ctx context.Context, payload x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain.
	// This should only be called after successful verification.
	Settle(ctx context.Context, payload x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettleResponse, error)

	// Supported queries the facilitator for supported payment types.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// VerifyRequest is the request payload sent to POST /verify.
type VerifyRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// X402Version is the protocol version.
	X402Version int `json:"x402Version"`

	// PaymentPayload contains the signed payment data from the client.
	PaymentPayload x402.PaymentPayload `json:"paymentPayload"`

	// PaymentRequirements contains the payment option that was accepted.
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}
