package gateway

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
)

// defaultPaymentTimeout is the validity window, in seconds, advertised for
// a payment authorization.
const defaultPaymentTimeout = 300

// buildRequirement constructs the requirement block for one endpoint and
// network at the given price.
func (g *Gateway) buildRequirement(endpoint, network string, price decimal.Decimal) (x402.PaymentRequirement, error) {
	chains := g.cfg.Chains()
	chain, err := x402.GetChain(chains, network)
	if err != nil {
		return x402.PaymentRequirement{}, fmt.Errorf("unsupported payment network %q", network)
	}

	atomic, err := x402.AmountToAtomic(price)
	if err != nil {
		return x402.PaymentRequirement{}, fmt.Errorf("invalid price for %s: %w", endpoint, err)
	}

	req := x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: atomic,
		Asset:             chain.USDCAddress,
		PayTo:             chain.ReceivingAddress,
		Resource:          endpoint,
		Description:       fmt.Sprintf("Access to %s", endpoint),
		MimeType:          "application/json",
		MaxTimeoutSeconds: defaultPaymentTimeout,
	}
	if chain.Family == x402.FamilyEVM {
		// EIP-712 domain for USDC transferWithAuthorization signing.
		req.Extra = map[string]interface{}{
			"name":    "USD Coin",
			"version": "2",
		}
	}
	return req, nil
}

// Build402 constructs the 402 challenge body for a priced endpoint: the
// standard accepts array plus the multi-provider payment_options list in
// priority order, with the facilitator route marked recommended when one
// is configured.
func (g *Gateway) Build402(endpoint string, price decimal.Decimal) x402.PaymentRequired {
	chains := g.cfg.Chains()
	names := make([]string, 0, len(chains))
	for name, chain := range chains {
		if chain.ReceivingAddress == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var accepts []x402.PaymentRequirement
	addresses := make(map[string]string, len(names))
	for _, name := range names {
		req, err := g.buildRequirement(endpoint, name, price)
		if err != nil {
			g.log.Warn("skipping chain in 402 response",
				zap.String("chain", name), zap.Error(err))
			continue
		}
		accepts = append(accepts, req)
		addresses[name] = chains[name].ReceivingAddress
	}

	required := x402.PaymentRequired{
		X402Version: x402.X402Version,
		Error:       fmt.Sprintf("Payment of %s USDC required for %s", price, endpoint),
		Accepts:     accepts,
	}

	priority := 1
	if g.facilitator != nil && g.cfg.FacilitatorURL != "" {
		required.PaymentOptions = append(required.PaymentOptions, x402.PaymentOption{
			Provider:        "PayAI Network",
			Type:            "facilitator",
			Priority:        priority,
			Recommended:     true,
			SupportedChains: names,
			Requirements:    accepts,
			Instructions:    "Send X-PAYMENT header with a signed authorization matching one of the x402 requirement entries",
		})
		priority++
	}

	if len(addresses) > 0 {
		required.PaymentOptions = append(required.PaymentOptions, x402.PaymentOption{
			Provider:         "Native On-Chain",
			Type:             "direct_transfer",
			Priority:         priority,
			Recommended:      priority == 1,
			SupportedChains:  names,
			PaymentAddresses: addresses,
			Instructions:     "Send USDC to the payment address, then retry with x-payment-tx and x-payment-chain headers",
		})
	}

	return required
}
