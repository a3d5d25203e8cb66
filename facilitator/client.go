package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/retry"
)

// AuthorizationProvider is a function that returns an Authorization header value.
// This is useful for dynamic tokens (e.g., JWT refresh) where the value may change.
//
// Thread-safety: The provider function is called on each HTTP request, including
// during retry attempts. If your provider accesses shared state or performs I/O
// (e.g., token refresh), ensure it is safe for concurrent use. The Client does
// not serialize calls to the provider.
type AuthorizationProvider func(*http.Request) string

// OnBeforeFunc is a callback invoked before a verify or settle operation.
// Return an error to abort the operation.
type OnBeforeFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement) error

// OnAfterVerifyFunc is a callback invoked after a Verify operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterVerifyFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement, *x402.VerifyResponse, error)

// OnAfterSettleFunc is a callback invoked after a Settle operation completes.
// Called with the result (success or failure) for logging, metrics, etc.
type OnAfterSettleFunc func(context.Context, x402.PaymentPayload, x402.PaymentRequirement, *x402.SettleResponse, error)

// TimeoutConfig holds per-operation timeouts for facilitator calls.
type TimeoutConfig struct {
	// VerifyTimeout is the maximum time to wait for payment verification.
	VerifyTimeout time.Duration

	// SettleTimeout is the maximum time to wait for payment settlement.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for facilitator operations.
var DefaultTimeouts = TimeoutConfig{
	VerifyTimeout:  5 * time.Second,
	SettleTimeout:  60 * time.Second,
	RequestTimeout: 120 * time.Second,
}

// Client is an HTTP client for x402 facilitator services.
type Client struct {
	// BaseURL is the facilitator service URL (e.g., "https://facilitator.payai.network").
	BaseURL string

	// Client is the HTTP client to use for requests. If nil, http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for payment operations.
	Timeouts TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for failed requests (default: 0).
	// Set to 0 to disable retries.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default: 100ms).
	// Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g., "Bearer token").
	// If AuthorizationProvider is also set, the provider takes precedence.
	Authorization string

	// AuthorizationProvider is a function that returns an Authorization header value.
	// If set, this takes precedence over the static Authorization field.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeVerify is called before the Verify operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeVerify OnBeforeFunc

	// OnAfterVerify is called after the Verify operation completes (success or failure).
	OnAfterVerify OnAfterVerifyFunc

	// OnBeforeSettle is called before the Settle operation starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeFunc

	// OnAfterSettle is called after the Settle operation completes (success or failure).
	OnAfterSettle OnAfterSettleFunc
}

// Verify that Client implements Interface.
var _ Interface = (*Client)(nil)

// httpClient returns the HTTP client to use, defaulting to http.DefaultClient.
func (c *Client) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header on the request if configured.
// If AuthorizationProvider is set, it is called to get the current token value;
// otherwise, the static Authorization string is used. This is called per-request.
func (c *Client) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// retryConfig returns the retry configuration based on client settings.
func (c *Client) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1, // +1 because MaxRetries is retry count, not attempt count
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

// Verify verifies a payment authorization without executing the transaction.
func (c *Client) Verify(ctx context.Context, payload x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payload, requirement); err != nil {
			return nil, err
		}
	}

	req := VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (*x402.VerifyResponse, error) {
		// Use provided context, apply timeout only if not already set
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/verify", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, x402.ErrVerificationFailed)
		}

		var verifyResp x402.VerifyResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&verifyResp); err != nil {
			return nil, fmt.Errorf("failed to decode verify response: %w", err)
		}

		// Extract payer if not provided in response
		if verifyResp.Payer == "" {
			verifyResp.Payer = extractPayer(payload)
		}

		return &verifyResp, nil
	})

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, payload, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Settle executes a verified payment on the blockchain.
func (c *Client) Settle(ctx context.Context, payload x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettleResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payload, requirement); err != nil {
			return nil, err
		}
	}

	req := SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirement,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, resultErr := retry.WithRetry(ctx, c.retryConfig(), isFacilitatorUnavailableError, func() (*x402.SettleResponse, error) {
		// Use provided context, apply timeout only if not already set
		reqCtx := ctx
		if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.SettleTimeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.SettleTimeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(reqCtx, "POST", c.BaseURL+"/settle", bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, x402.ErrSettlementFailed)
		}

		var settleResp x402.SettleResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&settleResp); err != nil {
			return nil, fmt.Errorf("failed to decode settle response: %w", err)
		}

		return &settleResp, nil
	})

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, payload, requirement, resp, resultErr)
	}

	return resp, resultErr
}

// Supported queries the facilitator for supported payment types.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	// Use provided context, apply timeout only if not already set
	reqCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeouts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.Timeouts.VerifyTimeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, "GET", c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
	}

	var supportedResp x402.SupportedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

// parseErrorResponse extracts error details from a non-200 HTTP response.
func parseErrorResponse(resp *http.Response, baseErr error) error {
	bodyBytes, _ := io.ReadAll(resp.Body)

	// Try to parse as JSON with invalidReason or errorReason
	var errBody map[string]interface{}
	if err := json.Unmarshal(bodyBytes, &errBody); err == nil {
		if reason, ok := errBody["invalidReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
		if reason, ok := errBody["errorReason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: status %d, reason: %s", baseErr, resp.StatusCode, reason)
		}
	}

	// If we couldn't parse as JSON, include raw body (truncated)
	if len(bodyBytes) > 0 && len(bodyBytes) < 500 {
		return fmt.Errorf("%w: status %d, body: %s", baseErr, resp.StatusCode, string(bodyBytes))
	}

	return fmt.Errorf("%w: status %d", baseErr, resp.StatusCode)
}

// extractPayer extracts the payer address from a payment payload.
func extractPayer(payload x402.PaymentPayload) string {
	if auth, ok := payload.Payload["authorization"].(map[string]interface{}); ok {
		if from, ok := auth["from"].(string); ok {
			return from
		}
	}
	// For SVM payloads, the payer must be decoded from the transaction;
	// the facilitator provides it in the response instead.
	return ""
}

// isFacilitatorUnavailableError checks if an error is a facilitator unavailable error.
// It uses errors.Is to properly detect wrapped errors.
func isFacilitatorUnavailableError(err error) bool {
	return errors.Is(err, x402.ErrFacilitatorUnavailable)
}
