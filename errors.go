package x402

import "errors"

// Sentinel errors for payment verification and metering.
var (
	// ErrChainUnreachable indicates the chain RPC endpoint could not be reached.
	ErrChainUnreachable = errors.New("x402: chain RPC unreachable")

	// ErrTransactionNotFound indicates the transaction does not exist on chain.
	ErrTransactionNotFound = errors.New("x402: transaction not found")

	// ErrTransactionFailed indicates the transaction executed but reverted.
	ErrTransactionFailed = errors.New("x402: transaction failed on chain")

	// ErrInsufficientConfirmations indicates the transaction has not reached
	// the chain's required confirmation depth.
	ErrInsufficientConfirmations = errors.New("x402: insufficient confirmations")

	// ErrNoQualifyingTransfer indicates no stablecoin transfer to the
	// gateway's receiving address was found in the transaction.
	ErrNoQualifyingTransfer = errors.New("x402: no qualifying transfer to payment address")

	// ErrAmountBelowMinimum indicates the transferred amount is below the
	// configured minimum payment.
	ErrAmountBelowMinimum = errors.New("x402: payment amount below minimum")

	// ErrTransactionTooStale indicates the transaction is older than the
	// staleness window and is rejected to bound replay risk.
	ErrTransactionTooStale = errors.New("x402: transaction too old")

	// ErrUnsupportedChain indicates an unrecognized chain identifier.
	ErrUnsupportedChain = errors.New("x402: unsupported chain")

	// ErrFacilitatorUnavailable indicates the facilitator service is unreachable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates the facilitator rejected the payment.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates the facilitator could not settle the payment.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrPaymentNotVerified indicates a token mint was attempted against a
	// payment that is not in the verified state.
	ErrPaymentNotVerified = errors.New("x402: payment not verified")

	// ErrTokenExpiredOrExhausted indicates an access token whose own expiry
	// or owning payment's allocation has lapsed.
	ErrTokenExpiredOrExhausted = errors.New("x402: token expired or exhausted")

	// ErrLedgerConflict indicates a concurrent duplicate-create race in the
	// ledger; callers retry once by re-reading the row.
	ErrLedgerConflict = errors.New("x402: ledger conflict")

	// ErrPaymentNotFound indicates an unknown payment id.
	ErrPaymentNotFound = errors.New("x402: payment not found")

	// ErrMalformedHeader indicates the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrInvalidAmount indicates an invalid amount value.
	ErrInvalidAmount = errors.New("x402: invalid amount")
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeChainUnreachable indicates an unreachable chain RPC.
	ErrCodeChainUnreachable ErrorCode = "CHAIN_UNREACHABLE"

	// ErrCodeTransactionNotFound indicates a missing transaction.
	ErrCodeTransactionNotFound ErrorCode = "TRANSACTION_NOT_FOUND"

	// ErrCodeTransactionFailed indicates a reverted transaction.
	ErrCodeTransactionFailed ErrorCode = "TRANSACTION_FAILED"

	// ErrCodeInsufficientConfirmations indicates a shallow transaction.
	ErrCodeInsufficientConfirmations ErrorCode = "INSUFFICIENT_CONFIRMATIONS"

	// ErrCodeNoQualifyingTransfer indicates no matching transfer event.
	ErrCodeNoQualifyingTransfer ErrorCode = "NO_QUALIFYING_TRANSFER"

	// ErrCodeAmountBelowMinimum indicates a payment below the floor.
	ErrCodeAmountBelowMinimum ErrorCode = "AMOUNT_BELOW_MINIMUM"

	// ErrCodeTransactionTooStale indicates a transaction past the staleness window.
	ErrCodeTransactionTooStale ErrorCode = "TRANSACTION_TOO_STALE"

	// ErrCodeUnsupportedChain indicates an unrecognized chain.
	ErrCodeUnsupportedChain ErrorCode = "UNSUPPORTED_CHAIN"

	// ErrCodeFacilitatorError indicates a facilitator protocol failure.
	ErrCodeFacilitatorError ErrorCode = "FACILITATOR_ERROR"

	// ErrCodeInternalDefect indicates a bug in the gateway itself.
	ErrCodeInternalDefect ErrorCode = "INTERNAL_DEFECT"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
