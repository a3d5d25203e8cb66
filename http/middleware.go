// Package http provides the net/http payment interceptor. It turns unpaid
// requests to priced endpoints into 402 challenges and meters paid ones.
//
// Failure semantics are deliberately asymmetric. An error while evaluating
// authorization fails closed with a 402: a broken evaluator must never
// wave requests through. An error while recording usage, or a panic inside
// the interceptor itself, fails open: billing bookkeeping must never take
// down paid traffic.
package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/gateway"
	"github.com/mizuki-tamaki/kamiyo-payai/http/internal/helpers"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
)

// Response headers on 402 challenges.
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPaymentAmount   = "X-Payment-Amount"
	HeaderPaymentCurrency = "X-Payment-Currency"
	HeaderRequestID       = "X-Request-ID"
	HeaderRequestsLeft    = "X-Payment-Requests-Remaining"
)

type contextKey struct{}

// AuthorizationFromContext returns the payment authorization attached to a
// request that passed the interceptor.
func AuthorizationFromContext(ctx context.Context) (gateway.Authorization, bool) {
	auth, ok := ctx.Value(contextKey{}).(gateway.Authorization)
	return auth, ok
}

// Middleware is the payment interceptor for net/http stacks.
type Middleware struct {
	cfg x402.Config
	gw  *gateway.Gateway
	log *zap.Logger
}

// NewMiddleware builds the interceptor.
func NewMiddleware(cfg x402.Config, gw *gateway.Gateway, log *zap.Logger) *Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return &Middleware{cfg: cfg, gw: gw, log: log}
}

// priceFor returns the price for an endpoint and whether it is priced at
// all. Only GET endpoints with an explicit price entry are intercepted.
func (m *Middleware) priceFor(r *http.Request) (decimal.Decimal, bool) {
	if r.Method != http.MethodGet {
		return decimal.Decimal{}, false
	}
	price, ok := m.cfg.EndpointPrices[r.URL.Path]
	return price, ok
}

// Handler wraps next with payment interception.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || helpers.ShouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}

		price, priced := m.priceFor(r)
		if !priced {
			next.ServeHTTP(w, r)
			return
		}

		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)
		log := m.log.With(zap.String("request_id", requestID), zap.String("endpoint", r.URL.Path))

		auth, failOpen := m.evaluate(r, price, log)
		if failOpen {
			next.ServeHTTP(w, r)
			return
		}
		if !auth.Valid {
			m.write402(w, r.URL.Path, price)
			return
		}

		w.Header().Set(HeaderRequestsLeft, strconv.FormatInt(auth.RequestsRemaining, 10))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, auth)))
	})
}

// evaluate runs authorization and metering for a priced request. The
// failOpen result is true only when an interceptor defect makes the
// decision unsafe to trust either way.
func (m *Middleware) evaluate(r *http.Request, price decimal.Decimal, log *zap.Logger) (auth gateway.Authorization, failOpen bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in payment interceptor, failing open", zap.Any("panic", rec))
			auth = gateway.Authorization{}
			failOpen = true
		}
	}()

	req := helpers.ExtractRequest(r)
	auth, err := m.gw.Authorize(r.Context(), req)
	if err != nil {
		// Authorization evaluation failed. Fail closed: demand payment.
		log.Error("payment authorization error, failing closed", zap.Error(err))
		return gateway.Authorization{Valid: false, Error: "authorization unavailable"}, false
	}
	if !auth.Valid {
		return auth, false
	}

	// Consume one metered request before serving. A bookkeeping failure
	// must not block a payer who already verified.
	if err := m.gw.RecordUsage(r.Context(), ledger.Usage{
		PaymentID:  auth.PaymentID,
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		StatusCode: http.StatusOK,
		IPAddress:  req.ClientIP,
		UserAgent:  req.UserAgent,
	}); err != nil {
		log.Error("failed to record payment usage", zap.Int64("payment_id", auth.PaymentID), zap.Error(err))
	}

	return auth, false
}

// write402 sends the payment challenge with its advertising headers.
func (m *Middleware) write402(w http.ResponseWriter, endpoint string, price decimal.Decimal) {
	w.Header().Set(HeaderPaymentRequired, "true")
	w.Header().Set(HeaderPaymentAmount, price.String())
	w.Header().Set(HeaderPaymentCurrency, "USDC")
	helpers.WriteJSON(w, http.StatusPaymentRequired, m.gw.Build402(endpoint, price))
}
