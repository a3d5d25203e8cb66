// Package gin adapts the payment interceptor and operational endpoints to
// the gin framework.
package gin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/gateway"
	x402http "github.com/mizuki-tamaki/kamiyo-payai/http"
	"github.com/mizuki-tamaki/kamiyo-payai/http/internal/helpers"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
)

// ContextKey is the gin context key carrying the payment authorization.
const ContextKey = "x402_authorization"

// GetAuthorization returns the payment authorization attached by the
// middleware, if the request passed payment interception.
func GetAuthorization(c *gin.Context) (gateway.Authorization, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return gateway.Authorization{}, false
	}
	auth, ok := v.(gateway.Authorization)
	return auth, ok
}

// Middleware returns the gin payment interceptor. Semantics match the
// net/http interceptor: fail closed on authorization errors, fail open on
// usage-recording errors and internal defects.
func Middleware(cfg x402.Config, gw *gateway.Gateway, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(c *gin.Context) {
		if !cfg.Enabled || helpers.ShouldSkip(c.Request) {
			c.Next()
			return
		}

		price, priced := priceFor(cfg, c.Request.Method, c.Request.URL.Path)
		if !priced {
			c.Next()
			return
		}

		requestID := uuid.NewString()
		c.Header(x402http.HeaderRequestID, requestID)
		reqLog := log.With(zap.String("request_id", requestID), zap.String("endpoint", c.Request.URL.Path))

		auth, failOpen := evaluate(c, gw, reqLog)
		if failOpen {
			c.Next()
			return
		}
		if !auth.Valid {
			c.Header(x402http.HeaderPaymentRequired, "true")
			c.Header(x402http.HeaderPaymentAmount, price.String())
			c.Header(x402http.HeaderPaymentCurrency, "USDC")
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gw.Build402(c.Request.URL.Path, price))
			return
		}

		c.Header(x402http.HeaderRequestsLeft, strconv.FormatInt(auth.RequestsRemaining, 10))
		c.Set(ContextKey, auth)
		c.Next()
	}
}

func priceFor(cfg x402.Config, method, path string) (decimal.Decimal, bool) {
	if method != http.MethodGet {
		return decimal.Decimal{}, false
	}
	price, ok := cfg.EndpointPrices[path]
	return price, ok
}

func evaluate(c *gin.Context, gw *gateway.Gateway, log *zap.Logger) (auth gateway.Authorization, failOpen bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in payment interceptor, failing open", zap.Any("panic", rec))
			auth = gateway.Authorization{}
			failOpen = true
		}
	}()

	req := helpers.ExtractRequest(c.Request)
	auth, err := gw.Authorize(c.Request.Context(), req)
	if err != nil {
		log.Error("payment authorization error, failing closed", zap.Error(err))
		return gateway.Authorization{Valid: false, Error: "authorization unavailable"}, false
	}
	if !auth.Valid {
		return auth, false
	}

	if err := gw.RecordUsage(c.Request.Context(), ledger.Usage{
		PaymentID:  auth.PaymentID,
		Endpoint:   c.Request.URL.Path,
		Method:     c.Request.Method,
		StatusCode: http.StatusOK,
		IPAddress:  req.ClientIP,
		UserAgent:  req.UserAgent,
	}); err != nil {
		log.Error("failed to record payment usage", zap.Int64("payment_id", auth.PaymentID), zap.Error(err))
	}

	return auth, false
}
