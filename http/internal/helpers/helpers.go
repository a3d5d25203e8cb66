// Package helpers holds request-handling utilities shared by the net/http
// and gin payment interceptors.
package helpers

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/mizuki-tamaki/kamiyo-payai/gateway"
)

// skipPaths are never payment-checked: health probes and API docs must
// stay reachable without credentials.
var skipPaths = map[string]struct{}{
	"/health":       {},
	"/ready":        {},
	"/docs":         {},
	"/redoc":        {},
	"/openapi.json": {},
}

// ShouldSkip reports whether the request bypasses payment interception.
// CORS preflights, health and docs paths, and requests already carrying
// Bearer subscription auth are all exempt.
func ShouldSkip(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return true
	}
	if _, ok := skipPaths[r.URL.Path]; ok {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return true
	}
	return false
}

// ExtractRequest pulls the payment credentials off the HTTP request.
func ExtractRequest(r *http.Request) gateway.Request {
	return gateway.Request{
		Endpoint:      r.URL.Path,
		Method:        r.Method,
		PaymentHeader: r.Header.Get(gateway.HeaderPayment),
		TxHash:        r.Header.Get(gateway.HeaderPaymentTx),
		Chain:         r.Header.Get(gateway.HeaderPaymentChain),
		Token:         r.Header.Get(gateway.HeaderPaymentToken),
		ClientIP:      ClientIP(r),
		UserAgent:     r.UserAgent(),
	}
}

// ClientIP returns the originating client address, honoring the leftmost
// X-Forwarded-For entry when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
