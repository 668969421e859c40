package httpx

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
)

const unknownClient = "unknown"

// GateConfig configures the admission gate in front of the API.
type GateConfig struct {
	Limiter Limiter
	Logger  *slog.Logger
	// FailOpen admits requests when the limiter backend errors.
	FailOpen bool
	// WebhookPaths bypass the limiter when the request carries SignatureHeader.
	// The signature itself is verified by the webhook handler.
	WebhookPaths    []string
	SignatureHeader string
}

// RateLimitGate rejects callers over their sliding-window quota with 429.
func RateLimitGate(cfg GateConfig) Middleware {
	sigHeader := cfg.SignatureHeader
	if sigHeader == "" {
		sigHeader = "Stripe-Signature"
	}
	webhooks := make(map[string]struct{}, len(cfg.WebhookPaths))
	for _, p := range cfg.WebhookPaths {
		webhooks[strings.TrimSuffix(p, "/")] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := webhooks[strings.TrimSuffix(r.URL.Path, "/")]; ok && r.Header.Get(sigHeader) != "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := cfg.Limiter.Allow(r.Context(), ClientKey(r))
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Warn("rate limiter error", "err", err, "request_id", RequestIDFromContext(r.Context()))
				}
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller by the first X-Forwarded-For hop.
func ClientKey(r *http.Request) string {
	raw := r.Header.Get("X-Forwarded-For")
	if raw == "" {
		return unknownClient
	}
	first, _, _ := strings.Cut(raw, ",")
	if first = strings.TrimSpace(first); first != "" {
		return first
	}
	return unknownClient
}
