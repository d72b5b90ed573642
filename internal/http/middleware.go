package http

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robertarktes/show-seat-reservations/internal/idempotency"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelhttp "go.opentelemetry.io/otel/propagation"
)

const (
	ipRateLimit  = 100
	ipRatePeriod = time.Minute
	maxIdempKey  = 200
)

type loggerKey struct{}

// Limiter decides whether a request under key fits its budget.
type Limiter interface {
	Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error)
}

func RequestIDMiddleware(next http.Handler) http.Handler {
	return middleware.RequestID(next)
}

func LoggerMiddleware(logger observability.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			entry := logger.WithField("request_id", reqID)
			ctx := context.WithValue(r.Context(), loggerKey{}, entry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFrom returns the request-scoped logger, or a default one outside a
// request.
func LoggerFrom(ctx context.Context) observability.Logger {
	if l, ok := ctx.Value(loggerKey{}).(observability.Logger); ok {
		return l
	}
	return observability.NewLogger()
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RequestsTotal.WithLabelValues(route, strconv.Itoa(status), r.Method).Inc()
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), otelhttp.HeaderCarrier(r.Header))
		tracer := otel.Tracer("http")
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", ww.Status()))
		if ww.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(ww.Status()))
		}
	})
}

// RateLimitMiddleware limits requests per client IP. When the limiter itself
// fails the request is let through.
func RateLimitMiddleware(rl Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := rl.Allow(r.Context(), "ip:"+clientIP(r), ipRateLimit, ipRatePeriod)
			if err != nil {
				LoggerFrom(r.Context()).WithError(err).Warn("rate limiter unavailable")
			}
			if !ok {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyMiddleware replays the stored response of a POST carrying an
// Idempotency-Key that was seen before. Only successful responses are
// stored, so a rejected request can be retried under the same key.
func IdempotencyMiddleware(idemp idempotency.Store) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if idemp == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempKey {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid Idempotency-Key", Code: "invalid_input"})
				return
			}
			scoped := r.URL.Path + ":" + key

			logger := LoggerFrom(r.Context())
			if replay(w, r, idemp, scoped, logger) {
				return
			}

			claimed, err := idemp.Begin(r.Context(), scoped)
			switch {
			case err != nil:
				logger.WithError(err).Warn("idempotency claim failed")
			case !claimed:
				writeJSON(w, http.StatusConflict, errorResponse{
					Error:     "a request with this Idempotency-Key is still in progress",
					Code:      "idempotency_in_progress",
					Retryable: true,
				})
				return
			default:
				defer func() {
					if err := idemp.Finish(r.Context(), scoped); err != nil {
						logger.WithError(err).Warn("idempotency release failed")
					}
				}()
				// The previous holder of the key may have finished between
				// the lookup above and the claim.
				if replay(w, r, idemp, scoped, logger) {
					return
				}
			}

			var body bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&body)
			next.ServeHTTP(ww, r)

			if ww.Status() >= 200 && ww.Status() < 300 {
				if err := idemp.Set(r.Context(), scoped, idempotency.Response{Status: ww.Status(), Result: body.Bytes()}); err != nil {
					logger.WithError(err).Warn("idempotency store failed")
				}
			}
		})
	}
}

// replay writes the stored response for key, if there is one.
func replay(w http.ResponseWriter, r *http.Request, idemp idempotency.Store, key string, logger observability.Logger) bool {
	existing, err := idemp.Get(r.Context(), key)
	if err != nil {
		logger.WithError(err).Warn("idempotency lookup failed")
		return false
	}
	if existing == nil {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(existing.Status)
	w.Write(existing.Result)
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
