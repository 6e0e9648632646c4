package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/pkg/metrics"
	"github.com/coldtrail/taskboard/pkg/shared/logging"
	"github.com/coldtrail/taskboard/pkg/tracing"
)

// requestLogging logs one structured line per request at the dispatcher
// boundary: method, path, status, duration, request id.
func requestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				logging.HTTPFields(r.Method, r.URL.Path, ww.Status()).
					Duration(time.Since(start)).
					RequestID(chimw.GetReqID(r.Context())).
					ToZap()...)
		})
	}
}

// recordMetrics observes the Prometheus request-duration histogram and
// increments the requests-total counter, labeled by the matched route
// pattern rather than the raw path (so `:key`/`*path` never fan out into
// unbounded label cardinality).
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		timer.RecordRequest(r.Method, route, strconv.Itoa(ww.Status()))
	})
}

// tracingSpan opens an OpenTelemetry span around the whole request,
// resolved against whatever TracerProvider the process registered.
func tracingSpan(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.Tracer().Start(r.Context(), "http.request")
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
