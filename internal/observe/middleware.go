package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// responseTap records what the handler wrote: status code and body bytes.
// Unwrap exposes the underlying writer so http.ResponseController, and with
// it the hijack a websocket upgrade needs, still reaches the real
// connection.
type responseTap struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (t *responseTap) WriteHeader(code int) {
	t.status = code
	t.ResponseWriter.WriteHeader(code)
}

func (t *responseTap) Write(p []byte) (int, error) {
	n, err := t.ResponseWriter.Write(p)
	t.bytes += n
	return n, err
}

func (t *responseTap) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// Middleware instruments the relay's HTTP surface: it extracts or starts a
// W3C trace, reflects the trace ID back as X-Correlation-ID, records the
// request histogram and logs completion. Websocket upgrades are traced and
// logged but kept out of the request-duration histogram; an upgraded
// request lives as long as the relay session it carries, and that time
// belongs to the session metrics.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			upgrade := isWebsocketUpgrade(r)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanName := "HTTP " + r.Method + " " + r.URL.Path
			if upgrade {
				spanName = "WS " + r.URL.Path
			}
			ctx, span := StartSpan(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					attribute.Bool("relay.websocket", upgrade),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			tap := &responseTap{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(tap, r.WithContext(ctx))

			status := tap.status
			if upgrade && status == http.StatusOK && tap.bytes == 0 {
				// The 101 went out over the hijacked connection, bypassing
				// the tap.
				status = http.StatusSwitchingProtocols
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))

			duration := time.Since(start)
			if !upgrade {
				m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("route", r.URL.Path),
						attribute.String("status", strconv.Itoa(status)),
					),
				)
			}

			msg := "request completed"
			if upgrade {
				msg = "websocket connection closed"
			}
			slog.LogAttrs(ctx, slog.LevelInfo, msg,
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("route", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", tap.bytes),
				slog.Duration("duration", duration),
			)
		})
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
