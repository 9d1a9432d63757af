package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ravipandeydu/interview-pro-sub000/internal/logging"
)

/*
LEARNING: DISTRIBUTED TRACING & OBSERVABILITY

Every request gets a root span named after its route template, so
"/yjs/{room}" is one operation in Jaeger however many rooms exist. The
room and the channel kind go in as attributes.

Realtime requests are long-lived:
- a websocket span ends when the upgrade completes (status 101)
- a long poll span covers the whole wait, so its duration says nothing
  about server load and is tagged channel=polling to filter it out

Services open child spans with StartSpan and record failures with
AddSpanError; both are no-ops when tracing is not configured.
*/

var tracer = otel.Tracer("interview-pro")

type contextKey string

const requestIDKey contextKey = "request_id"

// Logger receives request and panic logs; cmd/server replaces it
var Logger = logging.Default()

// SetLogger replaces the middleware logger
func SetLogger(l logr.Logger) {
	Logger = logging.OrDefault(l).WithName("http")
}

// TracingMiddleware opens the root span of a request
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// KSUIDs sort by time, handy when grepping logs
		requestID := ksuid.New().String()
		route := routeName(r)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("request.id", requestID),
			attribute.String("collab.channel", channelOf(r)),
		}
		if room := mux.Vars(r)["room"]; room != "" {
			attrs = append(attrs, attribute.String("collab.room", room))
		}
		ctx, span := tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		rec := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", rec.status),
			attribute.Int64("http.response_time_ms", elapsed.Milliseconds()),
		)
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}

		Logger.V(1).Info("request",
			"id", requestID,
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"ms", elapsed.Milliseconds(),
		)
	})
}

// routeName is the mux path template, or the raw path for unmatched requests
func routeName(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// channelOf classifies a request by the realtime channel it belongs to
func channelOf(r *http.Request) string {
	switch {
	case strings.HasPrefix(r.URL.Path, "/yjs/"):
		return "sync"
	case strings.HasPrefix(r.URL.Path, "/socket/polling"):
		return "polling"
	case r.URL.Path == "/socket":
		return "websocket"
	default:
		return "api"
	}
}

// StartSpan opens a child span for a service or repository call:
//
//	ctx, span := middleware.StartSpan(ctx, "Persistence.SaveCheckpoint")
//	defer span.End()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// AddSpanError marks the current span failed
func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetRequestID returns the id TracingMiddleware assigned, or "unknown"
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}
