package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ticketpay/internal/observability/logger"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ticketpay/http"

// GinMiddleware opens a server span per request. Probe and scrape routes are
// not traced. Payment and provider identifiers from the route are attached
// once the handler has run, along with the organizer resolved from headers.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		if untraced(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := logger.RequestIDFromContext(ctx); requestID != "" {
			ctx = withRequestIDBaggage(ctx, requestID)
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(SafeAttributes(requestAttributes(c, route, status)...)...)

		if status >= http.StatusInternalServerError {
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func requestAttributes(c *gin.Context, route string, status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	}
	if id := strings.TrimSpace(c.Param("id")); id != "" && strings.HasPrefix(route, "/payments/") {
		attrs = append(attrs, attribute.String("payment.id", id))
	}
	if provider := strings.ToLower(strings.TrimSpace(c.Param("providerId"))); provider != "" {
		attrs = append(attrs, attribute.String("provider.id", provider))
	}
	if provider := strings.ToLower(strings.TrimSpace(c.Param("provider"))); provider != "" {
		attrs = append(attrs, attribute.String("provider.id", provider))
	}
	if orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context()); ok {
		attrs = append(attrs, attribute.String("organizer.id", orgID.String()))
	}
	return attrs
}

func withRequestIDBaggage(ctx context.Context, requestID string) context.Context {
	member, err := baggage.NewMember("request_id", requestID)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func untraced(path string) bool {
	switch path {
	case "/health", "/metrics":
		return true
	default:
		return false
	}
}
