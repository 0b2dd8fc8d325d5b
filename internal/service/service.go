package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
)

const tracerName = "github.com/smallbiznis/valora-dataholder/internal/service"

// OAuthError standardizes OAuth compliant errors.
type OAuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newOAuthError(code, desc string, status int) *OAuthError {
	return &OAuthError{Code: code, Description: desc, Status: status}
}

// ToOAuthError maps the domain error taxonomy onto protocol error codes.
// Errors that are already *OAuthError pass through unchanged.
func ToOAuthError(err error) *OAuthError {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe
	}
	switch {
	case errors.Is(err, oauth.ErrParameterMismatch):
		return newOAuthError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, oauth.ErrInvalidRequestObject):
		return newOAuthError("invalid_request_object", "Request object validation failed.", http.StatusBadRequest)
	case errors.Is(err, oauth.ErrInvalidArrangement):
		return newOAuthError("invalid_request", "Invalid cdr_arrangement_id.", http.StatusBadRequest)
	case errors.Is(err, oauth.ErrUnauthorizedClient):
		return newOAuthError("invalid_client", "Client authentication failed.", http.StatusUnauthorized)
	case errors.Is(err, oauth.ErrInvalidRequest):
		return newOAuthError("invalid_request", "Invalid request.", http.StatusBadRequest)
	case errors.Is(err, oauth.ErrAccessDenied):
		return newOAuthError("access_denied", "The end user denied the request.", http.StatusForbidden)
	case errors.Is(err, oauth.ErrNotFound), errors.Is(err, oauth.ErrExpired),
		errors.Is(err, oauth.ErrClientMismatch), errors.Is(err, oauth.ErrInvalidGrant):
		return newOAuthError("invalid_grant", "Grant is invalid, expired or was issued to another client.", http.StatusBadRequest)
	default:
		return newOAuthError("server_error", "Internal server error.", http.StatusInternalServerError)
	}
}

// ArrangementManager is the arrangement lifecycle consumed by the protocol
// services.
type ArrangementManager interface {
	CreateOrUpdate(ctx context.Context, l arrangement.Linkage) (string, error)
	Get(ctx context.Context, id string) (arrangement.Arrangement, error)
	RemoveGrantsForArrangement(ctx context.Context, id, clientID string) (arrangement.RemovalResult, error)
	FindAlternativeArrangement(ctx context.Context, id, clientID string) (string, error)
	DetachRefreshToken(ctx context.Context, id, refreshKey string) error
}

var _ ArrangementManager = (*arrangement.Manager)(nil)

// instrumentation bundles logging, tracing and metrics shared by services.
type instrumentation struct {
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Recorder
}

func newInstrumentation(logger *zap.Logger, recorder *metrics.Recorder) instrumentation {
	return instrumentation{logger: logger, tracer: otel.Tracer(tracerName), metrics: recorder}
}

func (i instrumentation) audit(event string, attrs ...any) {
	logger := i.log()
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for j := 0; j+1 < len(attrs); j += 2 {
		key, ok := attrs[j].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[j+1]))
	}
	logger.Info("audit", fields...)
}

// policyViolation records an operation attempted against a record owned by
// another client.
func (i instrumentation) policyViolation(operation, clientID string, attrs ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("event", "policy_violation"),
		zap.String("operation", operation),
		zap.String("client_id", clientID),
	}, attrs...)
	i.log().Warn("policy violation", fields...)
	i.metrics.PolicyViolation(operation)
}

func (i instrumentation) log() *zap.Logger {
	if i.logger != nil {
		return i.logger
	}
	return zap.L()
}

func (i instrumentation) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if i.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, name)
}

func randomString(n int) string {
	if n <= 0 {
		n = 32
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
