package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/par"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// PushedRequests redeems PAR references.
type PushedRequests interface {
	Redeem(ctx context.Context, requestURI, clientID string, params map[string]string) (oauth.AuthorizationRequest, error)
}

var _ PushedRequests = (*par.Manager)(nil)

// AuthorizationService turns an end-user consent decision into an
// authorization code.
type AuthorizationService struct {
	instrumentation
	store  repository.RecordStore
	pushed PushedRequests
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthorizationService wires dependencies.
func NewAuthorizationService(store repository.RecordStore, pushed PushedRequests, cfg config.Config, recorder *metrics.Recorder, logger *zap.Logger) *AuthorizationService {
	return &AuthorizationService{
		instrumentation: newInstrumentation(logger, recorder),
		store:           store,
		pushed:          pushed,
		issuer:          cfg.IssuerURI,
		ttl:             cfg.AuthCodeTTL,
		now:             time.Now,
	}
}

// Authorize redeems the pushed request and, when the user approved, stores a
// single-use authorization code. The returned redirect carries either the
// code or an access_denied error.
func (s *AuthorizationService) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	ctx, span := s.startSpan(ctx, "AuthorizationService.Authorize")
	defer span.End()

	if in.RequestURI == "" || in.ClientID == "" {
		return nil, newOAuthError("invalid_request", "request_uri and client_id are required.", http.StatusBadRequest)
	}

	req, err := s.pushed.Redeem(ctx, in.RequestURI, in.ClientID, in.Params)
	if err != nil {
		span.RecordError(err)
		var mismatch *par.MismatchError
		switch {
		case errors.As(err, &mismatch):
			return nil, newOAuthError("invalid_request", fmt.Sprintf("Parameter %s does not match the pushed request.", mismatch.Parameter), http.StatusBadRequest)
		case errors.Is(err, oauth.ErrClientMismatch):
			s.policyViolation("par_redeem", in.ClientID)
			return nil, newOAuthError("invalid_request", "Invalid request_uri.", http.StatusBadRequest)
		case errors.Is(err, oauth.ErrNotFound), errors.Is(err, oauth.ErrExpired):
			return nil, newOAuthError("invalid_request", "Invalid or expired request_uri.", http.StatusBadRequest)
		default:
			return nil, err
		}
	}

	if !in.Approved {
		s.audit("authorization.denied", "client_id", in.ClientID)
		return &AuthorizeResult{RedirectURI: redirectWith(req.RedirectURI, url.Values{
			"error": {"access_denied"},
			"state": {req.State},
			"iss":   {s.issuer},
		})}, nil
	}
	if in.Subject == "" {
		return nil, newOAuthError("invalid_request", "subject is required.", http.StatusBadRequest)
	}

	now := s.now()
	code := randomString(32)
	rec, err := domain.NewRecord(domain.HashReference(code), req.ClientID, in.Subject, domain.AuthorizationCodeData{
		Request:    req,
		Subject:    in.Subject,
		AccountIDs: in.AccountIDs,
		AuthTime:   now.UTC(),
	}, now, domain.ExpiresIn(now, s.ttl))
	if err != nil {
		return nil, fmt.Errorf("build authorization code: %w", err)
	}
	if err := s.store.Store(ctx, rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("persist authorization code: %w", err)
	}

	s.audit("authorization_code.issued", "client_id", req.ClientID)
	return &AuthorizeResult{RedirectURI: redirectWith(req.RedirectURI, url.Values{
		"code":  {code},
		"state": {req.State},
		"iss":   {s.issuer},
	})}, nil
}

func redirectWith(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, vs := range params {
		if len(vs) == 0 || vs[0] == "" {
			continue
		}
		q.Set(k, vs[0])
	}
	u.RawQuery = q.Encode()
	return u.String()
}
