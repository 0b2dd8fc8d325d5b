package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/idperm"
	"github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
	grantClientCredentials = "client_credentials"

	// cdrACR is the only assurance level issued by this server.
	cdrACR = "urn:cds.au:cdr:2"
)

// TokenService orchestrates token issuance for every supported grant.
type TokenService struct {
	instrumentation
	store        repository.RecordStore
	arrangements ArrangementManager
	cipher       idperm.Cipher
	jwt          *jwt.Generator
	cfg          config.Config
	now          func() time.Time
}

// NewTokenService wires dependencies.
func NewTokenService(store repository.RecordStore, arrangements ArrangementManager, cipher idperm.Cipher, generator *jwt.Generator, cfg config.Config, recorder *metrics.Recorder, logger *zap.Logger) *TokenService {
	return &TokenService{
		instrumentation: newInstrumentation(logger, recorder),
		store:           store,
		arrangements:    arrangements,
		cipher:          cipher,
		jwt:             generator,
		cfg:             cfg,
		now:             time.Now,
	}
}

// WithClock overrides the issuance clock.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Exchange dispatches a token request for an authenticated client.
func (s *TokenService) Exchange(ctx context.Context, client domain.Client, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case grantAuthorizationCode:
		return s.AuthorizationCodeGrant(ctx, client, req.Code, req.RedirectURI, req.CodeVerifier)
	case grantRefreshToken:
		return s.RefreshGrant(ctx, client, req.RefreshToken, req.Scope)
	case grantClientCredentials:
		return s.ClientCredentialsGrant(ctx, client, req.Scope)
	case "":
		return nil, newOAuthError("invalid_request", "grant_type is required.", http.StatusBadRequest)
	default:
		return nil, newOAuthError("unsupported_grant_type", "Unsupported grant_type.", http.StatusBadRequest)
	}
}

// AuthorizationCodeGrant redeems an authorization code. The arrangement is
// created before any token is minted.
func (s *TokenService) AuthorizationCodeGrant(ctx context.Context, client domain.Client, code, redirectURI, verifier string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.AuthorizationCodeGrant")
	defer span.End()

	if code == "" {
		return nil, newOAuthError("invalid_request", "Authorization code missing.", http.StatusBadRequest)
	}
	if !client.AllowsGrant(grantAuthorizationCode) {
		return nil, newOAuthError("unauthorized_client", "Client may not use the authorization_code grant.", http.StatusBadRequest)
	}

	codeKey := domain.HashReference(code)
	rec, err := s.store.Take(ctx, codeKey)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if rec.Type != domain.RecordAuthorizationCode {
		return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
	}
	data, err := domain.Decode[domain.AuthorizationCodeData](rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rec.ClientID != client.ClientID {
		s.policyViolation("code_exchange", client.ClientID)
		return nil, newOAuthError("invalid_grant", "Invalid authorization code.", http.StatusBadRequest)
	}
	if redirectURI != data.Request.RedirectURI {
		return nil, newOAuthError("invalid_grant", "Mismatched redirect_uri.", http.StatusBadRequest)
	}
	if !verifyPKCE(data.Request.CodeChallenge, verifier) {
		return nil, newOAuthError("invalid_grant", "PKCE verification failed.", http.StatusBadRequest)
	}

	now := s.now()
	sharingExpiry := data.Request.SharingExpiry(data.AuthTime)
	// A once-off arrangement lives as long as the access token naming it.
	retainUntil := now.Add(s.jwt.AccessTTL()).UTC()

	arrangementID, err := s.arrangements.CreateOrUpdate(ctx, arrangement.Linkage{
		ArrangementID:    data.Request.ArrangementID,
		ClientID:         client.ClientID,
		Subject:          data.Subject,
		AuthCode:         codeKey,
		SharingExpiresAt: sharingExpiry,
		RetainUntil:      &retainUntil,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create arrangement: %w", err)
	}

	claims, err := s.accessClaims(client, data.Subject, data.Request.Scope, arrangementID, data.AccountIDs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	refresh := refreshState{
		ArrangementID:    arrangementID,
		Subject:          data.Subject,
		Scope:            data.Request.Scope,
		SharingExpiresAt: sharingExpiry,
		AccountIDs:       data.AccountIDs,
		AuthTime:         data.AuthTime,
	}

	resp, err := s.issue(ctx, client, refresh, claims, data.Request.Nonce, sharingExpiry != nil && now.Before(*sharingExpiry))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	arr, err := s.arrangements.Get(ctx, arrangementID)
	if err != nil || arr.Subject != data.Subject || arr.ClientID != client.ClientID {
		span.RecordError(fmt.Errorf("arrangement %s does not resolve to the issued grant", arrangementID))
		return nil, newOAuthError("server_error", "Arrangement could not be resolved.", http.StatusInternalServerError)
	}

	s.metrics.TokenIssued(grantAuthorizationCode)
	s.audit("authorization_code.exchanged",
		"client_id", client.ClientID,
		"arrangement_id", arrangementID,
		"refresh_token", resp.RefreshToken != "",
	)
	return resp, nil
}

// RefreshGrant rotates the refresh token and issues a new access token.
func (s *TokenService) RefreshGrant(ctx context.Context, client domain.Client, refreshToken, scope string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.RefreshGrant")
	defer span.End()

	if refreshToken == "" {
		return nil, newOAuthError("invalid_request", "Refresh token missing.", http.StatusBadRequest)
	}
	if !client.AllowsGrant(grantRefreshToken) {
		return nil, newOAuthError("unauthorized_client", "Client may not use the refresh_token grant.", http.StatusBadRequest)
	}

	key := domain.HashReference(refreshToken)
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	if rec.Type != domain.RecordRefreshToken {
		return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
	}
	if rec.ClientID != client.ClientID {
		s.policyViolation("refresh", client.ClientID)
		return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
	}
	data, err := domain.Decode[domain.RefreshTokenData](rec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	arr, err := s.arrangements.Get(ctx, data.ArrangementID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Arrangement has been revoked.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, err
	}
	if arr.RefreshTokenKey != key {
		return nil, newOAuthError("invalid_grant", "Refresh token has been superseded.", http.StatusBadRequest)
	}

	effectiveScope := data.Scope
	if strings.TrimSpace(scope) != "" {
		if !subset(scope, data.Scope) {
			return nil, newOAuthError("invalid_scope", "Requested scope exceeds the original grant.", http.StatusBadRequest)
		}
		effectiveScope = scope
	}

	if _, err := s.store.Take(ctx, key); err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return nil, newOAuthError("invalid_grant", "Invalid refresh token.", http.StatusBadRequest)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}

	var claims jwt.AccessTokenClaims
	if s.cfg.UpdateClaimsOnRefresh || len(data.AccessClaims) == 0 {
		claims, err = s.accessClaims(client, rec.SubjectID, effectiveScope, data.ArrangementID, data.AccountIDs)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	} else {
		if err := json.Unmarshal(data.AccessClaims, &claims); err != nil {
			return nil, fmt.Errorf("decode stored claims: %v: %w", err, oauth.ErrCorruptRecord)
		}
		claims.Scope = effectiveScope
	}

	refresh := refreshState{
		ArrangementID:    data.ArrangementID,
		Subject:          rec.SubjectID,
		Scope:            data.Scope,
		SharingExpiresAt: data.SharingExpiresAt,
		AccountIDs:       data.AccountIDs,
		AuthTime:         data.AuthTime,
	}
	resp, err := s.issue(ctx, client, refresh, claims, "", true)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.metrics.TokenIssued(grantRefreshToken)
	s.audit("refresh_token.rotated", "client_id", client.ClientID, "arrangement_id", data.ArrangementID)
	return resp, nil
}

// ClientCredentialsGrant issues an access token whose subject is the client
// itself. Client identifiers are never pseudonymized.
func (s *TokenService) ClientCredentialsGrant(ctx context.Context, client domain.Client, scope string) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "TokenService.ClientCredentialsGrant")
	defer span.End()

	if !client.AllowsGrant(grantClientCredentials) {
		return nil, newOAuthError("unauthorized_client", "Client may not use the client_credentials grant.", http.StatusBadRequest)
	}
	for _, sc := range strings.Fields(scope) {
		if !client.AllowsScope(sc) {
			return nil, newOAuthError("invalid_scope", "Scope is not registered for the client.", http.StatusBadRequest)
		}
	}

	access, err := s.jwt.GenerateAccessToken(ctx, client.ClientID, jwt.AccessTokenClaims{
		ClientID:   client.ClientID,
		Scope:      scope,
		SoftwareID: client.SoftwareID,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	s.metrics.TokenIssued(grantClientCredentials)
	s.audit("client_credentials.issued", "client_id", client.ClientID)
	return &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.jwt.AccessTTL() / time.Second),
		Scope:       scope,
	}, nil
}

// refreshState is what a refresh token record must carry forward.
type refreshState struct {
	ArrangementID    string
	Subject          string
	Scope            string
	SharingExpiresAt *time.Time
	AccountIDs       []string
	AuthTime         time.Time
}

// issue mints access and ID tokens and, when withRefresh is set and sharing
// has not lapsed, a new refresh token linked to the arrangement.
func (s *TokenService) issue(ctx context.Context, client domain.Client, state refreshState, claims jwt.AccessTokenClaims, nonce string, withRefresh bool) (*TokenResponse, error) {
	now := s.now()
	subject, err := s.pairwiseSubject(client, state.Subject)
	if err != nil {
		return nil, err
	}

	access, err := s.jwt.GenerateAccessToken(ctx, subject, claims)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken:   access.Token,
		TokenType:     "Bearer",
		ExpiresIn:     int64(s.jwt.AccessTTL() / time.Second),
		Scope:         claims.Scope,
		ArrangementID: state.ArrangementID,
	}

	idClaims := jwt.IDTokenClaims{
		AuthTime: state.AuthTime.Unix(),
		Nonce:    nonce,
		ACR:      cdrACR,
	}

	if withRefresh && state.SharingExpiresAt != nil && now.Before(*state.SharingExpiresAt) {
		handle := randomString(s.cfg.RefreshTokenBytes)
		key := domain.HashReference(handle)
		stored, err := json.Marshal(claims)
		if err != nil {
			return nil, fmt.Errorf("encode access claims: %w", err)
		}
		rec, err := domain.NewRecord(key, client.ClientID, state.Subject, domain.RefreshTokenData{
			ArrangementID:    state.ArrangementID,
			Scope:            state.Scope,
			SharingExpiresAt: state.SharingExpiresAt,
			AccountIDs:       state.AccountIDs,
			AuthTime:         state.AuthTime,
			AccessClaims:     stored,
		}, now, state.SharingExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("build refresh token: %w", err)
		}
		if err := s.store.Store(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
		if _, err := s.arrangements.CreateOrUpdate(ctx, arrangement.Linkage{
			ArrangementID:    state.ArrangementID,
			ClientID:         client.ClientID,
			Subject:          state.Subject,
			RefreshTokenKey:  key,
			SharingExpiresAt: state.SharingExpiresAt,
		}); err != nil {
			return nil, fmt.Errorf("link refresh token: %w", err)
		}
		resp.RefreshToken = handle
		idClaims.RefreshTokenExpiresAt = state.SharingExpiresAt.Unix()
		idClaims.SharingExpiresAt = state.SharingExpiresAt.Unix()
	}

	if strings.Contains(" "+claims.Scope+" ", " openid ") {
		idToken, err := s.jwt.GenerateIDToken(ctx, subject, client.ClientID, idClaims)
		if err != nil {
			return nil, fmt.Errorf("generate id token: %w", err)
		}
		resp.IDToken = idToken.Token
	}
	return resp, nil
}

func (s *TokenService) accessClaims(client domain.Client, subject, scope, arrangementID string, accountIDs []string) (jwt.AccessTokenClaims, error) {
	accounts := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		enc, err := s.cipher.Encrypt(id, idperm.Params{ContextKey: subject, SecondaryKey: client.PseudonymKey()})
		if err != nil {
			return jwt.AccessTokenClaims{}, fmt.Errorf("pseudonymize account: %w", err)
		}
		accounts = append(accounts, enc)
	}
	return jwt.AccessTokenClaims{
		ClientID:      client.ClientID,
		Scope:         scope,
		SoftwareID:    client.SoftwareID,
		ArrangementID: arrangementID,
		AccountIDs:    accounts,
	}, nil
}

func (s *TokenService) pairwiseSubject(client domain.Client, subject string) (string, error) {
	if !idperm.Pseudonymizable(subject, client.ClientID) {
		return subject, nil
	}
	sector, err := client.Sector()
	if err != nil {
		return "", fmt.Errorf("pairwise sector: %w", err)
	}
	sub, err := s.cipher.EncryptSubject(subject, idperm.SubjectParams{SectorIdentifierURI: sector, SecondaryKey: client.PseudonymKey()})
	if err != nil {
		return "", fmt.Errorf("pseudonymize subject: %w", err)
	}
	return sub, nil
}

func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func subset(requested, granted string) bool {
	allowed := map[string]struct{}{}
	for _, s := range strings.Fields(granted) {
		allowed[s] = struct{}{}
	}
	for _, s := range strings.Fields(requested) {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}
