package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/jwt"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// AccessTokenParser verifies access tokens issued by this server.
type AccessTokenParser interface {
	ParseAccessToken(ctx context.Context, token string) (*gojwt.Claims, *jwt.AccessTokenClaims, error)
	AccessTTL() time.Duration
}

var _ AccessTokenParser = (*jwt.Generator)(nil)

// RevocationCoordinator cascades revocation across refresh tokens,
// arrangements and access token markers.
type RevocationCoordinator struct {
	instrumentation
	store        repository.RecordStore
	arrangements ArrangementManager
	tokens       AccessTokenParser
	now          func() time.Time
}

// NewRevocationCoordinator wires dependencies.
func NewRevocationCoordinator(store repository.RecordStore, arrangements ArrangementManager, tokens AccessTokenParser, recorder *metrics.Recorder, logger *zap.Logger) *RevocationCoordinator {
	return &RevocationCoordinator{
		instrumentation: newInstrumentation(logger, recorder),
		store:           store,
		arrangements:    arrangements,
		tokens:          tokens,
		now:             time.Now,
	}
}

// WithClock overrides the marker clock.
func (c *RevocationCoordinator) WithClock(now func() time.Time) *RevocationCoordinator {
	c.now = now
	return c
}

// RevokeByArrangement removes the grants of an arrangement owned by clientID
// and marks access tokens issued under it as revoked.
func (c *RevocationCoordinator) RevokeByArrangement(ctx context.Context, arrangementID, clientID string) error {
	ctx, span := c.startSpan(ctx, "RevocationCoordinator.RevokeByArrangement")
	defer span.End()

	if arrangementID == "" {
		return newOAuthError("invalid_request", "cdr_arrangement_id is required.", http.StatusBadRequest)
	}

	alternative, altErr := c.arrangements.FindAlternativeArrangement(ctx, arrangementID, clientID)
	if altErr != nil && !errors.Is(altErr, oauth.ErrNotFound) {
		c.log().Warn("lookup alternative arrangement", zap.String("arrangement_id", arrangementID), zap.Error(altErr))
	}

	result, err := c.arrangements.RemoveGrantsForArrangement(ctx, arrangementID, clientID)
	c.metrics.Revocation("arrangement", result.String())
	switch result {
	case arrangement.RemovalOK:
	case arrangement.RemovalNotValid:
		return newOAuthError("invalid_arrangement", "Arrangement is not valid.", http.StatusUnprocessableEntity)
	case arrangement.RemovalNotAssociatedToClient:
		c.policyViolation("revoke_arrangement", clientID, zap.String("arrangement_id", arrangementID))
		return newOAuthError("invalid_arrangement", "Arrangement is not associated with the client.", http.StatusForbidden)
	default:
		span.RecordError(err)
		return fmt.Errorf("remove arrangement grants: %w", err)
	}

	marker := domain.RevocationMarkerData{ArrangementID: arrangementID, Reason: "arrangement_revoked", RevokedAt: c.now().UTC()}
	if err := c.storeMarker(ctx, arrangementMarkerKey(arrangementID), clientID, marker, c.now().Add(c.tokens.AccessTTL())); err != nil {
		span.RecordError(err)
		return err
	}

	c.audit("arrangement.revoked",
		"client_id", clientID,
		"arrangement_id", arrangementID,
		"alternative_arrangement_id", alternative,
	)
	return nil
}

// RevokeToken implements token revocation. Unknown, foreign and already
// revoked tokens all succeed; ownership violations are only logged.
func (c *RevocationCoordinator) RevokeToken(ctx context.Context, token, clientID string) error {
	ctx, span := c.startSpan(ctx, "RevocationCoordinator.RevokeToken")
	defer span.End()

	if token == "" {
		return newOAuthError("invalid_request", "token is required.", http.StatusBadRequest)
	}

	key := domain.HashReference(token)
	rec, err := c.store.Get(ctx, key)
	switch {
	case err == nil && rec.Type == domain.RecordRefreshToken:
		return c.revokeRefresh(ctx, rec, clientID)
	case err != nil && !errors.Is(err, oauth.ErrNotFound):
		span.RecordError(err)
		return fmt.Errorf("lookup refresh token: %w", err)
	}

	std, claims, err := c.tokens.ParseAccessToken(ctx, token)
	if err != nil {
		c.metrics.Revocation("token", "unknown")
		c.log().Debug("revocation of unrecognised token", zap.String("client_id", clientID))
		return nil
	}
	if claims.ClientID != clientID {
		c.metrics.Revocation("access_token", "foreign")
		c.policyViolation("revoke_token", clientID)
		return nil
	}

	marker := domain.RevocationMarkerData{TokenID: std.ID, ArrangementID: claims.ArrangementID, Reason: "token_revoked", RevokedAt: c.now().UTC()}
	if err := c.storeMarker(ctx, tokenMarkerKey(std.ID), clientID, marker, std.Expiry.Time()); err != nil {
		span.RecordError(err)
		return err
	}
	c.metrics.Revocation("access_token", "ok")
	c.audit("access_token.revoked", "client_id", clientID, "jti", std.ID)
	return nil
}

func (c *RevocationCoordinator) revokeRefresh(ctx context.Context, rec domain.Record, clientID string) error {
	if rec.ClientID != clientID {
		c.metrics.Revocation("refresh_token", "foreign")
		c.policyViolation("revoke_token", clientID)
		return nil
	}
	data, err := domain.Decode[domain.RefreshTokenData](rec)
	if err != nil {
		return err
	}
	if err := c.store.Remove(ctx, rec.Key); err != nil {
		return fmt.Errorf("remove refresh token: %w", err)
	}
	if err := c.arrangements.DetachRefreshToken(ctx, data.ArrangementID, rec.Key); err != nil {
		return fmt.Errorf("detach refresh token: %w", err)
	}
	c.metrics.Revocation("refresh_token", "ok")
	c.audit("refresh_token.revoked", "client_id", clientID, "arrangement_id", data.ArrangementID)
	return nil
}

// IsRevoked reports whether an access token was revoked, either directly by
// jti or through its arrangement.
func (c *RevocationCoordinator) IsRevoked(ctx context.Context, jti, arrangementID string) (bool, error) {
	keys := make([]string, 0, 2)
	if jti != "" {
		keys = append(keys, tokenMarkerKey(jti))
	}
	if arrangementID != "" {
		keys = append(keys, arrangementMarkerKey(arrangementID))
	}
	for _, key := range keys {
		_, err := c.store.Get(ctx, key)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, oauth.ErrNotFound) {
			return false, fmt.Errorf("lookup revocation marker: %w", err)
		}
	}
	return false, nil
}

func (c *RevocationCoordinator) storeMarker(ctx context.Context, key, clientID string, marker domain.RevocationMarkerData, expires time.Time) error {
	now := c.now()
	if !expires.After(now) {
		return nil
	}
	rec, err := domain.NewRecord(key, clientID, "", marker, now, &expires)
	if err != nil {
		return fmt.Errorf("build revocation marker: %w", err)
	}
	if err := c.store.Store(ctx, rec); err != nil {
		return fmt.Errorf("store revocation marker: %w", err)
	}
	return nil
}

func tokenMarkerKey(jti string) string { return "revocation:jti:" + jti }

func arrangementMarkerKey(id string) string { return "revocation:arrangement:" + id }
