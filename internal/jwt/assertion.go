package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/repository"
)

// ClientAssertionType is the only accepted client_assertion_type.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// AssertionVerifier authenticates clients by private_key_jwt. Each assertion
// jti is recorded in the shared record store until the assertion expires.
type AssertionVerifier struct {
	store     repository.RecordStore
	clients   repository.ClientRepository
	audiences []string
	now       func() time.Time
}

// NewAssertionVerifier accepts assertions addressed to any of audiences.
func NewAssertionVerifier(store repository.RecordStore, clients repository.ClientRepository, audiences ...string) *AssertionVerifier {
	return &AssertionVerifier{store: store, clients: clients, audiences: audiences, now: time.Now}
}

// WithClock overrides the validation clock.
func (v *AssertionVerifier) WithClock(now func() time.Time) *AssertionVerifier {
	v.now = now
	return v
}

// Verify authenticates the assertion and returns the client it names. When
// clientID is non-empty it must match the assertion issuer.
func (v *AssertionVerifier) Verify(ctx context.Context, clientID, assertionType, assertion string) (domain.Client, error) {
	if assertionType != ClientAssertionType || assertion == "" {
		return domain.Client{}, fmt.Errorf("client assertion required: %w", oauth.ErrUnauthorizedClient)
	}

	tok, err := gojwt.ParseSigned(assertion, []gojose.SignatureAlgorithm{gojose.PS256, gojose.ES256})
	if err != nil {
		return domain.Client{}, fmt.Errorf("parse client assertion: %v: %w", err, oauth.ErrUnauthorizedClient)
	}

	var unverified gojwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return domain.Client{}, fmt.Errorf("read client assertion: %v: %w", err, oauth.ErrUnauthorizedClient)
	}
	if clientID == "" {
		clientID = unverified.Issuer
	}
	if clientID == "" || unverified.Issuer != clientID {
		return domain.Client{}, fmt.Errorf("client assertion issuer mismatch: %w", oauth.ErrUnauthorizedClient)
	}

	client, err := v.clients.GetClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, oauth.ErrNotFound) {
			return domain.Client{}, fmt.Errorf("unknown client: %w", oauth.ErrUnauthorizedClient)
		}
		return domain.Client{}, fmt.Errorf("load client: %w", err)
	}
	if !client.Active() {
		return domain.Client{}, fmt.Errorf("client %s is not active: %w", clientID, oauth.ErrUnauthorizedClient)
	}

	kid := ""
	if len(tok.Headers) > 0 {
		kid = tok.Headers[0].KeyID
	}
	key, err := client.VerificationKey(kid)
	if err != nil {
		return domain.Client{}, fmt.Errorf("client %s: %v: %w", clientID, err, oauth.ErrUnauthorizedClient)
	}

	var std gojwt.Claims
	if err := tok.Claims(key, &std); err != nil {
		return domain.Client{}, fmt.Errorf("verify client assertion: %v: %w", err, oauth.ErrUnauthorizedClient)
	}
	if std.Subject != clientID || std.Expiry == nil || std.ID == "" {
		return domain.Client{}, fmt.Errorf("client assertion requires sub, exp and jti: %w", oauth.ErrUnauthorizedClient)
	}
	expected := gojwt.Expected{
		Issuer:      clientID,
		AnyAudience: gojwt.Audience(v.audiences),
		Time:        v.now(),
	}
	if err := std.ValidateWithLeeway(expected, 0); err != nil {
		return domain.Client{}, fmt.Errorf("validate client assertion: %v: %w", err, oauth.ErrUnauthorizedClient)
	}

	if err := v.consume(ctx, clientID, std.ID, std.Expiry.Time()); err != nil {
		return domain.Client{}, err
	}
	return client, nil
}

func (v *AssertionVerifier) consume(ctx context.Context, clientID, jti string, expiry time.Time) error {
	key := "client_assertion:" + domain.HashReference(clientID+"\x00"+jti)
	rec, err := domain.NewRecord(key, clientID, "", domain.ClientAssertionData{JTI: jti}, v.now(), &expiry)
	if err != nil {
		return fmt.Errorf("build assertion record: %w", err)
	}
	err = v.store.Create(ctx, rec)
	switch {
	case errors.Is(err, oauth.ErrAlreadyExists):
		return fmt.Errorf("client assertion jti replayed: %w", oauth.ErrUnauthorizedClient)
	case err != nil:
		return fmt.Errorf("record client assertion: %w", err)
	}
	return nil
}
