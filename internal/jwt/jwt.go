package jwt

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

// Generator is responsible for signing and validating JWTs.
type Generator struct {
	signer    SigningService
	ids       *snowflake.Node
	issuer    string
	accessTTL time.Duration
	idTTL     time.Duration
	now       func() time.Time
}

// NewGenerator constructs a JWT generator.
func NewGenerator(signer SigningService, ids *snowflake.Node, issuer string, accessTTL, idTTL time.Duration) *Generator {
	return &Generator{
		signer:    signer,
		ids:       ids,
		issuer:    issuer,
		accessTTL: accessTTL,
		idTTL:     idTTL,
		now:       time.Now,
	}
}

// WithClock overrides the issuance clock.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// AccessTTL is the lifetime applied to access tokens.
func (g *Generator) AccessTTL() time.Duration { return g.accessTTL }

// AccessTokenClaims represent the private claims of an access token. Subject
// and account identifiers are already pseudonymized.
type AccessTokenClaims struct {
	ClientID      string   `json:"client_id"`
	Scope         string   `json:"scope"`
	SoftwareID    string   `json:"software_id,omitempty"`
	ArrangementID string   `json:"cdr_arrangement_id,omitempty"`
	AccountIDs    []string `json:"account_id,omitempty"`
}

// IDTokenClaims represent the private claims of an ID token.
type IDTokenClaims struct {
	AuthTime              int64  `json:"auth_time,omitempty"`
	Nonce                 string `json:"nonce,omitempty"`
	ACR                   string `json:"acr,omitempty"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`
	SharingExpiresAt      int64  `json:"sharing_expires_at,omitempty"`
}

// IssuedToken is a serialized JWT with its identifier and expiry.
type IssuedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// accessTokenType is the typ header of access tokens. ID tokens carry "JWT".
const accessTokenType = "at+jwt"

// GenerateAccessToken produces a signed access token for subject.
func (g *Generator) GenerateAccessToken(ctx context.Context, subject string, custom AccessTokenClaims) (IssuedToken, error) {
	return g.sign(ctx, accessTokenType, subject, gojwt.Audience{g.issuer}, g.accessTTL, custom)
}

// GenerateIDToken produces a signed ID token for subject addressed to clientID.
func (g *Generator) GenerateIDToken(ctx context.Context, subject, clientID string, custom IDTokenClaims) (IssuedToken, error) {
	return g.sign(ctx, "JWT", subject, gojwt.Audience{clientID}, g.idTTL, custom)
}

func (g *Generator) sign(ctx context.Context, typ gojose.ContentType, subject string, aud gojwt.Audience, ttl time.Duration, custom any) (IssuedToken, error) {
	signer, err := newJOSESigner(ctx, g.signer, typ)
	if err != nil {
		return IssuedToken{}, err
	}

	now := g.now().UTC()
	jti := g.ids.Generate().String()
	expires := now.Add(ttl)
	std := gojwt.Claims{
		ID:        jti,
		Subject:   subject,
		Audience:  aud,
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expires),
		NotBefore: gojwt.NewNumericDate(now),
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return IssuedToken{}, fmt.Errorf("serialize jwt: %w", err)
	}
	return IssuedToken{Token: token, ID: jti, ExpiresAt: expires}, nil
}

// ParseAccessToken verifies an access token issued by this server and returns
// its claims. Expired tokens and other token types are rejected.
func (g *Generator) ParseAccessToken(ctx context.Context, token string) (*gojwt.Claims, *AccessTokenClaims, error) {
	key, err := g.signer.PublicKey(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}

	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.PS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}

	if len(parsed.Headers) != 1 || parsed.Headers[0].ExtraHeaders[gojose.HeaderType] != accessTokenType {
		return nil, nil, fmt.Errorf("parse token: not an access token")
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(key.Public(), &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: g.now()}, 0); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}
	return &std, &custom, nil
}
