package par

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-dataholder/internal/arrangement"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
)

const maxRequestObjectLifetime = time.Hour

// SupportedAlgorithms lists the request object signing algorithms accepted.
var SupportedAlgorithms = []jose.SignatureAlgorithm{jose.PS256, jose.ES256}

// ArrangementLookup resolves arrangement ids referenced by amending requests.
type ArrangementLookup interface {
	Get(ctx context.Context, id string) (arrangement.Arrangement, error)
}

// Validator turns a PAR form post into a validated AuthorizationRequest.
type Validator struct {
	issuer             string
	maxSharingDuration time.Duration
	arrangements       ArrangementLookup
	now                func() time.Time
}

// NewValidator constructs a Validator. A zero maxSharingDuration disables the cap.
func NewValidator(issuer string, maxSharingDuration time.Duration, arrangements ArrangementLookup) *Validator {
	return &Validator{
		issuer:             issuer,
		maxSharingDuration: maxSharingDuration,
		arrangements:       arrangements,
		now:                time.Now,
	}
}

// WithClock overrides the clock used for request object time checks.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

type requestObjectClaims struct {
	ClientID            string          `json:"client_id"`
	ResponseType        string          `json:"response_type"`
	ResponseMode        string          `json:"response_mode"`
	RedirectURI         string          `json:"redirect_uri"`
	Scope               string          `json:"scope"`
	State               string          `json:"state"`
	Nonce               string          `json:"nonce"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod string          `json:"code_challenge_method"`
	Claims              json.RawMessage `json:"claims"`
}

type sharingClaims struct {
	SharingDuration *int64 `json:"sharing_duration"`
	ArrangementID   string `json:"cdr_arrangement_id"`
}

// Validate checks client eligibility, the signed request object and the
// consent parameters it carries. It returns the request and the raw request
// object.
func (v *Validator) Validate(ctx context.Context, client domain.Client, form url.Values) (oauth.AuthorizationRequest, string, error) {
	if !client.Active() || !client.AllowsGrant("authorization_code") {
		return oauth.AuthorizationRequest{}, "", fmt.Errorf("client %s may not use the authorization code grant: %w", client.ClientID, oauth.ErrUnauthorizedClient)
	}
	if form.Get("request_uri") != "" {
		return oauth.AuthorizationRequest{}, "", fmt.Errorf("request_uri is not allowed at the PAR endpoint: %w", oauth.ErrInvalidRequest)
	}
	raw := form.Get("request")
	if raw == "" {
		return oauth.AuthorizationRequest{}, "", fmt.Errorf("request object is required: %w", oauth.ErrInvalidRequest)
	}
	if id := form.Get("client_id"); id != "" && id != client.ClientID {
		return oauth.AuthorizationRequest{}, "", fmt.Errorf("client_id does not match authenticated client: %w", oauth.ErrInvalidRequest)
	}

	claims, err := v.verifyRequestObject(client, raw)
	if err != nil {
		return oauth.AuthorizationRequest{}, "", err
	}

	req, err := v.buildRequest(ctx, client, claims)
	if err != nil {
		return oauth.AuthorizationRequest{}, "", err
	}
	req.Parameters = parameters(req, form)
	return req, raw, nil
}

func (v *Validator) verifyRequestObject(client domain.Client, raw string) (requestObjectClaims, error) {
	var claims requestObjectClaims

	tok, err := josejwt.ParseSigned(raw, SupportedAlgorithms)
	if err != nil {
		return claims, fmt.Errorf("parse request object: %v: %w", err, oauth.ErrInvalidRequestObject)
	}
	key, err := clientKey(client, tok.Headers)
	if err != nil {
		return claims, err
	}

	var std josejwt.Claims
	if err := tok.Claims(key, &std, &claims); err != nil {
		return claims, fmt.Errorf("verify request object: %v: %w", err, oauth.ErrInvalidRequestObject)
	}
	if std.Expiry == nil || std.NotBefore == nil {
		return claims, fmt.Errorf("request object requires exp and nbf: %w", oauth.ErrInvalidRequestObject)
	}
	if std.Expiry.Time().Sub(std.NotBefore.Time()) > maxRequestObjectLifetime {
		return claims, fmt.Errorf("request object lifetime exceeds %s: %w", maxRequestObjectLifetime, oauth.ErrInvalidRequestObject)
	}
	expected := josejwt.Expected{
		Issuer:      client.ClientID,
		AnyAudience: josejwt.Audience{v.issuer},
		Time:        v.now(),
	}
	if err := std.ValidateWithLeeway(expected, 0); err != nil {
		return claims, fmt.Errorf("validate request object claims: %v: %w", err, oauth.ErrInvalidRequestObject)
	}
	if claims.ClientID != client.ClientID {
		return claims, fmt.Errorf("request object client_id mismatch: %w", oauth.ErrInvalidRequestObject)
	}
	return claims, nil
}

func (v *Validator) buildRequest(ctx context.Context, client domain.Client, c requestObjectClaims) (oauth.AuthorizationRequest, error) {
	req := oauth.AuthorizationRequest{
		ClientID:            c.ClientID,
		ResponseType:        c.ResponseType,
		ResponseMode:        c.ResponseMode,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		State:               c.State,
		Nonce:               c.Nonce,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Claims:              c.Claims,
	}

	// Codes are only ever returned on the query string.
	if req.ResponseType != "code" {
		return req, fmt.Errorf("unsupported response_type %q: %w", req.ResponseType, oauth.ErrInvalidRequest)
	}
	switch req.ResponseMode {
	case "", "query":
	default:
		return req, fmt.Errorf("unsupported response_mode %q: %w", req.ResponseMode, oauth.ErrInvalidRequest)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return req, fmt.Errorf("redirect_uri is not registered: %w", oauth.ErrInvalidRequest)
	}
	if !req.HasScope("openid") {
		return req, fmt.Errorf("openid scope is required: %w", oauth.ErrInvalidRequest)
	}
	for _, s := range req.Scopes() {
		if !client.AllowsScope(s) {
			return req, fmt.Errorf("scope %q is not registered: %w", s, oauth.ErrInvalidRequest)
		}
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != "S256" {
		return req, fmt.Errorf("S256 code_challenge is required: %w", oauth.ErrInvalidRequest)
	}

	if len(c.Claims) > 0 {
		var sc sharingClaims
		if err := json.Unmarshal(c.Claims, &sc); err != nil {
			return req, fmt.Errorf("decode claims: %v: %w", err, oauth.ErrInvalidRequestObject)
		}
		if sc.SharingDuration != nil {
			if *sc.SharingDuration < 0 {
				return req, fmt.Errorf("sharing_duration must not be negative: %w", oauth.ErrInvalidRequest)
			}
			req.SharingDuration = *sc.SharingDuration
		}
		req.ArrangementID = sc.ArrangementID
	}
	if limit := int64(v.maxSharingDuration / time.Second); limit > 0 && req.SharingDuration > limit {
		req.SharingDuration = limit
	}

	if req.ArrangementID != "" {
		arr, err := v.arrangements.Get(ctx, req.ArrangementID)
		if err != nil {
			if errors.Is(err, oauth.ErrNotFound) {
				return req, fmt.Errorf("cdr_arrangement_id %q: %w", req.ArrangementID, oauth.ErrInvalidArrangement)
			}
			return req, err
		}
		if arr.ClientID != client.ClientID {
			return req, fmt.Errorf("cdr_arrangement_id %q: %w", req.ArrangementID, oauth.ErrInvalidArrangement)
		}
	}
	return req, nil
}

func clientKey(client domain.Client, headers []jose.Header) (jose.JSONWebKey, error) {
	if len(headers) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("request object has no header: %w", oauth.ErrInvalidRequestObject)
	}
	key, err := client.VerificationKey(headers[0].KeyID)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("client %s: %v: %w", client.ClientID, err, oauth.ErrInvalidRequestObject)
	}
	return key, nil
}

// parameters flattens the effective request into the map compared against
// the authorize call.
func parameters(req oauth.AuthorizationRequest, form url.Values) map[string]string {
	out := map[string]string{}
	for k, vs := range form {
		switch k {
		case "request", "client_assertion", "client_assertion_type":
			continue
		}
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("client_id", req.ClientID)
	set("response_type", req.ResponseType)
	set("response_mode", req.ResponseMode)
	set("redirect_uri", req.RedirectURI)
	set("scope", req.Scope)
	set("state", req.State)
	set("nonce", req.Nonce)
	set("code_challenge", req.CodeChallenge)
	set("code_challenge_method", req.CodeChallengeMethod)
	set("cdr_arrangement_id", req.ArrangementID)
	if req.SharingDuration > 0 {
		out["sharing_duration"] = strconv.FormatInt(req.SharingDuration, 10)
	}
	return out
}
