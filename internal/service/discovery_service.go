package service

import (
	"context"
	"fmt"

	gojose "github.com/go-jose/go-jose/v4"

	"github.com/smallbiznis/valora-dataholder/internal/jwt"
)

// DiscoveryService builds responses for discovery endpoints.
type DiscoveryService struct {
	issuer string
	signer jwt.SigningService
}

// NewDiscoveryService constructs a DiscoveryService.
func NewDiscoveryService(issuer string, signer jwt.SigningService) *DiscoveryService {
	return &DiscoveryService{issuer: issuer, signer: signer}
}

// OpenIDConfiguration matches the OIDC discovery document.
type OpenIDConfiguration struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	PushedAuthorizationRequestEndpoint string   `json:"pushed_authorization_request_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	RevocationEndpoint                 string   `json:"revocation_endpoint"`
	ArrangementRevocationEndpoint      string   `json:"cdr_arrangement_revocation_endpoint"`
	JWKSURI                            string   `json:"jwks_uri"`
	RequirePushedAuthorizationRequests bool     `json:"require_pushed_authorization_requests"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	ResponseModesSupported             []string `json:"response_modes_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	SubjectTypesSupported              []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported   []string `json:"id_token_signing_alg_values_supported"`
	RequestObjectSigningAlgValues      []string `json:"request_object_signing_alg_values_supported"`
	TokenEndpointAuthMethods           []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValues  []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	ScopesSupported                    []string `json:"scopes_supported"`
	ACRValuesSupported                 []string `json:"acr_values_supported"`
	ClaimsSupported                    []string `json:"claims_supported"`
}

// OpenIDConfigurationResponse builds the OIDC document for the configured issuer.
func (s *DiscoveryService) OpenIDConfigurationResponse() OpenIDConfiguration {
	base := s.issuer
	return OpenIDConfiguration{
		Issuer:                             s.issuer,
		AuthorizationEndpoint:              fmt.Sprintf("%s/oauth/authorize", base),
		PushedAuthorizationRequestEndpoint: fmt.Sprintf("%s/oauth/par", base),
		TokenEndpoint:                      fmt.Sprintf("%s/oauth/token", base),
		RevocationEndpoint:                 fmt.Sprintf("%s/oauth/revoke", base),
		ArrangementRevocationEndpoint:      fmt.Sprintf("%s/arrangements/revoke", base),
		JWKSURI:                            fmt.Sprintf("%s/.well-known/jwks.json", base),
		RequirePushedAuthorizationRequests: true,
		ResponseTypesSupported:             []string{"code"},
		ResponseModesSupported:             []string{"query"},
		GrantTypesSupported:                []string{grantAuthorizationCode, grantRefreshToken, grantClientCredentials},
		SubjectTypesSupported:              []string{"pairwise"},
		IDTokenSigningAlgValuesSupported:   []string{string(gojose.PS256)},
		RequestObjectSigningAlgValues:      []string{string(gojose.PS256), string(gojose.ES256)},
		TokenEndpointAuthMethods:           []string{"private_key_jwt"},
		TokenEndpointAuthSigningAlgValues:  []string{string(gojose.PS256), string(gojose.ES256)},
		CodeChallengeMethodsSupported:      []string{"S256"},
		ScopesSupported:                    []string{"openid", "profile", "bank:accounts.basic:read", "bank:accounts.detail:read", "bank:transactions:read", "common:customer.basic:read"},
		ACRValuesSupported:                 []string{cdrACR},
		ClaimsSupported:                    []string{"sub", "acr", "auth_time", "cdr_arrangement_id", "sharing_expires_at", "refresh_token_expires_at"},
	}
}

// JWKS returns the public signing keys.
func (s *DiscoveryService) JWKS(ctx context.Context) (gojose.JSONWebKeySet, error) {
	return jwt.JWKS(ctx, s.signer)
}
