package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	gojose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-dataholder/internal/http/middleware"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/service"
)

type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, clientID, _, assertion string) (domain.Client, error) {
	if assertion != "valid" {
		return domain.Client{}, errors.New("bad assertion")
	}
	return domain.Client{ClientID: clientID}, nil
}

type stubRevoker struct{ clientID string }

func (s *stubRevoker) RevokeToken(_ context.Context, _, clientID string) error {
	s.clientID = clientID
	return nil
}

func (s *stubRevoker) RevokeByArrangement(context.Context, string, string) error { return nil }

type stubAuthorizer struct{}

func (stubAuthorizer) Authorize(context.Context, service.AuthorizeInput) (*service.AuthorizeResult, error) {
	return &service.AuthorizeResult{RedirectURI: "https://adr.example/cb?code=c"}, nil
}

type stubDiscovery struct{}

func (stubDiscovery) OpenIDConfigurationResponse() service.OpenIDConfiguration {
	return service.OpenIDConfiguration{Issuer: "https://dh.example"}
}

func (stubDiscovery) JWKS(context.Context) (gojose.JSONWebKeySet, error) {
	return gojose.JSONWebKeySet{}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubRevoker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	revoker := &stubRevoker{}
	recorder := metrics.NewRecorder()
	cfg := config.Config{
		ServiceName:        "test",
		ConsentAPIKey:      "consent-key",
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET"},
		CORSAllowedHeaders: []string{"Content-Type"},
	}
	h := &handler.DataHolderHandler{
		Authorizer:  stubAuthorizer{},
		Revocations: revoker,
		Discovery:   stubDiscovery{},
		Metrics:     recorder,
	}
	return NewRouter(cfg, h, &httpmiddleware.ClientAuth{Verifier: stubVerifier{}}, nil, recorder, nil), revoker
}

func TestClientAuthGuardsOAuthEndpoints(t *testing.T) {
	r, revoker := newTestRouter(t)

	send := func(assertion string) int {
		form := url.Values{
			"client_id":             {"client-1"},
			"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
			"client_assertion":      {assertion},
			"token":                 {"t"},
		}
		req := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusUnauthorized, send("forged"))
	require.Empty(t, revoker.clientID)
	require.Equal(t, http.StatusOK, send("valid"))
	require.Equal(t, "client-1", revoker.clientID)
}

func TestConsentDecisionRequiresKey(t *testing.T) {
	r, _ := newTestRouter(t)

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/oauth/authorize/decision", strings.NewReader(`{"request_uri":"urn:x","client_id":"client-1","approved":true,"subject":"alice"}`))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-Consent-Api-Key", key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusUnauthorized, send(""))
	require.Equal(t, http.StatusUnauthorized, send("wrong"))
	require.Equal(t, http.StatusOK, send("consent-key"))
}

func TestWellKnownCORSAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Header.Set("Origin", "https://portal.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "dataholder_http_request_duration_seconds")
}
