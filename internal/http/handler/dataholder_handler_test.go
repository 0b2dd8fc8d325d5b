package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	gojose "github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	httpHandler "github.com/smallbiznis/valora-dataholder/internal/http/handler"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/service"
)

type fakePAR struct {
	form url.Values
	err  error
}

func (f *fakePAR) Push(_ context.Context, _ domain.Client, form url.Values) (oauth.PushedRequest, error) {
	f.form = form
	if f.err != nil {
		return oauth.PushedRequest{}, f.err
	}
	return oauth.PushedRequest{RequestURI: "urn:ietf:params:oauth:request_uri:abc", ExpiresIn: 90}, nil
}

type fakeTokens struct {
	req service.TokenRequest
	err error
}

func (f *fakeTokens) Exchange(_ context.Context, _ domain.Client, req service.TokenRequest) (*service.TokenResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &service.TokenResponse{AccessToken: "at", TokenType: "Bearer", ExpiresIn: 300}, nil
}

type fakeRevoker struct {
	revoked     []string
	arrangement error
}

func (f *fakeRevoker) RevokeToken(_ context.Context, token, _ string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

func (f *fakeRevoker) RevokeByArrangement(_ context.Context, _, _ string) error {
	return f.arrangement
}

type fakeDiscovery struct{}

func (fakeDiscovery) OpenIDConfigurationResponse() service.OpenIDConfiguration {
	return service.OpenIDConfiguration{Issuer: "https://dh.example"}
}

func (fakeDiscovery) JWKS(context.Context) (gojose.JSONWebKeySet, error) {
	return gojose.JSONWebKeySet{}, nil
}

func postForm(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func withClient(req *http.Request) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set("client", domain.Client{ClientID: "client-1"})
	return c, w
}

func TestPushAuthorizationRequest(t *testing.T) {
	recorder := metrics.NewRecorder()
	pushed := &fakePAR{}
	h := &httpHandler.DataHolderHandler{PAR: pushed, Metrics: recorder}

	c, w := withClient(postForm(url.Values{"request": {"eyJ..."}}))
	h.PushAuthorizationRequest(c)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	require.Equal(t, "eyJ...", pushed.form.Get("request"))
	require.Contains(t, w.Body.String(), "urn:ietf:params:oauth:request_uri:abc")

	pushed.err = oauth.ErrInvalidArrangement
	c, w = withClient(postForm(url.Values{"request": {"eyJ..."}}))
	h.PushAuthorizationRequest(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.JSONEq(t, `{"error":"invalid_request","error_description":"Invalid cdr_arrangement_id."}`, w.Body.String())

	expected := `
# HELP dataholder_par_requests_total Pushed authorization requests by outcome
# TYPE dataholder_par_requests_total counter
dataholder_par_requests_total{outcome="invalid_arrangement"} 1
dataholder_par_requests_total{outcome="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(expected), "dataholder_par_requests_total"))
}

func TestTokenRequiresGrantType(t *testing.T) {
	tokens := &fakeTokens{}
	h := &httpHandler.DataHolderHandler{Tokens: tokens}

	c, w := withClient(postForm(url.Values{"code": {"x"}}))
	h.Token(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	c, w = withClient(postForm(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"x"},
		"redirect_uri":  {"https://adr.example/cb"},
		"code_verifier": {"v"},
	}))
	h.Token(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "authorization_code", tokens.req.GrantType)
	require.Equal(t, "https://adr.example/cb", tokens.req.RedirectURI)

	var body service.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "at", body.AccessToken)
}

func TestTokenMapsGrantErrors(t *testing.T) {
	h := &httpHandler.DataHolderHandler{Tokens: &fakeTokens{err: oauth.ErrInvalidGrant}}
	c, w := withClient(postForm(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"r"}}))
	h.Token(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), `"invalid_grant"`)
}

func TestTokenWithoutClientIsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = postForm(url.Values{"grant_type": {"client_credentials"}})

	(&httpHandler.DataHolderHandler{Tokens: &fakeTokens{}}).Token(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevoke(t *testing.T) {
	revoker := &fakeRevoker{}
	h := &httpHandler.DataHolderHandler{Revocations: revoker}

	c, w := withClient(postForm(url.Values{}))
	h.Revoke(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	c, w = withClient(postForm(url.Values{"token": {"unknown"}}))
	h.Revoke(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"unknown"}, revoker.revoked)
}

func TestRevokeArrangementStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"revoked", nil, http.StatusNoContent},
		{"unknown", &service.OAuthError{Code: "invalid_arrangement", Status: http.StatusUnprocessableEntity}, http.StatusUnprocessableEntity},
		{"foreign", &service.OAuthError{Code: "access_denied", Status: http.StatusForbidden}, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &httpHandler.DataHolderHandler{Revocations: &fakeRevoker{arrangement: tc.err}}
			c, w := withClient(postForm(url.Values{"cdr_arrangement_id": {"a-1"}}))
			h.RevokeArrangement(c)
			c.Writer.WriteHeaderNow()
			require.Equal(t, tc.status, w.Code)
		})
	}
}

func TestAuthorizeForwardsToConsentUI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &httpHandler.DataHolderHandler{ConsentUIURL: "https://consent.example/start?tenant=bank"}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=client-1&request_uri=urn%3Ax", nil)
	h.Authorize(c)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "consent.example", location.Host)
	require.Equal(t, "bank", location.Query().Get("tenant"))
	require.Equal(t, "urn:x", location.Query().Get("request_uri"))

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/oauth/authorize?client_id=client-1&response_type=code", nil)
	h.Authorize(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWellKnown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &httpHandler.DataHolderHandler{Discovery: fakeDiscovery{}}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	h.OpenIDConfig(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"issuer":"https://dh.example"`)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	h.JWKS(c)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "keys")
}
