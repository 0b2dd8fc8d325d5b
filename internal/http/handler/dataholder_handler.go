package handler

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	gojose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
	"github.com/smallbiznis/valora-dataholder/internal/domain/oauth"
	"github.com/smallbiznis/valora-dataholder/internal/http/middleware"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/par"
	"github.com/smallbiznis/valora-dataholder/internal/service"
)

// PushedAuthorization accepts pushed authorization requests.
type PushedAuthorization interface {
	Push(ctx context.Context, client domain.Client, form url.Values) (oauth.PushedRequest, error)
}

// Authorizer records consent decisions.
type Authorizer interface {
	Authorize(ctx context.Context, in service.AuthorizeInput) (*service.AuthorizeResult, error)
}

// TokenExchanger runs token grants.
type TokenExchanger interface {
	Exchange(ctx context.Context, client domain.Client, req service.TokenRequest) (*service.TokenResponse, error)
}

// Revoker revokes tokens and arrangements.
type Revoker interface {
	RevokeToken(ctx context.Context, token, clientID string) error
	RevokeByArrangement(ctx context.Context, arrangementID, clientID string) error
}

// Discovery publishes provider metadata.
type Discovery interface {
	OpenIDConfigurationResponse() service.OpenIDConfiguration
	JWKS(ctx context.Context) (gojose.JSONWebKeySet, error)
}

// DataHolderHandler serves the OAuth and arrangement endpoints.
type DataHolderHandler struct {
	PAR          PushedAuthorization
	Authorizer   Authorizer
	Tokens       TokenExchanger
	Revocations  Revoker
	Discovery    Discovery
	Metrics      *metrics.Recorder
	Logger       *zap.Logger
	ConsentUIURL string
}

// PushAuthorizationRequest handles POST /oauth/par.
func (h *DataHolderHandler) PushAuthorizationRequest(c *gin.Context) {
	client, ok := middleware.GetClient(c)
	if !ok {
		writeError(c, service.ToOAuthError(oauth.ErrUnauthorizedClient))
		return
	}

	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed form body."})
		return
	}

	pushed, err := h.PAR.Push(c.Request.Context(), client, c.Request.PostForm)
	h.Metrics.PushedRequest(par.Classify(err))
	if err != nil {
		h.fail(c, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusCreated, pushed)
}

// Authorize handles the front channel GET /oauth/authorize by forwarding the
// user agent to the consent UI. Only pushed requests are accepted.
func (h *DataHolderHandler) Authorize(c *gin.Context) {
	requestURI := c.Query("request_uri")
	clientID := c.Query("client_id")
	if requestURI == "" || clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "request_uri and client_id are required."})
		return
	}
	if h.ConsentUIURL == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily_unavailable", "error_description": "Consent UI is not configured."})
		return
	}

	target, err := url.Parse(h.ConsentUIURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	q := target.Query()
	for key, values := range c.Request.URL.Query() {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// AuthorizeDecision handles POST /oauth/authorize/decision from the consent UI.
func (h *DataHolderHandler) AuthorizeDecision(c *gin.Context) {
	var in service.AuthorizeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "Malformed decision body."})
		return
	}

	result, err := h.Authorizer.Authorize(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	noStore(c)
	c.JSON(http.StatusOK, result)
}

// Token handles POST /oauth/token.
func (h *DataHolderHandler) Token(c *gin.Context) {
	client, ok := middleware.GetClient(c)
	if !ok {
		writeError(c, service.ToOAuthError(oauth.ErrUnauthorizedClient))
		return
	}

	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		Code         string `form:"code"`
		RedirectURI  string `form:"redirect_uri"`
		CodeVerifier string `form:"code_verifier"`
		RefreshToken string `form:"refresh_token"`
		Scope        string `form:"scope"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "grant_type is required."})
		return
	}

	resp, err := h.Tokens.Exchange(c.Request.Context(), client, service.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
		Scope:        req.Scope,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, resp)
}

// Revoke handles POST /oauth/revoke. Unknown and foreign tokens still
// produce 200.
func (h *DataHolderHandler) Revoke(c *gin.Context) {
	client, ok := middleware.GetClient(c)
	if !ok {
		writeError(c, service.ToOAuthError(oauth.ErrUnauthorizedClient))
		return
	}

	token := c.PostForm("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "token is required."})
		return
	}

	if err := h.Revocations.RevokeToken(c.Request.Context(), token, client.ClientID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// RevokeArrangement handles POST /arrangements/revoke.
func (h *DataHolderHandler) RevokeArrangement(c *gin.Context) {
	client, ok := middleware.GetClient(c)
	if !ok {
		writeError(c, service.ToOAuthError(oauth.ErrUnauthorizedClient))
		return
	}

	if err := h.Revocations.RevokeByArrangement(c.Request.Context(), c.PostForm("cdr_arrangement_id"), client.ClientID); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// OpenIDConfig returns the discovery document.
func (h *DataHolderHandler) OpenIDConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse())
}

// JWKS exposes the public signing keys.
func (h *DataHolderHandler) JWKS(c *gin.Context) {
	jwks, err := h.Discovery.JWKS(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jwks)
}

func (h *DataHolderHandler) fail(c *gin.Context, err error) {
	oe := service.ToOAuthError(err)
	if oe.Status >= http.StatusInternalServerError {
		h.log().Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	writeError(c, oe)
}

func (h *DataHolderHandler) log() *zap.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}

func writeError(c *gin.Context, oe *service.OAuthError) {
	c.JSON(oe.Status, gin.H{"error": oe.Code, "error_description": oe.Description})
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
