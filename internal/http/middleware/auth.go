package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/domain"
)

const clientKey = "client"

// ClientVerifier authenticates a client from its assertion.
type ClientVerifier interface {
	Verify(ctx context.Context, clientID, assertionType, assertion string) (domain.Client, error)
}

// ClientAuth authenticates clients with private_key_jwt form parameters and
// attaches the client to the request.
type ClientAuth struct {
	Verifier ClientVerifier
	Logger   *zap.Logger
}

// RequireClient rejects requests without a valid client assertion.
func (m *ClientAuth) RequireClient(c *gin.Context) {
	client, err := m.Verifier.Verify(
		c.Request.Context(),
		c.PostForm("client_id"),
		c.PostForm("client_assertion_type"),
		c.PostForm("client_assertion"),
	)
	if err != nil {
		m.log().Info("client authentication failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_client", "error_description": "Client authentication failed."})
		return
	}
	c.Set(clientKey, client)
	c.Next()
}

func (m *ClientAuth) log() *zap.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return zap.L()
}

// GetClient returns the authenticated client.
func GetClient(c *gin.Context) (domain.Client, bool) {
	value, ok := c.Get(clientKey)
	if !ok {
		return domain.Client{}, false
	}
	client, ok := value.(domain.Client)
	return client, ok
}

// ConsentAPIKey guards the consent decision endpoint used by the consent UI.
// An empty key disables the endpoint.
func ConsentAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied := c.GetHeader("X-Consent-Api-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "error_description": "Consent API key required."})
			return
		}
		c.Next()
	}
}
