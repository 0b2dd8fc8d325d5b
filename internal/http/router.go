package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-dataholder/internal/config"
	"github.com/smallbiznis/valora-dataholder/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-dataholder/internal/http/middleware"
	"github.com/smallbiznis/valora-dataholder/internal/metrics"
	"github.com/smallbiznis/valora-dataholder/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, h *handler.DataHolderHandler, clientAuth *httpmiddleware.ClientAuth, rateLimiter *middleware.RateLimiter, recorder *metrics.Recorder, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpmiddleware.RequestLogger(logger, recorder))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}

	wellKnown := r.Group("/.well-known", middleware.CORS(cfg))
	{
		wellKnown.GET("/openid-configuration", h.OpenIDConfig)
		wellKnown.GET("/jwks.json", h.JWKS)
	}

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", h.Authorize)
		oauth.POST("/authorize/decision", httpmiddleware.ConsentAPIKey(cfg.ConsentAPIKey), h.AuthorizeDecision)
		oauth.POST("/par", clientAuth.RequireClient, h.PushAuthorizationRequest)
		oauth.POST("/token", clientAuth.RequireClient, h.Token)
		oauth.POST("/revoke", clientAuth.RequireClient, h.Revoke)
	}

	r.POST("/arrangements/revoke", clientAuth.RequireClient, h.RevokeArrangement)

	if recorder != nil {
		r.GET("/metrics", gin.WrapH(recorder.Handler()))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
