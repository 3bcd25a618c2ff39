// Package httpapi exposes the multi-settle operations over HTTP. Callers are
// facilitators authenticated by bearer token; every record operation is
// scoped to the authenticated facilitator.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	multisettle "github.com/x402-foundation/multisettle"
	"github.com/x402-foundation/multisettle/obs"
)

// Server wires the engine into a gin router.
type Server struct {
	engine    *multisettle.Engine
	jwtSecret []byte
	log       *zap.Logger
}

func NewServer(engine *multisettle.Engine, jwtSecret string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		engine:    engine,
		jwtSecret: []byte(jwtSecret),
		log:       log,
	}
}

// Router builds the HTTP routes. Health and metrics are public; everything
// under /multisettle requires a facilitator token.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.logRequests(), obs.Instrument())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(obs.Handler()))

	api := router.Group("/multisettle", s.requireFacilitator())
	{
		api.POST("/authorize", s.handleAuthorize)
		api.POST("/settle", s.handleSettle)
		api.POST("/revoke", s.handleRevoke)
		api.GET("/status/:authorizationId", s.handleStatus)
		api.GET("/active", s.handleListActive)
		api.GET("/supported", s.handleSupported)
	}

	return router
}
