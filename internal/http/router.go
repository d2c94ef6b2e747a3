// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"cargolink/internal/http/handlers"
	"cargolink/internal/http/middleware"
	"cargolink/internal/infra"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/modules/tracking"
	"cargolink/internal/notify"
	"cargolink/internal/status"
)

type RouterDeps struct {
	Dispatch *dispatch.Service
	Tracking *tracking.Service
	Registry *notify.WSRegistry
	Verifier infra.TokenVerifier
	Log      zerolog.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	shipperHandler := handlers.NewShipperHandler(deps.Dispatch)
	shipper := api.Group("/shipper", middleware.RequireRole(status.RoleShipper))
	shipper.POST("/shipments", shipperHandler.Submit)
	shipper.GET("/shipments/:id", shipperHandler.Get)
	shipper.GET("/shipments/:id/proposals", shipperHandler.ListProposals)
	shipper.POST("/shipments/:id/cancel", shipperHandler.Cancel)
	shipper.POST("/shipments/:id/ack_completion", shipperHandler.AckCompletion)
	shipper.POST("/proposals/:id/accept", shipperHandler.Accept)
	shipper.POST("/proposals/:id/reject", shipperHandler.Reject)

	carrierHandler := handlers.NewCarrierHandler(deps.Dispatch)
	carrier := api.Group("/carrier", middleware.RequireRole(status.RoleCarrier))
	carrier.POST("/availability", carrierHandler.DeclareAvailability)
	carrier.POST("/availability/:id/cancel", carrierHandler.Cancel)
	carrier.POST("/bids", carrierHandler.Accept)
	carrier.POST("/declines", carrierHandler.Decline)
	carrier.POST("/proposals/:id/start", carrierHandler.StartJourney)
	carrier.POST("/proposals/:id/complete", carrierHandler.CompleteJourney)
	carrier.GET("/outcomes", carrierHandler.UnseenOutcomes)
	carrier.POST("/proposals/:id/ack", carrierHandler.AckOutcome)

	adminHandler := handlers.NewAdminHandler(deps.Dispatch)
	admin := api.Group("/admin", middleware.RequireRole(status.RoleAdmin))
	admin.POST("/shipments/:id/cancel", adminHandler.CancelShipment)
	admin.POST("/carrier_requests/:id/cancel", adminHandler.CancelCarrier)
	admin.POST("/proposals/:id/complete", adminHandler.CompleteJourney)

	trackingHandler := handlers.NewTrackingHandler(deps.Tracking)
	api.POST("/proposals/:id/route_points", trackingHandler.Append)
	api.GET("/proposals/:id/route_points", trackingHandler.Latest)

	wsHandler := handlers.NewWSHandler(deps.Registry, deps.Log)
	api.GET("/ws", wsHandler.Connect)

	return r
}
