// README: WebSocket handler upgrades the caller's connection and registers
// the session for live notifications.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cargolink/internal/http/middleware"
	"cargolink/internal/notify"
	"cargolink/internal/types"
)

type WSHandler struct {
	registry *notify.WSRegistry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(registry *notify.WSRegistry, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func (h *WSHandler) Connect(c *gin.Context) {
	uid := types.ID(middleware.CallerUID(c))
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		writeError(c, http.StatusBadRequest, "upgrade failed")
		return
	}
	h.registry.Add(uid, conn)
	h.log.Debug().Str("user", string(uid)).Msg("session connected")

	// Drain control frames until the peer goes away, then drop the session.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.registry.Remove(uid)
				h.log.Debug().Str("user", string(uid)).Msg("session closed")
				return
			}
		}
	}()
}
