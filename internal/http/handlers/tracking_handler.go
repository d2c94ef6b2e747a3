// README: Tracking handlers (breadcrumb appends and live-trail reads).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cargolink/internal/modules/tracking"
	"cargolink/internal/types"
)

type TrackingHandler struct {
	tracking *tracking.Service
}

func NewTrackingHandler(svc *tracking.Service) *TrackingHandler {
	return &TrackingHandler{tracking: svc}
}

type routePointReq struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	RecordedAt *time.Time `json:"recorded_at"`
}

func (h *TrackingHandler) Append(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	var req routePointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := tracking.AppendCommand{
		ProposalID: types.ID(id),
		Position:   types.Point{Lat: req.Lat, Lng: req.Lng},
	}
	if req.RecordedAt != nil {
		cmd.RecordedAt = *req.RecordedAt
	}
	if err := h.tracking.Append(c.Request.Context(), cmd); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"recorded": true})
}

func (h *TrackingHandler) Latest(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	points, err := h.tracking.Latest(c.Request.Context(), types.ID(id), parseLimit(c, 20))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]gin.H, 0, len(points))
	for _, p := range points {
		out = append(out, gin.H{
			"lat":         p.Position.Lat,
			"lng":         p.Position.Lng,
			"recorded_at": p.RecordedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"points": out})
}
