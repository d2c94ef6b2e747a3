// README: Admin handlers (override cancellations and completions).
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cargolink/internal/http/middleware"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/status"
	"cargolink/internal/types"
)

type AdminHandler struct {
	dispatch *dispatch.Service
}

func NewAdminHandler(svc *dispatch.Service) *AdminHandler {
	return &AdminHandler{dispatch: svc}
}

func (h *AdminHandler) CancelShipment(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid shipment id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "admin_cancel"
	}
	results, err := h.dispatch.CancelShipment(c.Request.Context(), dispatch.CancelCommand{
		ID:     types.ID(id),
		Actor:  dispatch.Actor{ID: types.ID(middleware.CallerUID(c)), Role: status.RoleAdmin},
		Reason: req.Reason,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"resolved_proposals": len(results)})
}

func (h *AdminHandler) CancelCarrier(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid carrier request id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "admin_cancel"
	}
	res, err := h.dispatch.CancelCarrier(c.Request.Context(), dispatch.CancelCommand{
		ID:     types.ID(id),
		Actor:  dispatch.Actor{ID: types.ID(middleware.CallerUID(c)), Role: status.RoleAdmin},
		Reason: req.Reason,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{}
	if res.Carrier != nil {
		resp["status"] = res.Carrier.Status.String()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *AdminHandler) CompleteJourney(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	res, err := h.dispatch.CompleteJourney(c.Request.Context(), dispatch.CompleteJourneyCommand{
		ProposalID: types.ID(id),
		ActorID:    types.ID(middleware.CallerUID(c)),
		AsAdmin:    true,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": proposalStatus(res)})
}
