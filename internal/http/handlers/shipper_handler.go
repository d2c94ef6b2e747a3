// README: Shipper handlers (shipment submission, bid decisions,
// cancellation, and completion acknowledgement).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cargolink/internal/http/middleware"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/types"
)

type ShipperHandler struct {
	dispatch *dispatch.Service
}

func NewShipperHandler(svc *dispatch.Service) *ShipperHandler {
	return &ShipperHandler{dispatch: svc}
}

type submitShipmentReq struct {
	OriginLat       float64    `json:"origin_lat"`
	OriginLng       float64    `json:"origin_lng"`
	OriginName      string     `json:"origin_name"`
	DestinationLat  float64    `json:"destination_lat"`
	DestinationLng  float64    `json:"destination_lng"`
	DestinationName string     `json:"destination_name"`
	VehicleType     string     `json:"vehicle_type"`
	BatchID         *string    `json:"batch_id"`
	Item            string     `json:"item"`
	Quantity        int        `json:"quantity"`
	ShippingDate    *time.Time `json:"shipping_date"`
	DeliveryDate    *time.Time `json:"delivery_date"`
	OfferedCost     *int64     `json:"offered_cost"`
	Currency        string     `json:"currency"`
}

func (h *ShipperHandler) Submit(c *gin.Context) {
	var req submitShipmentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cmd := dispatch.SubmitShipmentCommand{
		ShipperID:    types.ID(middleware.CallerUID(c)),
		Origin:       types.Place{Point: types.Point{Lat: req.OriginLat, Lng: req.OriginLng}, Name: req.OriginName},
		Destination:  types.Place{Point: types.Point{Lat: req.DestinationLat, Lng: req.DestinationLng}, Name: req.DestinationName},
		VehicleType:  req.VehicleType,
		BatchID:      req.BatchID,
		Item:         req.Item,
		Quantity:     req.Quantity,
		ShippingDate: req.ShippingDate,
		DeliveryDate: req.DeliveryDate,
	}
	if req.OfferedCost != nil {
		cmd.OfferedCost = &types.Money{Amount: *req.OfferedCost, Currency: req.Currency}
	}
	sh, err := h.dispatch.SubmitShipment(c.Request.Context(), cmd)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{
		"shipment_id": sh.ID,
		"external_id": sh.ExternalID,
		"status":      sh.Status.String(),
	})
}

func (h *ShipperHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid shipment id")
		return
	}
	sh, err := h.dispatch.GetShipment(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if sh.ShipperID != types.ID(middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"shipment_id":     sh.ID,
		"status":          sh.Status.String(),
		"completion_seen": sh.CompletionSeen,
	})
}

func (h *ShipperHandler) ListProposals(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid shipment id")
		return
	}
	sh, err := h.dispatch.GetShipment(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if sh.ShipperID != types.ID(middleware.CallerUID(c)) {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	proposals, err := h.dispatch.ProposalsForShipment(c.Request.Context(), sh.ID)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]gin.H, 0, len(proposals))
	for i := range proposals {
		p := &proposals[i]
		entry := gin.H{
			"proposal_id": p.ID,
			"carrier_id":  p.CarrierID,
			"status":      p.Status.String(),
		}
		if p.QuotedCost != nil {
			entry["quoted_cost"] = p.QuotedCost.Amount
			entry["currency"] = p.QuotedCost.Currency
		}
		out = append(out, entry)
	}
	writeJSON(c, http.StatusOK, gin.H{"proposals": out})
}

func (h *ShipperHandler) Accept(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	res, err := h.dispatch.ShipperAccept(c.Request.Context(), dispatch.DecideCommand{
		ProposalID: types.ID(id),
		ActorID:    types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":       proposalStatus(res),
		"not_selected": len(res.NotSelected),
	})
}

func (h *ShipperHandler) Reject(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	res, err := h.dispatch.ShipperReject(c.Request.Context(), dispatch.DecideCommand{
		ProposalID: types.ID(id),
		ActorID:    types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":            proposalStatus(res),
		"shipment_reopened": res.ShipmentReverted,
	})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *ShipperHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid shipment id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_cancel"
	}
	results, err := h.dispatch.CancelShipment(c.Request.Context(), dispatch.CancelCommand{
		ID:     types.ID(id),
		Actor:  dispatch.Actor{ID: types.ID(middleware.CallerUID(c)), Role: middleware.CallerRole(c)},
		Reason: req.Reason,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"resolved_proposals": len(results)})
}

func (h *ShipperHandler) AckCompletion(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid shipment id")
		return
	}
	err := h.dispatch.AcknowledgeOutcome(c.Request.Context(), dispatch.AcknowledgeCommand{
		Scope: dispatch.AckShipmentCompletion,
		ID:    types.ID(id),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"acknowledged": true})
}
