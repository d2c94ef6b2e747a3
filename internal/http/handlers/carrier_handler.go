// README: Carrier handlers (availability, bids, declines, journey progress,
// and outcome acknowledgement).
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cargolink/internal/http/middleware"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/types"
)

type CarrierHandler struct {
	dispatch *dispatch.Service
}

func NewCarrierHandler(svc *dispatch.Service) *CarrierHandler {
	return &CarrierHandler{dispatch: svc}
}

type declareAvailabilityReq struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	VehicleType string  `json:"vehicle_type"`
}

func (h *CarrierHandler) DeclareAvailability(c *gin.Context) {
	var req declareAvailabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	cr, p, err := h.dispatch.DeclareAvailability(c.Request.Context(), dispatch.DeclareAvailabilityCommand{
		CarrierID:   types.ID(middleware.CallerUID(c)),
		Origin:      types.Point{Lat: req.Lat, Lng: req.Lng},
		VehicleType: req.VehicleType,
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{
		"carrier_request_id": cr.ID,
		"external_id":        cr.ExternalID,
		"status":             cr.Status.String(),
	}
	if p != nil {
		resp["proposal_id"] = p.ID
		resp["shipment_request_id"] = p.ShipmentRequestID
	}
	writeJSON(c, http.StatusCreated, resp)
}

type carrierBidReq struct {
	ShipmentRequestID string     `json:"shipment_request_id"`
	CarrierRequestID  string     `json:"carrier_request_id"`
	QuotedCost        *int64     `json:"quoted_cost"`
	Currency          string     `json:"currency"`
	ShippingDate      *time.Time `json:"shipping_date"`
	DeliveryDate      *time.Time `json:"delivery_date"`
}

func (h *CarrierHandler) Accept(c *gin.Context) {
	var req carrierBidReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.ShipmentRequestID) || !isValidID(req.CarrierRequestID) {
		writeError(c, http.StatusBadRequest, "invalid request ids")
		return
	}
	cmd := dispatch.CarrierAcceptCommand{
		ShipmentRequestID: types.ID(req.ShipmentRequestID),
		CarrierRequestID:  types.ID(req.CarrierRequestID),
		ActorID:           types.ID(middleware.CallerUID(c)),
		Quote: dispatch.Quote{
			Shipping: req.ShippingDate,
			Delivery: req.DeliveryDate,
		},
	}
	if req.QuotedCost != nil {
		cmd.Quote.Cost = &types.Money{Amount: *req.QuotedCost, Currency: req.Currency}
	}
	res, err := h.dispatch.CarrierAccept(c.Request.Context(), cmd)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{"status": proposalStatus(res)}
	if res.Proposal != nil {
		resp["proposal_id"] = res.Proposal.ID
	}
	writeJSON(c, http.StatusOK, resp)
}

type carrierDeclineReq struct {
	ShipmentRequestID string `json:"shipment_request_id"`
	CarrierRequestID  string `json:"carrier_request_id"`
}

func (h *CarrierHandler) Decline(c *gin.Context) {
	var req carrierDeclineReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.ShipmentRequestID) || !isValidID(req.CarrierRequestID) {
		writeError(c, http.StatusBadRequest, "invalid request ids")
		return
	}
	res, err := h.dispatch.CarrierDecline(c.Request.Context(), dispatch.CarrierDeclineCommand{
		ShipmentRequestID: types.ID(req.ShipmentRequestID),
		CarrierRequestID:  types.ID(req.CarrierRequestID),
		ActorID:           types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": proposalStatus(res)})
}

func (h *CarrierHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid carrier request id")
		return
	}
	var req cancelReq
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_cancel"
	}
	res, err := h.dispatch.CancelCarrier(c.Request.Context(), dispatch.CancelCommand{
		ID:     types.ID(id),
		Actor:  dispatch.Actor{ID: types.ID(middleware.CallerUID(c)), Role: middleware.CallerRole(c)},
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

func (h *CarrierHandler) StartJourney(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	res, err := h.dispatch.StartJourney(c.Request.Context(), dispatch.DecideCommand{
		ProposalID: types.ID(id),
		ActorID:    types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{"status": proposalStatus(res)}
	if res.Journey != nil {
		resp["journey_id"] = res.Journey.ID
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *CarrierHandler) CompleteJourney(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	res, err := h.dispatch.CompleteJourney(c.Request.Context(), dispatch.CompleteJourneyCommand{
		ProposalID: types.ID(id),
		ActorID:    types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{"status": proposalStatus(res)}
	if res.Journey != nil && res.Journey.Fare != nil {
		resp["fare"] = res.Journey.Fare.Amount
		resp["currency"] = res.Journey.Fare.Currency
	}
	writeJSON(c, http.StatusOK, resp)
}

func (h *CarrierHandler) UnseenOutcomes(c *gin.Context) {
	proposals, err := h.dispatch.UnseenOutcomes(c.Request.Context(), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]gin.H, 0, len(proposals))
	for i := range proposals {
		out = append(out, gin.H{
			"proposal_id": proposals[i].ID,
			"status":      proposals[i].Status.String(),
		})
	}
	writeJSON(c, http.StatusOK, gin.H{"outcomes": out})
}

func (h *CarrierHandler) AckOutcome(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid proposal id")
		return
	}
	scope := dispatch.AckScope(c.Query("scope"))
	if scope == "" {
		scope = dispatch.AckNotSelected
	}
	err := h.dispatch.AcknowledgeOutcome(c.Request.Context(), dispatch.AcknowledgeCommand{
		Scope: scope,
		ID:    types.ID(id),
	})
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"acknowledged": true})
}

// parseLimit reads an optional positive ?limit= query value.
func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
