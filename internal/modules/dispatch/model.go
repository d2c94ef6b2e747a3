// README: Dispatch aggregates: shipment requests, carrier requests, match
// proposals, journeys, and cancellation audit rows.
package dispatch

import (
	"time"

	"cargolink/internal/status"
	"cargolink/internal/types"
)

// ShipmentRequest is a shipper's open demand for transport. Status tracks the
// aggregate outlook across all of its proposals. Rows are never hard-deleted;
// terminal states are retained for audit.
type ShipmentRequest struct {
	ID             types.ID
	ExternalID     string
	ShipperID      types.ID
	Origin         types.Place
	Destination    types.Place
	VehicleType    string
	BatchID        *string
	Item           string
	Quantity       int
	ShippingDate   *time.Time
	DeliveryDate   *time.Time
	OfferedCost    *types.Money
	Status         status.Status
	StatusVersion  int
	CompletionSeen bool
	CreatedAt      time.Time
}

// CarrierRequest is a carrier's declared availability. At most one of its
// proposals may be active at a time.
type CarrierRequest struct {
	ID               types.ID
	ExternalID       string
	CarrierID        types.ID
	Origin           types.Point
	VehicleType      string
	Status           status.Status
	StatusVersion    int
	CancellationSeen bool
	CreatedAt        time.Time
}

// InitiatedBy records which side triggered a proposal's creation.
type InitiatedBy string

const (
	InitiatedByCarrier InitiatedBy = "carrier"
	InitiatedByShipper InitiatedBy = "shipper"
)

// MatchProposal links exactly one shipment request to exactly one carrier
// request: the unit of a single bid. Unique per (shipment, carrier) pair.
type MatchProposal struct {
	ID                types.ID
	ShipmentRequestID types.ID
	CarrierRequestID  types.ID
	CarrierID         types.ID
	InitiatedBy       InitiatedBy
	QuotedCost        *types.Money
	QuotedShipping    *time.Time
	QuotedDelivery    *time.Time
	Status            status.Status
	StatusVersion     int
	DecidedAt         time.Time
	NotSelectedSeen   bool
	CancellationSeen  bool
	RejectionSeen     bool
}

// Journey is the realized transport once a proposal is accepted and started.
// At most one per proposal.
type Journey struct {
	ID         types.ID
	ProposalID types.ID
	StartedAt  time.Time
	EndedAt    *time.Time
	Fare       *types.Money
	Status     status.Status
}

// ContextType names which entity existed when a cancellation was recorded.
type ContextType string

const (
	ContextProposal ContextType = "proposal"
	ContextJourney  ContextType = "journey"
)

// CancellationRecord is the audit row for a cancellation: who, why, and the
// lifecycle context it happened in. At most one per (contextType, contextID).
type CancellationRecord struct {
	ID          types.ID
	ActorID     types.ID
	ActorRole   status.Role
	ReasonCode  string
	ContextType ContextType
	ContextID   types.ID
	CreatedAt   time.Time
}
