// README: Notification intents: post-commit payload assembly for the
// affected counterpart, enriched with profile and vehicle details.
package notify

import (
	"context"
	"time"

	"cargolink/internal/modules/dispatch"
	"cargolink/internal/status"
	"cargolink/internal/types"
)

// Profile is the directory's view of a user. The directory itself is owned
// elsewhere; the engine only consumes it.
type Profile struct {
	ID    types.ID `json:"id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
}

// Vehicle describes the carrier's declared vehicle.
type Vehicle struct {
	PlateNumber string `json:"plate_number"`
	VehicleType string `json:"vehicle_type"`
}

// Directory resolves user profiles for payload enrichment.
type Directory interface {
	ShipperProfile(ctx context.Context, id types.ID) (Profile, error)
	CarrierProfile(ctx context.Context, id types.ID) (Profile, Vehicle, error)
}

// Recipient is one delivery target.
type Recipient struct {
	UserID types.ID
	Role   status.Role
}

// Intent is one assembled notification, ready for any channel.
type Intent struct {
	Event      string           `json:"event"`
	ProposalID types.ID         `json:"proposal_id,omitempty"`
	Shipment   *ShipmentPayload `json:"shipment,omitempty"`
	Carrier    *CarrierPayload  `json:"carrier,omitempty"`
	Journey    *JourneyPayload  `json:"journey,omitempty"`
	SentAt     time.Time        `json:"sent_at"`

	recipients []Recipient
}

type ShipmentPayload struct {
	ID          types.ID     `json:"id"`
	ExternalID  string       `json:"external_id"`
	Shipper     Profile      `json:"shipper"`
	Origin      types.Place  `json:"origin"`
	Destination types.Place  `json:"destination"`
	Item        string       `json:"item"`
	Quantity    int          `json:"quantity"`
	OfferedCost *types.Money `json:"offered_cost,omitempty"`
}

type CarrierPayload struct {
	RequestID types.ID `json:"request_id"`
	Carrier   Profile  `json:"carrier"`
	Vehicle   Vehicle  `json:"vehicle"`
}

type JourneyPayload struct {
	ID        types.ID     `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Fare      *types.Money `json:"fare,omitempty"`
}

// assembleIntent turns a committed transition into an intent for the
// counterpart(s) of the actor that caused it. Enrichment failures degrade to
// bare payloads rather than dropping the notification.
func assembleIntent(ctx context.Context, dir Directory, res *dispatch.TransitionResult) Intent {
	target := res.Proposal.Status
	in := Intent{
		Event:      target.String(),
		ProposalID: res.Proposal.ID,
		SentAt:     time.Now().UTC(),
	}

	if res.Shipment != nil {
		sp := &ShipmentPayload{
			ID:          res.Shipment.ID,
			ExternalID:  res.Shipment.ExternalID,
			Origin:      res.Shipment.Origin,
			Destination: res.Shipment.Destination,
			Item:        res.Shipment.Item,
			Quantity:    res.Shipment.Quantity,
			OfferedCost: res.Shipment.OfferedCost,
		}
		if dir != nil {
			if p, err := dir.ShipperProfile(ctx, res.Shipment.ShipperID); err == nil {
				sp.Shipper = p
			} else {
				sp.Shipper = Profile{ID: res.Shipment.ShipperID}
			}
		}
		in.Shipment = sp
	}
	if res.Carrier != nil {
		cp := &CarrierPayload{RequestID: res.Carrier.ID}
		if dir != nil {
			if p, v, err := dir.CarrierProfile(ctx, res.Carrier.CarrierID); err == nil {
				cp.Carrier, cp.Vehicle = p, v
			} else {
				cp.Carrier = Profile{ID: res.Carrier.CarrierID}
				cp.Vehicle = Vehicle{VehicleType: res.Carrier.VehicleType}
			}
		}
		in.Carrier = cp
	}
	if res.Journey != nil {
		in.Journey = &JourneyPayload{
			ID:        res.Journey.ID,
			StartedAt: res.Journey.StartedAt,
			EndedAt:   res.Journey.EndedAt,
			Fare:      res.Journey.Fare,
		}
	}

	in.recipients = recipientsFor(target, res)
	return in
}

// recipientsFor picks who hears about the transition: the side that did not
// cause it, or both for system-driven outcomes.
func recipientsFor(target status.Status, res *dispatch.TransitionResult) []Recipient {
	var shipper, carrier *Recipient
	if res.Shipment != nil {
		shipper = &Recipient{UserID: res.Shipment.ShipperID, Role: status.RoleShipper}
	}
	if res.Proposal != nil && res.Proposal.CarrierID != "" {
		carrier = &Recipient{UserID: res.Proposal.CarrierID, Role: status.RoleCarrier}
	}

	pick := func(rs ...*Recipient) []Recipient {
		var out []Recipient
		for _, r := range rs {
			if r != nil {
				out = append(out, *r)
			}
		}
		return out
	}

	switch target {
	case status.AcceptedByCarrier, status.CancelledByCarrier, status.JourneyStarted, status.JourneyCompleted:
		return pick(shipper)
	case status.AcceptedByShipper, status.RejectedByShipper, status.CancelledByShipper, status.NotSelectedInBid:
		return pick(carrier)
	case status.Requested, status.NoAnswerFromCarrier, status.CancelledByAdmin, status.CancelledBySystem, status.CompletedByAdmin:
		return pick(shipper, carrier)
	default:
		return nil
	}
}
