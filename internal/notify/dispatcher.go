// README: Notification dispatcher fans committed transitions out over every
// channel, best-effort. Delivery failures are logged and counted, never
// surfaced to the engine.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cargolink/internal/modules/dispatch"
	"cargolink/internal/observability"
	"cargolink/internal/status"
)

// Channel is one delivery transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, rec Recipient, in Intent) error
}

type Dispatcher struct {
	channels []Channel
	dir      Directory
	log      zerolog.Logger
}

func NewDispatcher(dir Directory, log zerolog.Logger, channels ...Channel) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		dir:      dir,
		log:      log.With().Str("component", "notify").Logger(),
	}
}

// TransitionApplied assembles and delivers the intent for a committed
// transition. Silent statuses produce nothing.
func (d *Dispatcher) TransitionApplied(ctx context.Context, res *dispatch.TransitionResult) {
	if res == nil || res.Proposal == nil {
		return
	}
	if !status.RequiresNotification(res.Proposal.Status) {
		return
	}
	in := assembleIntent(ctx, d.dir, res)
	d.deliver(ctx, in)
}

// MatchOffered informs nearby idle carriers about a new open shipment.
func (d *Dispatcher) MatchOffered(ctx context.Context, sh *dispatch.ShipmentRequest, carriers []dispatch.CarrierRequest) {
	in := Intent{
		Event:  "match_offered",
		SentAt: time.Now().UTC(),
		Shipment: &ShipmentPayload{
			ID:          sh.ID,
			ExternalID:  sh.ExternalID,
			Shipper:     Profile{ID: sh.ShipperID},
			Origin:      sh.Origin,
			Destination: sh.Destination,
			Item:        sh.Item,
			Quantity:    sh.Quantity,
			OfferedCost: sh.OfferedCost,
		},
	}
	if d.dir != nil {
		if p, err := d.dir.ShipperProfile(ctx, sh.ShipperID); err == nil {
			in.Shipment.Shipper = p
		}
	}
	for i := range carriers {
		in.recipients = []Recipient{{UserID: carriers[i].CarrierID, Role: status.RoleCarrier}}
		d.deliver(ctx, in)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, in Intent) {
	for _, rec := range in.recipients {
		for _, ch := range d.channels {
			err := ch.Send(ctx, rec, in)
			switch {
			case err == nil:
				observability.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
			case errors.Is(err, ErrNoSession):
				observability.NotificationsTotal.WithLabelValues(ch.Name(), "no_session").Inc()
			default:
				observability.NotificationsTotal.WithLabelValues(ch.Name(), "error").Inc()
				d.log.Warn().Err(err).
					Str("channel", ch.Name()).
					Str("user", string(rec.UserID)).
					Str("event", in.Event).
					Msg("notification delivery failed")
			}
		}
	}
}
