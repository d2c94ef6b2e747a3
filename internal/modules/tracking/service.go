// README: Tracking service (breadcrumb appends, live-trail reads, and the
// per-km fare estimate over a finished trail).
package tracking

import (
	"context"
	"errors"
	"time"

	"cargolink/internal/config"
	"cargolink/internal/observability"
	"cargolink/internal/types"
)

var ErrBadPoint = errors.New("route point out of range")

// TrailStore is the persistence slice the service needs.
type TrailStore interface {
	Append(ctx context.Context, p RoutePoint) error
	Trail(ctx context.Context, proposalID types.ID, limit int) ([]RoutePoint, error)
	Latest(ctx context.Context, proposalID types.ID, n int) ([]RoutePoint, error)
}

type Service struct {
	store   TrailStore
	pricing config.PricingConfig
}

func NewService(store TrailStore, pricing config.PricingConfig) *Service {
	return &Service{store: store, pricing: pricing}
}

type AppendCommand struct {
	ProposalID types.ID
	Position   types.Point
	RecordedAt time.Time
}

func (s *Service) Append(ctx context.Context, cmd AppendCommand) error {
	if cmd.ProposalID == "" {
		return ErrBadPoint
	}
	if cmd.Position.Lat < -90 || cmd.Position.Lat > 90 || cmd.Position.Lng < -180 || cmd.Position.Lng > 180 {
		return ErrBadPoint
	}
	at := cmd.RecordedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.store.Append(ctx, RoutePoint{ProposalID: cmd.ProposalID, Position: cmd.Position, RecordedAt: at}); err != nil {
		return err
	}
	observability.RoutePointsTotal.Inc()
	return nil
}

// Latest returns the n most recent breadcrumbs for live tracking.
func (s *Service) Latest(ctx context.Context, proposalID types.ID, n int) ([]RoutePoint, error) {
	if n <= 0 {
		n = 20
	}
	return s.store.Latest(ctx, proposalID, n)
}

// Fare estimates the journey fare as the per-km tariff over the breadcrumb
// trail distance. A trail too short to measure yields the one-km minimum.
func (s *Service) Fare(ctx context.Context, proposalID types.ID) (*types.Money, error) {
	trail, err := s.store.Trail(ctx, proposalID, 0)
	if err != nil {
		return nil, err
	}
	km := trailDistanceKm(trail)
	if km < 1 {
		km = 1
	}
	return &types.Money{
		Amount:   int64(km * float64(s.pricing.PerKm)),
		Currency: s.pricing.Currency,
	}, nil
}
