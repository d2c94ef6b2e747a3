// README: Proximity matcher: bounding-box candidate search filtered through
// rejection history, serving both the carrier-initiated and shipper-initiated
// flows.
package matching

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"cargolink/internal/config"
	"cargolink/internal/modules/dispatch"
	"cargolink/internal/observability"
	"cargolink/internal/types"
)

// CandidateStore is the slice of the dispatch store the matcher reads.
type CandidateStore interface {
	ShipmentsInBox(ctx context.Context, center types.Point, latDelta, lngDelta float64, vehicleType string, limit int) ([]dispatch.ShipmentRequest, error)
	CarriersInBox(ctx context.Context, center types.Point, latDelta, lngDelta float64, vehicleType string, limit int) ([]dispatch.CarrierRequest, error)
	WasRejected(ctx context.Context, shipmentID, carrierUserID types.ID) (bool, error)
}

// CarrierIndex is the proximity index and offer ledger behind the matcher,
// normally the Redis GeoStore. A nil index degrades to plain scan-order
// matching with no offer memory.
type CarrierIndex interface {
	AddCarrier(ctx context.Context, id types.ID, p types.Point) error
	RemoveCarrier(ctx context.Context, id types.ID) error
	NearbyCarriers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
	RecordOffers(ctx context.Context, shipmentID types.ID, carrierIDs []types.ID) error
	WasOffered(ctx context.Context, shipmentID, carrierID types.ID) (bool, error)
}

type Matcher struct {
	store CandidateStore
	geo   CarrierIndex
	cfg   config.MatchingConfig
	log   zerolog.Logger
}

func NewMatcher(store CandidateStore, geo CarrierIndex, cfg config.MatchingConfig, log zerolog.Logger) *Matcher {
	return &Matcher{store: store, geo: geo, cfg: cfg, log: log.With().Str("component", "matcher").Logger()}
}

// FirstShipmentForCarrier scans open shipments around the carrier's position
// and returns the first one the carrier has not already been rejected for.
func (m *Matcher) FirstShipmentForCarrier(ctx context.Context, cr *dispatch.CarrierRequest) (*dispatch.ShipmentRequest, error) {
	latDelta, lngDelta := m.deltas(cr.Origin.Lat)
	shipments, err := m.store.ShipmentsInBox(ctx, cr.Origin, latDelta, lngDelta, cr.VehicleType, m.cfg.MaxShipmentsPerScan)
	if err != nil {
		return nil, err
	}
	observability.MatchCandidatesTotal.Add(float64(len(shipments)))
	for i := range shipments {
		sh := &shipments[i]
		rejected, err := m.store.WasRejected(ctx, sh.ID, cr.CarrierID)
		if err != nil {
			return nil, err
		}
		if rejected {
			continue
		}
		return sh, nil
	}
	return nil, dispatch.ErrNotFound
}

// CarriersForShipment returns up to the configured cap of idle carriers around
// the shipment's origin, skipping any carrier the pair history poisons and any
// carrier already offered this shipment. The Redis GEO index pre-ranks
// candidates by distance when available; the database box scan is the source
// of truth. Returned carriers are recorded as offered so a repeat submission
// does not re-ping them.
func (m *Matcher) CarriersForShipment(ctx context.Context, sh *dispatch.ShipmentRequest) ([]dispatch.CarrierRequest, error) {
	latDelta, lngDelta := m.deltas(sh.Origin.Lat)
	carriers, err := m.store.CarriersInBox(ctx, sh.Origin.Point, latDelta, lngDelta, sh.VehicleType, m.cfg.MaxCarriersPerScan*2)
	if err != nil {
		return nil, err
	}
	observability.MatchCandidatesTotal.Add(float64(len(carriers)))
	if m.geo != nil {
		carriers = m.rankByGeo(ctx, sh.Origin.Point, carriers)
	}

	out := make([]dispatch.CarrierRequest, 0, m.cfg.MaxCarriersPerScan)
	for i := range carriers {
		if len(out) == m.cfg.MaxCarriersPerScan {
			break
		}
		cr := &carriers[i]
		rejected, err := m.store.WasRejected(ctx, sh.ID, cr.CarrierID)
		if err != nil {
			return nil, err
		}
		if rejected {
			continue
		}
		if m.geo != nil {
			offered, oerr := m.geo.WasOffered(ctx, sh.ID, cr.ID)
			if oerr != nil {
				m.log.Debug().Err(oerr).Str("carrier_request", string(cr.ID)).Msg("offer lookup unavailable; treating as fresh")
			} else if offered {
				continue
			}
		}
		out = append(out, *cr)
	}
	if m.geo != nil && len(out) > 0 {
		ids := make([]types.ID, len(out))
		for i := range out {
			ids[i] = out[i].ID
		}
		if err := m.geo.RecordOffers(ctx, sh.ID, ids); err != nil {
			m.log.Debug().Err(err).Str("shipment", string(sh.ID)).Msg("offer bookkeeping failed")
		}
	}
	return out, nil
}

// CarrierAvailable indexes a waiting carrier request at its declared origin.
// Index failures degrade to scan-order matching and are not surfaced.
func (m *Matcher) CarrierAvailable(ctx context.Context, cr *dispatch.CarrierRequest) {
	if m.geo == nil {
		return
	}
	if err := m.geo.AddCarrier(ctx, cr.ID, cr.Origin); err != nil {
		m.log.Debug().Err(err).Str("carrier_request", string(cr.ID)).Msg("geo index add failed")
	}
}

// CarrierUnavailable drops a carrier request from the proximity index once it
// is no longer idle.
func (m *Matcher) CarrierUnavailable(ctx context.Context, id types.ID) {
	if m.geo == nil {
		return
	}
	if err := m.geo.RemoveCarrier(ctx, id); err != nil {
		m.log.Debug().Err(err).Str("carrier_request", string(id)).Msg("geo index remove failed")
	}
}

// deltas returns the box half-widths. The historical behavior applies the raw
// degree delta to both axes; correct_longitude opts into scaling the longitude
// half-width by cos(lat).
func (m *Matcher) deltas(lat float64) (latDelta, lngDelta float64) {
	d := m.cfg.BoxDeltaDegrees
	if !m.cfg.CorrectLongitude {
		return d, d
	}
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	return d, d / cos
}

// rankByGeo reorders carriers by their distance rank in the GEO index.
// Carriers missing from the index keep their scan order after the ranked ones.
func (m *Matcher) rankByGeo(ctx context.Context, center types.Point, carriers []dispatch.CarrierRequest) []dispatch.CarrierRequest {
	ranked, err := m.geo.NearbyCarriers(ctx, center, boxRadiusKm(m.cfg.BoxDeltaDegrees))
	if err != nil {
		m.log.Debug().Err(err).Msg("geo ranking unavailable; keeping scan order")
		return carriers
	}
	rank := make(map[types.ID]int, len(ranked))
	for i, id := range ranked {
		rank[id] = i
	}
	byID := make(map[types.ID]*dispatch.CarrierRequest, len(carriers))
	for i := range carriers {
		byID[carriers[i].ID] = &carriers[i]
	}

	out := make([]dispatch.CarrierRequest, 0, len(carriers))
	for _, id := range ranked {
		if cr, ok := byID[id]; ok {
			out = append(out, *cr)
			delete(byID, id)
		}
	}
	for i := range carriers {
		if _, ok := byID[carriers[i].ID]; ok {
			out = append(out, carriers[i])
		}
	}
	return out
}

// boxRadiusKm approximates the search box as a radius for the GEO pre-rank.
// One degree of latitude is close to 111 km everywhere.
func boxRadiusKm(deltaDegrees float64) float64 {
	return deltaDegrees * 111 * math.Sqrt2
}
