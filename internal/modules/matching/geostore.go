// README: Redis GEO index of idle carriers, plus offer bookkeeping keys.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cargolink/internal/types"
)

const (
	carrierGeoKey  = "matching:carriers"
	offerKeyPrefix = "matching:shipment:%s:offered"
	// Offer keys expire well after any shipment should have resolved.
	keyTTL = 7 * 24 * time.Hour
)

type GeoStore struct {
	redis *redis.Client
}

func NewGeoStore(redis *redis.Client) *GeoStore {
	return &GeoStore{redis: redis}
}

// AddCarrier indexes an idle carrier request at its declared origin.
func (s *GeoStore) AddCarrier(ctx context.Context, id types.ID, p types.Point) error {
	return s.redis.GeoAdd(ctx, carrierGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

// RemoveCarrier drops a carrier request from the index once it is no longer
// idle.
func (s *GeoStore) RemoveCarrier(ctx context.Context, id types.ID) error {
	return s.redis.ZRem(ctx, carrierGeoKey, string(id)).Err()
}

// NearbyCarriers returns indexed carrier request ids within radiusKm of p,
// nearest first.
func (s *GeoStore) NearbyCarriers(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error) {
	results, err := s.redis.GeoSearch(ctx, carrierGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

// RecordOffers remembers which carriers were already offered a shipment so
// repeat submissions do not re-ping them.
func (s *GeoStore) RecordOffers(ctx context.Context, shipmentID types.ID, carrierIDs []types.ID) error {
	if len(carrierIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(carrierIDs))
	for i, id := range carrierIDs {
		members[i] = string(id)
	}
	key := offerKey(shipmentID)
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, members...)
	pipe.Expire(ctx, key, keyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// WasOffered reports whether a carrier already received an offer for the
// shipment.
func (s *GeoStore) WasOffered(ctx context.Context, shipmentID, carrierID types.ID) (bool, error) {
	return s.redis.SIsMember(ctx, offerKey(shipmentID), string(carrierID)).Result()
}

func offerKey(shipmentID types.ID) string {
	return fmt.Sprintf(offerKeyPrefix, string(shipmentID))
}
