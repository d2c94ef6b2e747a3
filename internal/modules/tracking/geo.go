// README: Pure geographic computation helpers (haversine, trail distance).
package tracking

import "math"

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// trailDistanceKm sums the leg distances along an ordered breadcrumb trail.
func trailDistanceKm(points []RoutePoint) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		a, b := points[i-1].Position, points[i].Position
		total += haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
	}
	return total
}
