// Package geo estimates great-circle distances and naive travel times.
package geo

import "math"

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0
	// DefaultAverageSpeedKmh is the courier speed used when none is configured.
	DefaultAverageSpeedKmh = 25.0
)

// DistanceKm returns the haversine distance in kilometres between two points
// given in degrees. NaN inputs propagate to the result.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// ETAMinutes converts a distance into minutes at the given average speed,
// which must be positive.
func ETAMinutes(distanceKm, avgSpeedKmh float64) float64 {
	return (distanceKm / avgSpeedKmh) * 60
}

// Finite reports whether both coordinates are usable numbers.
func Finite(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) && !math.IsNaN(lng) && !math.IsInf(lng, 0)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
