package api

import (
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// CalculateDistance returns the great circle distance in km between two
// points given in degrees, by the haversine formula.
func CalculateDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// FormatDistance renders km as meters below 1 km, e.g. "850 m", else with
// one decimal, e.g. "5.4 km".
func FormatDistance(km float64) string {
	if m := int(math.Round(km * 1000)); m < 1000 {
		return fmt.Sprintf("%d m", m)
	}
	return fmt.Sprintf("%.1f km", km)
}
