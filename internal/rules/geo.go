package rules

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// LatLon is a coarse country centroid in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// countryCentroids covers the countries impossible-travel checks know about.
// Countries outside the table disable the check.
var countryCentroids = map[string]LatLon{
	"IN": {22.0, 79.0},
	"US": {39.8, -98.6},
	"GB": {54.0, -2.5},
	"SG": {1.3, 103.8},
	"RU": {61.5, 105.3},
	"DE": {51.1, 10.4},
	"AE": {23.4, 53.8},
	"FR": {46.2, 2.2},
	"JP": {36.2, 138.2},
	"BR": {-14.2, -51.9},
}

// Centroid returns the centroid for an ISO country code.
func Centroid(country string) (LatLon, bool) {
	c, ok := countryCentroids[country]
	return c, ok
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b LatLon) float64 {
	lat1, lon1 := radians(a.Lat), radians(a.Lon)
	lat2, lon2 := radians(b.Lat), radians(b.Lon)
	dlat := lat2 - lat1
	dlon := lon2 - lon1

	x := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(x))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// travelOutcome says why a travel speed could or could not be computed.
type travelOutcome int

const (
	travelKnown travelOutcome = iota
	travelMissingInput
	travelNoCentroid
	travelNoElapsed
)

// travelSpeed computes the implied km/h between the previous and the current
// transaction.
func travelSpeed(prevCountry string, prevTS *time.Time, country string, now time.Time) (float64, travelOutcome) {
	if prevCountry == "" || prevTS == nil || country == "" {
		return 0, travelMissingInput
	}

	a, okA := Centroid(prevCountry)
	b, okB := Centroid(country)
	if !okA || !okB {
		return 0, travelNoCentroid
	}

	hours := now.UTC().Sub(prevTS.UTC()).Hours()
	if hours <= 0 {
		return 0, travelNoElapsed
	}
	return HaversineKm(a, b) / hours, travelKnown
}
