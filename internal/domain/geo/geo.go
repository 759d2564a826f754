// Package geo holds coordinate validation and great-circle distance.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusKM is the mean Earth radius used by Haversine.
const EarthRadiusKM = 6371.0

// ErrOutOfRange is returned for coordinates outside the valid ranges.
var ErrOutOfRange = errors.New("coordinate out of range")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks lat ∈ [-90,90] and lng ∈ [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v", ErrOutOfRange, p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v", ErrOutOfRange, p.Lng)
	}
	return nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKM * c
}

// Distance validates both points and returns their haversine distance.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return Haversine(a, b), nil
}
