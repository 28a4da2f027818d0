package models

import (
	"math"
	"time"

	"github.com/goccy/go-json"
)

const (
	earthRadiusMeters     = 6371e3
	DefaultSafeAreaRadius = 1000.0
)

// SafeArea is a circular geofence in degrees and meters
type SafeArea struct {
	Lat    float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon    float64 `json:"lon" validate:"gte=-180,lte=180"`
	Radius float64 `json:"radius" validate:"gt=0"`
}

// Contains reports whether the point lies within the area, border included
func (a SafeArea) Contains(lat, lon float64) bool {
	return Haversine(a.Lat, a.Lon, lat, lon) <= a.Radius
}

// AnimalLocation is the tracker fix published on animals/{id}/location
type AnimalLocation struct {
	Lat      *float64  `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon      *float64  `json:"lon" validate:"required,gte=-180,lte=180"`
	Velocity float64   `json:"velocity"`
	Altitude float64   `json:"altitude"`
	SafeArea *SafeArea `json:"safe_area,omitempty"`
}

func (l *AnimalLocation) Validate() error {
	return validate.Struct(l)
}

// DecodeAnimalLocation parses and validates a tracker fix
func DecodeAnimalLocation(payload []byte) (*AnimalLocation, error) {
	var loc AnimalLocation
	if err := json.Unmarshal(payload, &loc); err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return &loc, nil
}

// AnimalAttributes is the last reported fix of a tracked animal
type AnimalAttributes struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Velocity float64 `json:"velocity"`
	Altitude float64 `json:"altitude"`
}

// Animal is the durable tracking record, one per collar id
type Animal struct {
	ID             string           `json:"animal_ID"`
	LastAttributes AnimalAttributes `json:"last_attributes"`
	SafeArea       SafeArea         `json:"safe_area"`
	LastUpdate     time.Time        `json:"last_update"`
}

// InSafeArea reports whether the last fix is inside the geofence
func (a *Animal) InSafeArea() bool {
	return a.SafeArea.Contains(a.LastAttributes.Lat, a.LastAttributes.Lon)
}

// ApplyLocation folds a fix into the record. A fix without a safe area keeps
// the current one; a new animal gets one centered on its first fix.
func (a *Animal) ApplyLocation(loc *AnimalLocation, at time.Time, isNew bool) {
	a.LastAttributes = AnimalAttributes{
		Lat:      *loc.Lat,
		Lon:      *loc.Lon,
		Velocity: loc.Velocity,
		Altitude: loc.Altitude,
	}
	a.LastUpdate = at
	switch {
	case loc.SafeArea != nil:
		a.SafeArea = *loc.SafeArea
	case isNew:
		a.SafeArea = SafeArea{Lat: *loc.Lat, Lon: *loc.Lon, Radius: DefaultSafeAreaRadius}
	}
}

// Haversine returns the great-circle distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
