// Package state defines the flight, sample and position types shared by the
// pub/sub client, the historical stores and the resolver.
package state

import (
	"time"

	"flight_tracker/internal/geo"
)

// Flight is a tracked flight with a fixed route.
// JSON field names follow the flights backend.
type Flight struct {
	ID             string    `json:"_id"`
	FlightCode     string    `json:"flightCode"`
	DepartureLat   float64   `json:"departure_lat"`
	DepartureLng   float64   `json:"departure_long"`
	DestinationLat float64   `json:"destination_lat"`
	DestinationLng float64   `json:"destination_long"`
	DepartureTime  time.Time `json:"departureTime"`
}

// Origin returns the departure point.
func (f Flight) Origin() geo.Point {
	return geo.Point{Lat: f.DepartureLat, Lng: f.DepartureLng}
}

// Destination returns the arrival point.
func (f Flight) Destination() geo.Point {
	return geo.Point{Lat: f.DestinationLat, Lng: f.DestinationLng}
}

// RouteBearing is the heading used when nothing better is known.
func (f Flight) RouteBearing() float64 {
	return geo.Bearing(f.Origin(), f.Destination())
}

// Sample is one observed position of a flight.
type Sample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"ts"`
}

// Point returns the sample position.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// LiveState holds the latest live sample and the one before it.
// Previous is nil until a second sample has been delivered.
type LiveState struct {
	Current  Sample
	Previous *Sample
}

// Bracket holds the closest samples at-or-before and at-or-after a queried instant.
// Either side may be nil.
type Bracket struct {
	Before *Sample `json:"before,omitempty"`
	After  *Sample `json:"after,omitempty"`
}

// Empty reports whether neither side was found.
func (b Bracket) Empty() bool {
	return b.Before == nil && b.After == nil
}

// ReplayState is the reconstructed position of a flight at a past instant.
type ReplayState struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Heading float64 `json:"heading"`
}

// Mode selects which channel a displayed position comes from.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
)

// ParseMode parses a mode name, returning false for anything unrecognised.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeLive, ModeReplay:
		return Mode(s), true
	}
	return "", false
}

// Position is what the rendering layer draws for one flight.
type Position struct {
	FlightID string  `json:"flightId"`
	Mode     Mode    `json:"mode"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Heading  float64 `json:"heading"`
}

// TimeRange bounds the scrubbable replay window.
type TimeRange struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

// Pad widens the range by d on both sides.
func (r TimeRange) Pad(d time.Duration) TimeRange {
	return TimeRange{Min: r.Min.Add(-d), Max: r.Max.Add(d)}
}
