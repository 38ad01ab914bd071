package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"flight_tracker/internal/state"
)

// Built-in kinds.
const (
	KindFlightCreated = "flight.created"
	KindTelemetry     = "telemetry"
)

func init() {
	Register(KindFlightCreated, decodeFlightCreated)
	Register(KindTelemetry, decodeTelemetry)
}

// FlightCreated announces a new flight.
type FlightCreated struct {
	Flight state.Flight `json:"flight"`
}

func (FlightCreated) Kind() string { return KindFlightCreated }

// Telemetry is one live position report.
type Telemetry struct {
	FlightID  string         `json:"flightId"`
	Lat       float64        `json:"lat"`
	Lng       float64        `json:"lng"`
	Timestamp state.FlexTime `json:"ts"`
}

func (Telemetry) Kind() string { return KindTelemetry }

// Sample returns the report as a state.Sample.
func (t Telemetry) Sample() state.Sample {
	return state.Sample{Lat: t.Lat, Lng: t.Lng, Timestamp: t.Timestamp.Time()}
}

func decodeFlightCreated(raw []byte) (Payload, error) {
	var w struct {
		Flight *state.Flight `json:"flight"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Flight == nil || strings.TrimSpace(w.Flight.ID) == "" {
		return nil, fmt.Errorf("%w: flight.created without flight id", ErrMalformed)
	}
	return FlightCreated{Flight: *w.Flight}, nil
}

func decodeTelemetry(raw []byte) (Payload, error) {
	// Pointers distinguish missing coordinates from a legitimate zero.
	var w struct {
		FlightID  string          `json:"flightId"`
		Lat       *float64        `json:"lat"`
		Lng       *float64        `json:"lng"`
		Timestamp *state.FlexTime `json:"ts"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var missing []string
	if strings.TrimSpace(w.FlightID) == "" {
		missing = append(missing, "flightId")
	}
	if w.Lat == nil {
		missing = append(missing, "lat")
	}
	if w.Lng == nil {
		missing = append(missing, "lng")
	}
	if w.Timestamp == nil || w.Timestamp.Time().IsZero() {
		missing = append(missing, "ts")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: telemetry missing %s", ErrMalformed, strings.Join(missing, ","))
	}

	return Telemetry{
		FlightID:  w.FlightID,
		Lat:       *w.Lat,
		Lng:       *w.Lng,
		Timestamp: *w.Timestamp,
	}, nil
}
