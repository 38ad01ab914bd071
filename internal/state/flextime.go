package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FlexTime handles JSON timestamps that can be either an RFC3339 string or
// epoch milliseconds. Empty strings and null decode to the zero time.
type FlexTime time.Time

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexTime{}
		return nil
	}

	// Try as number first (epoch milliseconds).
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*f = FlexTime(time.UnixMilli(int64(ms)).UTC())
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = FlexTime{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*f = FlexTime(t.UTC())
		return nil
	}
	// Numeric strings are epoch milliseconds too.
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = FlexTime(time.UnixMilli(i).UTC())
		return nil
	}
	return fmt.Errorf("timestamp: unrecognised value %q", s)
}

// MarshalJSON writes the time as RFC3339 with milliseconds.
func (f FlexTime) MarshalJSON() ([]byte, error) {
	t := time.Time(f)
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

// Time returns the value as a time.Time.
func (f FlexTime) Time() time.Time {
	return time.Time(f)
}

// flightWire mirrors Flight with a tolerant departure time.
type flightWire struct {
	ID             string   `json:"_id"`
	FlightCode     string   `json:"flightCode"`
	DepartureLat   float64  `json:"departure_lat"`
	DepartureLng   float64  `json:"departure_long"`
	DestinationLat float64  `json:"destination_lat"`
	DestinationLng float64  `json:"destination_long"`
	DepartureTime  FlexTime `json:"departureTime"`
}

// UnmarshalJSON accepts the departure time in any FlexTime form.
func (f *Flight) UnmarshalJSON(data []byte) error {
	var w flightWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*f = Flight{
		ID:             w.ID,
		FlightCode:     w.FlightCode,
		DepartureLat:   w.DepartureLat,
		DepartureLng:   w.DepartureLng,
		DestinationLat: w.DestinationLat,
		DestinationLng: w.DestinationLng,
		DepartureTime:  w.DepartureTime.Time(),
	}
	return nil
}
