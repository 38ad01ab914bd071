package envelope

import (
	"errors"
	"testing"
	"time"

	"flight_tracker/internal/state"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  bool
	}{
		{name: "telemetry", input: `{"type":"telemetry","flightId":"f1"}`, wantType: "telemetry"},
		{name: "unknown kind still parses", input: `{"type":"weather.update"}`, wantType: "weather.update"},
		{name: "type is trimmed", input: `{"type":"  telemetry "}`, wantType: "telemetry"},
		{name: "missing type", input: `{"flightId":"f1"}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
		{name: "array", input: `[1,2,3]`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.input))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantType)
			}
			if string(env.Raw) != tt.input {
				t.Errorf("Raw = %s, want %s", env.Raw, tt.input)
			}
		})
	}
}

func TestDecodeTelemetry(t *testing.T) {
	env, err := Parse([]byte(`{"type":"telemetry","flightId":"f1","lat":0,"lng":29.5,"ts":"2025-03-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := env.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tel, ok := p.(Telemetry)
	if !ok {
		t.Fatalf("expected Telemetry, got %T", p)
	}
	if tel.FlightID != "f1" || tel.Lat != 0 || tel.Lng != 29.5 {
		t.Errorf("unexpected payload: %+v", tel)
	}
	want := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !tel.Sample().Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", tel.Sample().Timestamp, want)
	}
}

func TestDecodeTelemetryMissingFields(t *testing.T) {
	inputs := []string{
		`{"type":"telemetry","lat":1,"lng":2,"ts":1000}`,
		`{"type":"telemetry","flightId":"f1","lng":2,"ts":1000}`,
		`{"type":"telemetry","flightId":"f1","lat":1,"ts":1000}`,
		`{"type":"telemetry","flightId":"f1","lat":1,"lng":2}`,
		`{"type":"telemetry","flightId":"f1","lat":"north","lng":2,"ts":1000}`,
	}
	for _, in := range inputs {
		env, err := Parse([]byte(in))
		if err != nil {
			t.Fatalf("parse %s: %v", in, err)
		}
		if _, err := env.Decode(); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestDecodeFlightCreated(t *testing.T) {
	env, err := Parse([]byte(`{"type":"flight.created","flight":{"_id":"f9","flightCode":"TK9",` +
		`"departure_lat":41,"departure_long":28,"destination_lat":40,"destination_long":33,` +
		`"departureTime":"2025-03-01T09:00:00.000Z"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := env.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	fc, ok := p.(FlightCreated)
	if !ok {
		t.Fatalf("expected FlightCreated, got %T", p)
	}
	if fc.Flight.ID != "f9" || fc.Flight.DestinationLng != 33 {
		t.Errorf("unexpected flight: %+v", fc.Flight)
	}

	env, _ = Parse([]byte(`{"type":"flight.created","flight":{"flightCode":"NOID"}}`))
	if _, err := env.Decode(); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for missing id, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	env, _ := Parse([]byte(`{"type":"weather.update"}`))
	if _, err := env.Decode(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

type gateChange struct {
	FlightID string `json:"flightId"`
	Gate     string `json:"gate"`
}

func (gateChange) Kind() string { return "gate.changed" }

func TestRegistryIsExtensible(t *testing.T) {
	r := NewRegistry()
	r.Register("gate.changed", func(raw []byte) (Payload, error) {
		return gateChange{FlightID: "f1", Gate: "B12"}, nil
	})

	env, _ := Parse([]byte(`{"type":"gate.changed"}`))
	p, err := r.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.(gateChange).Gate != "B12" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if kinds := r.Kinds(); len(kinds) != 1 || kinds[0] != "gate.changed" {
		t.Errorf("Kinds = %v", kinds)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	frame, err := Encode(Telemetry{FlightID: "f1", Lat: 40, Lng: 29, Timestamp: state.FlexTime(time.UnixMilli(1000).UTC())})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Parse(frame)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env.Type != KindTelemetry {
		t.Fatalf("Type = %q", env.Type)
	}
	p, err := env.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := p.(Telemetry).Sample().Timestamp.UnixMilli(); got != 1000 {
		t.Errorf("ts = %d, want 1000", got)
	}
}
