package resolver

import (
	"math"
	"testing"
	"time"

	"flight_tracker/internal/geo"
	"flight_tracker/internal/state"
)

var epoch = time.UnixMilli(0).UTC()

func at(msec int64) time.Time { return epoch.Add(time.Duration(msec) * time.Millisecond) }

func sample(lat, lng float64, msec int64) *state.Sample {
	return &state.Sample{Lat: lat, Lng: lng, Timestamp: at(msec)}
}

var e1 = state.Flight{
	ID:             "E1",
	FlightCode:     "TK2140",
	DepartureLat:   41.0,
	DepartureLng:   28.0,
	DestinationLat: 39.9,
	DestinationLng: 32.8,
}

func TestResolveBracketExample(t *testing.T) {
	b := state.Bracket{Before: sample(40.0, 29.0, 1000), After: sample(41.0, 30.0, 2000)}

	rs, ok := resolveBracket(e1, b, at(1500), 120*time.Second)
	if !ok {
		t.Fatal("no position")
	}
	if math.Abs(rs.Lat-40.5) > 1e-12 || math.Abs(rs.Lng-29.5) > 1e-12 {
		t.Errorf("position = %v,%v, want 40.5,29.5", rs.Lat, rs.Lng)
	}
	want := geo.Bearing(b.Before.Point(), b.After.Point())
	if rs.Heading != want {
		t.Errorf("heading = %v, want %v", rs.Heading, want)
	}
}

func TestResolveBracketEndpointsExact(t *testing.T) {
	b := state.Bracket{Before: sample(40.123456789, 29.987654321, 1000), After: sample(40.7, 30.3, 61000)}

	rs, _ := resolveBracket(e1, b, at(1000), DefaultMaxGap)
	if rs.Lat != b.Before.Lat || rs.Lng != b.Before.Lng {
		t.Errorf("f=0 position = %v,%v, want before %v,%v", rs.Lat, rs.Lng, b.Before.Lat, b.Before.Lng)
	}

	rs, _ = resolveBracket(e1, b, at(61000), DefaultMaxGap)
	if rs.Lat != b.After.Lat || rs.Lng != b.After.Lng {
		t.Errorf("f=1 position = %v,%v, want after %v,%v", rs.Lat, rs.Lng, b.After.Lat, b.After.Lng)
	}
}

func TestResolveBracketGapHold(t *testing.T) {
	b := state.Bracket{Before: sample(40.0, 29.0, 0), After: sample(41.0, 30.0, 180_000)}
	wantHeading := geo.Bearing(e1.Origin(), b.Before.Point())

	for _, msec := range []int64{0, 1, 60_000, 120_000, 179_999, 180_000} {
		rs, ok := resolveBracket(e1, b, at(msec), DefaultMaxGap)
		if !ok {
			t.Fatalf("at %d: no position", msec)
		}
		if rs.Lat != 40.0 || rs.Lng != 29.0 {
			t.Errorf("at %d: position = %v,%v, want held at before", msec, rs.Lat, rs.Lng)
		}
		if rs.Heading != wantHeading {
			t.Errorf("at %d: heading = %v, want origin->before %v", msec, rs.Heading, wantHeading)
		}
	}
}

func TestResolveBracketGapAtThresholdInterpolates(t *testing.T) {
	b := state.Bracket{Before: sample(40.0, 29.0, 0), After: sample(41.0, 30.0, 120_000)}
	rs, _ := resolveBracket(e1, b, at(60_000), DefaultMaxGap)
	if math.Abs(rs.Lat-40.5) > 1e-12 {
		t.Errorf("lat = %v, want 40.5 (gap equal to threshold interpolates)", rs.Lat)
	}
}

func TestResolveBracketMonotonic(t *testing.T) {
	b := state.Bracket{Before: sample(40.0, 30.0, 1000), After: sample(41.3, 28.7, 11000)}

	prev, _ := resolveBracket(e1, b, at(1000), DefaultMaxGap)
	for msec := int64(1001); msec <= 11000; msec += 7 {
		rs, _ := resolveBracket(e1, b, at(msec), DefaultMaxGap)
		if rs.Lat < prev.Lat {
			t.Fatalf("lat decreased at %d: %v < %v", msec, rs.Lat, prev.Lat)
		}
		if rs.Lng > prev.Lng {
			t.Fatalf("lng increased at %d: %v > %v", msec, rs.Lng, prev.Lng)
		}
		prev = rs
	}
}

func TestResolveBracketZeroGap(t *testing.T) {
	b := state.Bracket{Before: sample(40.0, 29.0, 1000), After: sample(40.0, 29.0, 1000)}
	rs, ok := resolveBracket(e1, b, at(1000), DefaultMaxGap)
	if !ok || rs.Lat != 40.0 || rs.Lng != 29.0 {
		t.Errorf("zero gap = %+v, %v", rs, ok)
	}
	if math.IsNaN(rs.Heading) {
		t.Error("heading is NaN")
	}
}

func TestResolveBracketBeforeOnly(t *testing.T) {
	b := state.Bracket{Before: sample(40.2, 29.4, 1000)}
	wantHeading := geo.Bearing(e1.Origin(), b.Before.Point())

	for _, msec := range []int64{1000, 5000, 10_000_000} {
		rs, ok := resolveBracket(e1, b, at(msec), DefaultMaxGap)
		if !ok {
			t.Fatalf("at %d: no position", msec)
		}
		if rs.Lat != 40.2 || rs.Lng != 29.4 {
			t.Errorf("at %d: position = %v,%v, want before's exact coordinates", msec, rs.Lat, rs.Lng)
		}
		if rs.Heading != wantHeading {
			t.Errorf("at %d: heading = %v, want %v", msec, rs.Heading, wantHeading)
		}
	}
}

func TestResolveBracketAfterOnly(t *testing.T) {
	b := state.Bracket{After: sample(40.5, 29.5, 5000)}
	rs, ok := resolveBracket(e1, b, at(1000), DefaultMaxGap)
	if !ok {
		t.Fatal("no position")
	}
	if rs.Lat != e1.DepartureLat || rs.Lng != e1.DepartureLng {
		t.Errorf("position = %v,%v, want origin", rs.Lat, rs.Lng)
	}
	if want := geo.Bearing(e1.Origin(), b.After.Point()); rs.Heading != want {
		t.Errorf("heading = %v, want origin->after %v", rs.Heading, want)
	}
}

func TestResolveBracketEmpty(t *testing.T) {
	if rs, ok := resolveBracket(e1, state.Bracket{}, at(1000), DefaultMaxGap); ok {
		t.Errorf("empty bracket resolved to %+v", rs)
	}
}

func TestLiveHeading(t *testing.T) {
	ls := state.LiveState{Current: *sample(40.5, 29.5, 2000)}
	if got := liveHeading(e1, ls); got != e1.RouteBearing() {
		t.Errorf("heading without previous = %v, want route bearing %v", got, e1.RouteBearing())
	}

	ls.Previous = sample(40.0, 29.0, 1000)
	want := geo.Bearing(ls.Previous.Point(), ls.Current.Point())
	if got := liveHeading(e1, ls); got != want {
		t.Errorf("heading = %v, want %v", got, want)
	}
}
