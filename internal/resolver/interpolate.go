package resolver

import (
	"time"

	"flight_tracker/internal/geo"
	"flight_tracker/internal/state"
)

// resolveBracket reconstructs a flight's position at at from the samples on
// either side of it. It reports false when the bracket is empty.
//
// Policy, first match wins:
//   - both sides, gap > maxGap: hold at Before, heading origin -> Before
//   - both sides: interpolate, heading Before -> After
//   - Before only: hold at Before, heading origin -> Before
//   - After only: sit at the origin, heading origin -> After
func resolveBracket(f state.Flight, b state.Bracket, at time.Time, maxGap time.Duration) (state.ReplayState, bool) {
	origin := f.Origin()

	switch {
	case b.Before != nil && b.After != nil:
		before, after := b.Before, b.After
		gap := after.Timestamp.Sub(before.Timestamp)
		if gap > maxGap {
			return hold(origin, before), true
		}

		span := max(gap, time.Millisecond)
		t := geo.Clamp(float64(at.Sub(before.Timestamp))/float64(span), 0, 1)
		p := geo.Interpolate(before.Point(), after.Point(), t)
		return state.ReplayState{
			Lat:     p.Lat,
			Lng:     p.Lng,
			Heading: geo.Bearing(before.Point(), after.Point()),
		}, true

	case b.Before != nil:
		return hold(origin, b.Before), true

	case b.After != nil:
		return state.ReplayState{
			Lat:     origin.Lat,
			Lng:     origin.Lng,
			Heading: geo.Bearing(origin, b.After.Point()),
		}, true
	}
	return state.ReplayState{}, false
}

func hold(origin geo.Point, s *state.Sample) state.ReplayState {
	return state.ReplayState{
		Lat:     s.Lat,
		Lng:     s.Lng,
		Heading: geo.Bearing(origin, s.Point()),
	}
}

// liveHeading is the bearing of the last move, or the route bearing before
// a second sample arrives.
func liveHeading(f state.Flight, ls state.LiveState) float64 {
	if ls.Previous == nil {
		return f.RouteBearing()
	}
	return geo.Bearing(ls.Previous.Point(), ls.Current.Point())
}
