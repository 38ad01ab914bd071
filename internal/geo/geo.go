// Package geo provides spherical-earth helpers for flight positions.
package geo

import "math"

// earthRadiusKm is the mean earth radius used by HaversineKm.
const earthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toRad(d float64) float64 { return d * math.Pi / 180 }
func toDeg(r float64) float64 { return r * 180 / math.Pi }

// Bearing returns the initial compass bearing from a to b in degrees, normalised to [0, 360).
// Identical points yield 0.
func Bearing(a, b Point) float64 {
	phi1, phi2 := toRad(a.Lat), toRad(b.Lat)
	dLambda := toRad(b.Lng - a.Lng)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	deg := math.Mod(toDeg(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// Lerp linearly interpolates between a and b. The result is exactly a at
// t=0, exactly b at t=1, and never leaves [a, b].
func Lerp(a, b, t float64) float64 {
	if t >= 1 {
		return b
	}
	v := a + (b-a)*t
	return Clamp(v, math.Min(a, b), math.Max(a, b))
}

// Interpolate interpolates latitude and longitude independently.
func Interpolate(a, b Point, t float64) Point {
	return Point{
		Lat: Lerp(a.Lat, b.Lat, t),
		Lng: Lerp(a.Lng, b.Lng, t),
	}
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// HaversineKm returns the great-circle distance between a and b in kilometres.
func HaversineKm(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Pow(math.Sin(dLng/2), 2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
