// Package geostat provides the geometry and statistics primitives shared by
// the detectors: great-circle distance, bearing, mean/stddev, and z-scores.
package geostat

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometers between two
// lat/lng points.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// BearingDeg returns the initial bearing in degrees (0–360, clockwise from
// north) from the first point to the second.
func BearingDeg(lat1, lng1, lat2, lng2 float64) float64 {
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation of xs, or 0 for fewer
// than two values.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// ZScore returns how many standard deviations x lies from the mean of the
// historical series. A zero stddev yields 0 so callers suppress anomaly
// classification instead of dividing by zero.
func ZScore(x, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return (x - mean) / stddev
}

// Centroid returns the mean lat/lng of a point set. Adequate at cluster
// scale; no antimeridian handling, matching the report corpus.
func Centroid(lats, lngs []float64) (float64, float64) {
	return Mean(lats), Mean(lngs)
}

// BoundingRadiusKm returns the maximum haversine distance from the centroid
// to any member point, i.e. the radius of the minimum centroid-centered
// bounding circle.
func BoundingRadiusKm(centerLat, centerLng float64, lats, lngs []float64) float64 {
	var max float64
	for i := range lats {
		if d := HaversineKm(centerLat, centerLng, lats[i], lngs[i]); d > max {
			max = d
		}
	}
	return max
}

// CircleAreaKm2 returns the area of a circle with the given radius in km.
func CircleAreaKm2(radiusKm float64) float64 {
	return math.Pi * radiusKm * radiusKm
}
