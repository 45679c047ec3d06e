package detect

import (
	"math"

	"github.com/fieldsight/pattern-cli/internal/geostat"
)

// cellGrid buckets points into lat/lng cells sized to the DBSCAN radius so
// neighborhood queries only inspect the 3x3 cell block around a point
// instead of the whole set.
type cellGrid struct {
	latCellDeg float64
	lngCellDeg float64
	cells      map[[2]int][]int
}

const kmPerLatDegree = 110.574

// buildGrid indexes points with cells at least epsKm wide in both axes.
// Longitude cell width is computed at the dataset's highest latitude so a
// cell never spans less than epsKm and the 3x3 search stays sufficient.
func buildGrid(points []point, epsKm float64) *cellGrid {
	var maxAbsLat float64
	for _, p := range points {
		if a := math.Abs(p.lat); a > maxAbsLat {
			maxAbsLat = a
		}
	}

	cosLat := math.Cos(maxAbsLat * math.Pi / 180)
	if cosLat < 0.05 {
		cosLat = 0.05
	}

	g := &cellGrid{
		latCellDeg: epsKm / kmPerLatDegree,
		lngCellDeg: epsKm / (111.320 * cosLat),
		cells:      make(map[[2]int][]int),
	}
	for i, p := range points {
		g.cells[g.key(p.lat, p.lng)] = append(g.cells[g.key(p.lat, p.lng)], i)
	}
	return g
}

func (g *cellGrid) key(lat, lng float64) [2]int {
	return [2]int{
		int(math.Floor(lat / g.latCellDeg)),
		int(math.Floor(lng / g.lngCellDeg)),
	}
}

// neighbors returns the indices of points within epsKm of points[i],
// excluding i itself.
func (g *cellGrid) neighbors(points []point, i int, epsKm float64) []int {
	p := points[i]
	k := g.key(p.lat, p.lng)

	var out []int
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			for _, j := range g.cells[[2]int{k[0] + dr, k[1] + dc}] {
				if j == i {
					continue
				}
				q := points[j]
				if geostat.HaversineKm(p.lat, p.lng, q.lat, q.lng) <= epsKm {
					out = append(out, j)
				}
			}
		}
	}
	return out
}
