package detect

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/geostat"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// ClusterParams configures geographic clustering.
type ClusterParams struct {
	EpsKm     float64 // neighborhood radius
	MinPoints int     // minimum neighbor count for a core point
	DaysBack  int     // recency pre-filter, not part of the distance metric
}

// Validate rejects malformed parameters before any computation.
func (p ClusterParams) Validate() error {
	if p.EpsKm <= 0 {
		return eris.Wrapf(ErrInvalidParams, "eps_km must be positive, got %v", p.EpsKm)
	}
	if p.MinPoints < 2 {
		return eris.Wrapf(ErrInvalidParams, "min_points must be at least 2, got %d", p.MinPoints)
	}
	if p.DaysBack <= 0 {
		return eris.Wrapf(ErrInvalidParams, "days_back must be positive, got %d", p.DaysBack)
	}
	return nil
}

// Cluster is a maximal density-connected group of reports.
type Cluster struct {
	Members       []ReportRef
	CenterLat     float64
	CenterLng     float64
	RadiusKm      float64
	DensityPerKm2 float64
	Categories    []string
	FirstEvent    time.Time
	LastEvent     time.Time
}

// ReportCount returns the number of member reports.
func (c *Cluster) ReportCount() int { return len(c.Members) }

type point struct {
	lat, lng float64
	event    time.Time
	category string
	reportID string
}

// DetectClusters runs a DBSCAN pass over qualifying reports inside the
// recency window. A point is a core point when at least MinPoints other
// points lie within EpsKm; clusters are maximal connected sets of core
// points and their neighbors; unreachable points are noise. Clusters
// smaller than MinPoints are dropped. Output is ordered by descending
// member count, then earliest first event.
func DetectClusters(reports []model.Report, params ClusterParams, now time.Time) ([]Cluster, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	cutoff := now.AddDate(0, 0, -params.DaysBack)
	qualified := qualifying(reports, cutoff)
	if len(qualified) == 0 {
		return nil, nil
	}

	points := make([]point, len(qualified))
	for i, r := range qualified {
		points[i] = point{
			lat:      *r.Latitude,
			lng:      *r.Longitude,
			event:    *r.EventDate,
			category: r.Category,
			reportID: r.ID,
		}
	}

	grid := buildGrid(points, params.EpsKm)
	labels := runDBSCAN(points, grid, params)

	return assembleClusters(points, labels, params), nil
}

const (
	labelUnvisited = 0
	labelNoise     = -1
)

// runDBSCAN labels each point with a cluster id (>0) or noise.
func runDBSCAN(points []point, grid *cellGrid, params ClusterParams) []int {
	labels := make([]int, len(points))
	clusterID := 0

	for i := range points {
		if labels[i] != labelUnvisited {
			continue
		}
		neighbors := grid.neighbors(points, i, params.EpsKm)
		if len(neighbors) < params.MinPoints {
			labels[i] = labelNoise
			continue
		}

		clusterID++
		labels[i] = clusterID

		// Expand the cluster breadth-first from the seed's neighborhood.
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == labelNoise {
				labels[j] = clusterID // border point
			}
			if labels[j] != labelUnvisited {
				continue
			}
			labels[j] = clusterID

			jn := grid.neighbors(points, j, params.EpsKm)
			if len(jn) >= params.MinPoints {
				queue = append(queue, jn...)
			}
		}
	}
	return labels
}

// assembleClusters converts DBSCAN labels into Cluster results.
func assembleClusters(points []point, labels []int, params ClusterParams) []Cluster {
	byID := map[int][]int{}
	for i, l := range labels {
		if l > 0 {
			byID[l] = append(byID[l], i)
		}
	}

	var clusters []Cluster
	for _, idxs := range byID {
		if len(idxs) < params.MinPoints {
			continue
		}

		lats := make([]float64, len(idxs))
		lngs := make([]float64, len(idxs))
		for k, i := range idxs {
			lats[k] = points[i].lat
			lngs[k] = points[i].lng
		}
		cLat, cLng := geostat.Centroid(lats, lngs)
		radius := geostat.BoundingRadiusKm(cLat, cLng, lats, lngs)

		// Floor the bounding radius so tight clusters don't explode density.
		areaRadius := radius
		if areaRadius < 1 {
			areaRadius = 1
		}

		c := Cluster{
			CenterLat:     cLat,
			CenterLng:     cLng,
			RadiusKm:      radius,
			DensityPerKm2: float64(len(idxs)) / geostat.CircleAreaKm2(areaRadius),
			FirstEvent:    points[idxs[0]].event,
			LastEvent:     points[idxs[0]].event,
		}

		seen := map[string]bool{}
		for _, i := range idxs {
			p := points[i]
			d := geostat.HaversineKm(cLat, cLng, p.lat, p.lng)
			relevance := model.ClampScore(1 - d/(2*params.EpsKm))
			c.Members = append(c.Members, ReportRef{ReportID: p.reportID, Relevance: relevance})
			if p.event.Before(c.FirstEvent) {
				c.FirstEvent = p.event
			}
			if p.event.After(c.LastEvent) {
				c.LastEvent = p.event
			}
			if p.category != "" && !seen[p.category] {
				seen[p.category] = true
				c.Categories = append(c.Categories, p.category)
			}
		}
		sort.Strings(c.Categories)
		sort.Slice(c.Members, func(a, b int) bool {
			return c.Members[a].ReportID < c.Members[b].ReportID
		})

		clusters = append(clusters, c)
	}

	sort.Slice(clusters, func(a, b int) bool {
		if clusters[a].ReportCount() != clusters[b].ReportCount() {
			return clusters[a].ReportCount() > clusters[b].ReportCount()
		}
		return clusters[a].FirstEvent.Before(clusters[b].FirstEvent)
	})
	return clusters
}

// Candidate converts a cluster into a lifecycle candidate.
func (c *Cluster) Candidate(params ClusterParams) Candidate {
	lat, lng, radius := c.CenterLat, c.CenterLng, c.RadiusKm
	first, last := c.FirstEvent, c.LastEvent
	return Candidate{
		Type:         model.PatternGeographicCluster,
		Significance: clusterSignificance(c.ReportCount(), c.DensityPerKm2, params.MinPoints),
		Confidence:   countConfidence(c.ReportCount()),
		CenterLat:    &lat,
		CenterLng:    &lng,
		RadiusKm:     &radius,
		DateStart:    &first,
		DateEnd:      &last,
		Metadata: model.NewClusterMetadata(model.ClusterMeta{
			DensityPerKm2: c.DensityPerKm2,
			RadiusKm:      c.RadiusKm,
		}),
		Categories: c.Categories,
		Reports:    c.Members,
		MinPoints:  params.MinPoints,
	}
}

// clusterSignificance scores a cluster in [0,1] from its size relative to
// the minimum and its density. Logistic in excess size so large hotspots
// saturate instead of growing without bound.
func clusterSignificance(count int, density float64, minPoints int) float64 {
	excess := float64(count-minPoints) / float64(minPoints)
	sizeScore := 1 - math.Exp(-excess)
	densityScore := density / (density + 0.01)
	return model.ClampScore(0.4 + 0.4*sizeScore + 0.2*densityScore)
}

// countConfidence grows with report volume: 1 - 1/(1+n/10), clamped.
func countConfidence(count int) float64 {
	return model.ClampScore(1 - 1/(1+float64(count)/10))
}
