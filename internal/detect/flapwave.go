package detect

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/geostat"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// WaveParams configures flap wave tracking: DBSCAN clustering of
// sequential time frames with centroid linkage between frames.
type WaveParams struct {
	EpsKm     float64
	MinPoints int
	DaysBack  int
	FrameDays int // width of each time frame
	MinFrames int // minimum linked frames for a wave
}

// Validate rejects malformed parameters before any computation.
func (p WaveParams) Validate() error {
	if err := (ClusterParams{EpsKm: p.EpsKm, MinPoints: p.MinPoints, DaysBack: p.DaysBack}).Validate(); err != nil {
		return err
	}
	if p.FrameDays <= 0 {
		return eris.Wrapf(ErrInvalidParams, "frame_days must be positive, got %d", p.FrameDays)
	}
	if p.MinFrames < 2 {
		return eris.Wrapf(ErrInvalidParams, "min_frames must be at least 2, got %d", p.MinFrames)
	}
	return nil
}

// Wave is a cluster track whose centroid moved across sequential frames:
// a report wave propagating over a region.
type Wave struct {
	Members        []ReportRef
	StartLat       float64
	StartLng       float64
	EndLat         float64
	EndLng         float64
	RadiusKm       float64
	BearingDeg     float64
	SpeedKmPerDay  float64
	DisplacementKm float64
	Frames         int
	Categories     []string
	FirstEvent     time.Time
	LastEvent      time.Time
}

// track is an open wave under construction.
type track struct {
	centroids [][2]float64 // one per linked frame
	members   []ReportRef
	cats      map[string]bool
	first     time.Time
	last      time.Time
	frames    int
	lastFrame int
}

// DetectWaves tracks moving clusters across sequential time frames. Each
// frame is clustered independently with DBSCAN; a frame cluster extends
// the track whose previous centroid lies within 2x EpsKm. Tracks spanning
// at least MinFrames frames whose net centroid displacement is at least
// EpsKm become waves.
func DetectWaves(reports []model.Report, params WaveParams, now time.Time) ([]Wave, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	windowStart := now.AddDate(0, 0, -params.DaysBack)
	qualified := qualifying(reports, windowStart)
	if len(qualified) == 0 {
		return nil, nil
	}

	frameCount := (params.DaysBack + params.FrameDays - 1) / params.FrameDays
	frames := make([][]model.Report, frameCount)
	for _, r := range qualified {
		idx := int(r.EventDate.Sub(windowStart).Hours() / 24 / float64(params.FrameDays))
		if idx < 0 || idx >= frameCount {
			continue
		}
		frames[idx] = append(frames[idx], r)
	}

	clusterParams := ClusterParams{
		EpsKm:     params.EpsKm,
		MinPoints: params.MinPoints,
		DaysBack:  params.DaysBack,
	}

	var open []*track
	var closed []*track

	for fi, frame := range frames {
		clusters, err := DetectClusters(frame, clusterParams, now)
		if err != nil {
			return nil, err
		}

		// Close tracks that were not extended last frame.
		var stillOpen []*track
		for _, t := range open {
			if fi-t.lastFrame > 1 {
				closed = append(closed, t)
			} else {
				stillOpen = append(stillOpen, t)
			}
		}
		open = stillOpen

		for i := range clusters {
			c := &clusters[i]
			t := matchTrack(open, c, 2*params.EpsKm, fi)
			if t == nil {
				t = &track{cats: map[string]bool{}, first: c.FirstEvent, last: c.LastEvent}
				open = append(open, t)
			}
			t.centroids = append(t.centroids, [2]float64{c.CenterLat, c.CenterLng})
			t.members = append(t.members, c.Members...)
			for _, cat := range c.Categories {
				t.cats[cat] = true
			}
			if c.FirstEvent.Before(t.first) {
				t.first = c.FirstEvent
			}
			if c.LastEvent.After(t.last) {
				t.last = c.LastEvent
			}
			t.frames++
			t.lastFrame = fi
		}
	}
	closed = append(closed, open...)

	var waves []Wave
	for _, t := range closed {
		w, ok := t.wave(params)
		if ok {
			waves = append(waves, w)
		}
	}
	sort.Slice(waves, func(a, b int) bool {
		return waves[a].DisplacementKm > waves[b].DisplacementKm
	})
	return waves, nil
}

// matchTrack finds the open track whose latest centroid is nearest to the
// cluster, within maxKm, that was extended in the previous frame.
func matchTrack(open []*track, c *Cluster, maxKm float64, frame int) *track {
	var best *track
	bestDist := maxKm
	for _, t := range open {
		if t.lastFrame >= frame {
			continue // already extended this frame
		}
		last := t.centroids[len(t.centroids)-1]
		d := geostat.HaversineKm(last[0], last[1], c.CenterLat, c.CenterLng)
		if d <= bestDist {
			best = t
			bestDist = d
		}
	}
	return best
}

// wave finalizes a track into a Wave when it qualifies.
func (t *track) wave(params WaveParams) (Wave, bool) {
	if t.frames < params.MinFrames {
		return Wave{}, false
	}
	first := t.centroids[0]
	last := t.centroids[len(t.centroids)-1]
	displacement := geostat.HaversineKm(first[0], first[1], last[0], last[1])
	if displacement < params.EpsKm {
		return Wave{}, false
	}

	days := float64((t.frames - 1) * params.FrameDays)
	if days == 0 {
		days = float64(params.FrameDays)
	}

	w := Wave{
		Members:        dedupeRefs(t.members),
		StartLat:       first[0],
		StartLng:       first[1],
		EndLat:         last[0],
		EndLng:         last[1],
		BearingDeg:     geostat.BearingDeg(first[0], first[1], last[0], last[1]),
		SpeedKmPerDay:  displacement / days,
		DisplacementKm: displacement,
		Frames:         t.frames,
		FirstEvent:     t.first,
		LastEvent:      t.last,
		RadiusKm:       displacement / 2,
	}
	for c := range t.cats {
		w.Categories = append(w.Categories, c)
	}
	sort.Strings(w.Categories)
	return w, true
}

// dedupeRefs collapses duplicate report ids, keeping the highest relevance.
func dedupeRefs(refs []ReportRef) []ReportRef {
	best := map[string]float64{}
	for _, r := range refs {
		if v, ok := best[r.ReportID]; !ok || r.Relevance > v {
			best[r.ReportID] = r.Relevance
		}
	}
	out := make([]ReportRef, 0, len(best))
	for id, rel := range best {
		out = append(out, ReportRef{ReportID: id, Relevance: rel})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ReportID < out[b].ReportID })
	return out
}

// Candidate converts a wave into a lifecycle candidate. The pattern center
// is the wave's latest centroid.
func (w *Wave) Candidate(params WaveParams) Candidate {
	lat, lng, radius := w.EndLat, w.EndLng, w.RadiusKm
	first, last := w.FirstEvent, w.LastEvent
	return Candidate{
		Type:         model.PatternFlapWave,
		Significance: waveSignificance(w.Frames, w.DisplacementKm, params),
		Confidence:   countConfidence(len(w.Members)),
		CenterLat:    &lat,
		CenterLng:    &lng,
		RadiusKm:     &radius,
		DateStart:    &first,
		DateEnd:      &last,
		Metadata: model.NewWaveMetadata(model.WaveMeta{
			BearingDeg:    w.BearingDeg,
			SpeedKmPerDay: w.SpeedKmPerDay,
			WindowDays:    params.DaysBack,
			Steps:         w.Frames,
		}),
		Categories: w.Categories,
		Reports:    w.Members,
		MinPoints:  params.MinPoints,
	}
}

// waveSignificance scores a wave in [0,1] from its span and displacement.
func waveSignificance(frames int, displacementKm float64, params WaveParams) float64 {
	spanScore := 1 - math.Exp(-float64(frames-params.MinFrames+1)/3)
	distScore := 1 - math.Exp(-displacementKm/(2*params.EpsKm))
	return model.ClampScore(0.3 + 0.4*spanScore + 0.3*distScore)
}
