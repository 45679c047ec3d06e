package pattern

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldsight/pattern-cli/internal/detect"
	"github.com/fieldsight/pattern-cli/internal/geostat"
	"github.com/fieldsight/pattern-cli/internal/model"
)

const (
	// A pattern is promoted to active after this many consecutive runs
	// with non-decreasing significance, counting the run that created it.
	promotionRuns = 2

	// An active pattern starts declining when its significance drops below
	// this fraction of the previous run's value.
	declineRatio = 0.8

	// A declining pattern is archived after this many runs without growth.
	archiveRuns = 3
)

// Reconciler merges one run's detector candidates into the persisted
// pattern set, advancing each pattern's lifecycle status.
type Reconciler struct {
	store Store
	epsKm float64
	now   func() time.Time
}

// NewReconciler builds a Reconciler. epsKm is the centroid distance within
// which a spatial candidate matches an existing pattern.
func NewReconciler(store Store, epsKm float64) *Reconciler {
	return &Reconciler{store: store, epsKm: epsKm, now: time.Now}
}

// Reconcile merges candidates into the store under runID. Every persisted
// pattern is either matched to a candidate and updated, or aged toward
// historical. Historical patterns stay matchable so a re-detection
// reactivates the original row instead of spawning a duplicate; they only
// age while live. Returns counters for the run's audit record.
func (r *Reconciler) Reconcile(ctx context.Context, runID string, candidates []detect.Candidate) (model.RunCounters, error) {
	var counters model.RunCounters
	now := r.now().UTC()

	existing, err := r.store.ListByStatus(ctx,
		model.StatusEmerging, model.StatusActive, model.StatusDeclining, model.StatusHistorical)
	if err != nil {
		return counters, eris.Wrap(err, "pattern: load patterns")
	}

	matched := make(map[string]bool, len(existing))
	for i := range candidates {
		cand := &candidates[i]
		prev := r.match(existing, matched, cand)
		if prev == nil {
			if err := r.create(ctx, runID, cand, now); err != nil {
				return counters, err
			}
			counters.PatternsDetected++
			continue
		}
		matched[prev.ID] = true
		if err := r.update(ctx, runID, prev, cand, now); err != nil {
			return counters, err
		}
		counters.PatternsUpdated++
	}

	for i := range existing {
		p := &existing[i]
		if matched[p.ID] || p.Status == model.StatusHistorical {
			continue
		}
		archived, err := r.age(ctx, runID, p, now)
		if err != nil {
			return counters, err
		}
		if archived {
			counters.PatternsArchived++
		}
	}

	return counters, nil
}

// match finds the unmatched persisted pattern a candidate refreshes.
// Spatial types match on centroid proximity; the rest match on an
// identical date window.
func (r *Reconciler) match(existing []model.DetectedPattern, matched map[string]bool, cand *detect.Candidate) *model.DetectedPattern {
	var best *model.DetectedPattern
	bestDist := r.epsKm
	for i := range existing {
		p := &existing[i]
		if matched[p.ID] || p.Type != cand.Type {
			continue
		}
		if cand.Type.Spatial() {
			if p.CenterLat == nil || p.CenterLng == nil || cand.CenterLat == nil || cand.CenterLng == nil {
				continue
			}
			d := geostat.HaversineKm(*p.CenterLat, *p.CenterLng, *cand.CenterLat, *cand.CenterLng)
			if d <= bestDist {
				best = p
				bestDist = d
			}
			continue
		}
		if sameWindow(p.DateStart, cand.DateStart) && sameWindow(p.DateEnd, cand.DateEnd) {
			return p
		}
	}
	return best
}

func sameWindow(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (r *Reconciler) create(ctx context.Context, runID string, cand *detect.Candidate, now time.Time) error {
	p := &model.DetectedPattern{
		Type:              cand.Type,
		Status:            model.StatusEmerging,
		ConfidenceScore:   cand.Confidence,
		SignificanceScore: cand.Significance,
		ReportCount:       len(cand.Reports),
		CenterLat:         cand.CenterLat,
		CenterLng:         cand.CenterLng,
		RadiusKm:          cand.RadiusKm,
		DateStart:         cand.DateStart,
		DateEnd:           cand.DateEnd,
		Metadata:          cand.Metadata,
		Categories:        cand.Categories,
		RunsObserved:      1,
		RunsSinceGrowth:   0,
		LastRunID:         runID,
		FirstDetectedAt:   now,
		LastUpdatedAt:     now,
	}
	if err := r.store.CreatePattern(ctx, p); err != nil {
		return err
	}
	if err := r.replaceLinks(ctx, p.ID, cand.Reports); err != nil {
		return err
	}
	zap.L().Info("pattern detected",
		zap.String("pattern_id", p.ID),
		zap.String("type", string(p.Type)),
		zap.Int("reports", p.ReportCount),
		zap.Float64("significance", p.SignificanceScore))
	return nil
}

// update refreshes a matched pattern with the candidate's measurements and
// advances its status. Status never moves back to emerging: a pattern that
// reappears after declining or going quiet comes back as active.
func (r *Reconciler) update(ctx context.Context, runID string, prev *model.DetectedPattern, cand *detect.Candidate, now time.Time) error {
	p := *prev
	prevSig := p.SignificanceScore

	p.ConfidenceScore = cand.Confidence
	p.SignificanceScore = cand.Significance
	p.ReportCount = len(cand.Reports)
	p.CenterLat = cand.CenterLat
	p.CenterLng = cand.CenterLng
	p.RadiusKm = cand.RadiusKm
	p.DateStart = cand.DateStart
	p.DateEnd = cand.DateEnd
	p.Metadata = cand.Metadata
	p.Categories = cand.Categories
	p.PrevSignificance = &prevSig
	p.RunsObserved++
	p.LastRunID = runID
	p.LastUpdatedAt = now

	grew := cand.Significance >= prevSig
	if grew {
		p.RunsSinceGrowth = 0
	} else {
		p.RunsSinceGrowth++
	}

	switch p.Status {
	case model.StatusEmerging:
		if grew && p.RunsObserved >= promotionRuns {
			p.Status = model.StatusActive
		} else if cand.Significance < declineRatio*prevSig {
			p.Status = model.StatusDeclining
		}
	case model.StatusActive:
		if cand.Significance < declineRatio*prevSig {
			p.Status = model.StatusDeclining
		}
	case model.StatusDeclining:
		if grew {
			p.Status = model.StatusActive
		} else if p.RunsSinceGrowth >= archiveRuns {
			p.Status = model.StatusHistorical
		}
	case model.StatusHistorical:
		// An archived pattern that shows up again is a reactivation.
		p.Status = model.StatusActive
		p.RunsSinceGrowth = 0
	}

	if err := r.store.UpdatePattern(ctx, &p); err != nil {
		return err
	}
	if err := r.replaceLinks(ctx, p.ID, cand.Reports); err != nil {
		return err
	}

	// Changed source data invalidates any cached narrative.
	if sourceChanged(prev, &p) {
		if err := r.store.MarkInsightsStale(ctx, p.ID); err != nil {
			return err
		}
	}
	if p.Status != prev.Status {
		zap.L().Info("pattern status changed",
			zap.String("pattern_id", p.ID),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(p.Status)))
	}
	return nil
}

// age advances a pattern no candidate refreshed this run. Emerging and
// active patterns slide to declining; declining patterns are archived.
func (r *Reconciler) age(ctx context.Context, runID string, p *model.DetectedPattern, now time.Time) (bool, error) {
	prev := p.Status
	prevSig := p.SignificanceScore

	p.PrevSignificance = &prevSig
	p.RunsObserved++
	p.RunsSinceGrowth++
	p.LastRunID = runID
	p.LastUpdatedAt = now

	switch p.Status {
	case model.StatusEmerging, model.StatusActive:
		p.Status = model.StatusDeclining
	case model.StatusDeclining:
		p.Status = model.StatusHistorical
	}

	if err := r.store.UpdatePattern(ctx, p); err != nil {
		return false, err
	}
	if p.Status != prev {
		zap.L().Info("pattern status changed",
			zap.String("pattern_id", p.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(p.Status)))
	}
	return p.Status == model.StatusHistorical && prev != model.StatusHistorical, nil
}

func (r *Reconciler) replaceLinks(ctx context.Context, patternID string, refs []detect.ReportRef) error {
	links := make([]model.PatternReportLink, len(refs))
	for i, ref := range refs {
		links[i] = model.PatternReportLink{
			PatternID: patternID,
			ReportID:  ref.ReportID,
			Relevance: ref.Relevance,
		}
	}
	return r.store.ReplaceLinks(ctx, patternID, links)
}

// sourceChanged reports whether the fields feeding the insight hash moved
// between two versions of a pattern.
func sourceChanged(prev, next *model.DetectedPattern) bool {
	if prev.ReportCount != next.ReportCount ||
		prev.ConfidenceScore != next.ConfidenceScore ||
		prev.SignificanceScore != next.SignificanceScore {
		return true
	}
	return string(prev.Metadata.Canonical()) != string(next.Metadata.Canonical())
}
