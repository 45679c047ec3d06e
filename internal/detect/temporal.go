package detect

import (
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/geostat"
	"github.com/fieldsight/pattern-cli/internal/model"
)

// DefaultSpikeThreshold is the z-score magnitude above which the latest
// week counts as a spike (positive) or drop (negative).
const DefaultSpikeThreshold = 2.5

// minAnomalyWeeks is the shortest series that supports anomaly scoring: a
// shorter history has no meaningful mean/stddev.
const minAnomalyWeeks = 4

// WeekBucket is one calendar week of report counts.
type WeekBucket struct {
	Week       time.Time      `json:"week"` // Monday 00:00 UTC
	Count      int            `json:"count"`
	Categories map[string]int `json:"categories"`
	ReportIDs  []string       `json:"-"`
}

// WeekStart truncates t to the Monday of its ISO week, in UTC.
func WeekStart(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday
	}
	return t.AddDate(0, 0, -(weekday - 1))
}

// WeeklyCounts buckets qualifying reports into a continuous, zero-filled
// weekly series covering the weeksBack most recent calendar weeks up to
// now's week.
func WeeklyCounts(reports []model.Report, weeksBack int, now time.Time) ([]WeekBucket, error) {
	if weeksBack <= 0 {
		return nil, eris.Wrapf(ErrInvalidParams, "weeks_back must be positive, got %d", weeksBack)
	}

	latest := WeekStart(now)
	earliest := latest.AddDate(0, 0, -7*(weeksBack-1))

	byWeek := map[time.Time]*WeekBucket{}
	for _, r := range qualifying(reports, earliest) {
		w := WeekStart(*r.EventDate)
		if w.After(latest) {
			continue
		}
		b, ok := byWeek[w]
		if !ok {
			b = &WeekBucket{Week: w, Categories: map[string]int{}}
			byWeek[w] = b
		}
		b.Count++
		b.ReportIDs = append(b.ReportIDs, r.ID)
		if r.Category != "" {
			b.Categories[r.Category]++
		}
	}

	series := make([]WeekBucket, 0, weeksBack)
	for w := earliest; !w.After(latest); w = w.AddDate(0, 0, 7) {
		if b, ok := byWeek[w]; ok {
			series = append(series, *b)
		} else {
			series = append(series, WeekBucket{Week: w, Categories: map[string]int{}})
		}
	}
	return series, nil
}

// WeeklyAnomaly is the z-score classification of the latest week.
type WeeklyAnomaly struct {
	Week        time.Time
	ZScore      float64
	IsSpike     bool
	IsDrop      bool
	LatestCount int
	Mean        float64
	StdDev      float64
	WindowWeeks int
	ReportIDs   []string
	Categories  []string
}

// AnalyzeLatestWeek computes the historical mean and stddev of weekly
// counts excluding the most recent week, and z-scores the latest week
// against them. Returns nil when the series is too short or the latest
// week is not anomalous at the given threshold. A zero stddev suppresses
// classification.
func AnalyzeLatestWeek(series []WeekBucket, threshold float64) *WeeklyAnomaly {
	if len(series) < minAnomalyWeeks {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultSpikeThreshold
	}

	latest := series[len(series)-1]
	history := make([]float64, len(series)-1)
	for i, b := range series[:len(series)-1] {
		history[i] = float64(b.Count)
	}

	mean := geostat.Mean(history)
	stddev := geostat.StdDev(history)
	z := geostat.ZScore(float64(latest.Count), mean, stddev)

	anomaly := &WeeklyAnomaly{
		Week:        latest.Week,
		ZScore:      z,
		IsSpike:     z > threshold,
		IsDrop:      z < -threshold,
		LatestCount: latest.Count,
		Mean:        mean,
		StdDev:      stddev,
		WindowWeeks: len(series),
		ReportIDs:   latest.ReportIDs,
	}
	for c := range latest.Categories {
		anomaly.Categories = append(anomaly.Categories, c)
	}
	sort.Strings(anomaly.Categories)

	if !anomaly.IsSpike && !anomaly.IsDrop {
		return nil
	}
	return anomaly
}

// Candidate converts an anomaly into a lifecycle candidate.
func (a *WeeklyAnomaly) Candidate() Candidate {
	start := a.Week
	end := a.Week.AddDate(0, 0, 6)

	refs := make([]ReportRef, len(a.ReportIDs))
	for i, id := range a.ReportIDs {
		refs[i] = ReportRef{ReportID: id, Relevance: 1.0}
	}

	return Candidate{
		Type:         model.PatternTemporalAnomaly,
		Significance: model.ClampScore(math.Abs(a.ZScore) / 5),
		Confidence:   countConfidence(a.LatestCount),
		DateStart:    &start,
		DateEnd:      &end,
		Metadata: model.NewTemporalMetadata(model.TemporalMeta{
			ZScore:      a.ZScore,
			IsSpike:     a.IsSpike,
			WindowWeeks: a.WindowWeeks,
			LatestCount: a.LatestCount,
			Mean:        a.Mean,
			StdDev:      a.StdDev,
		}),
		Categories: a.Categories,
		Reports:    refs,
	}
}
