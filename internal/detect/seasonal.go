package detect

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// Season classifications from the monthly index.
const (
	SeasonPeak    = "peak"
	SeasonLow     = "low"
	SeasonAverage = "average"

	peakIndexThreshold = 1.5
	lowIndexThreshold  = 0.5
)

// MonthStat is the seasonal profile of one calendar month over the
// analysis window.
type MonthStat struct {
	Month       int     `json:"month"` // 1..12
	Count       int     `json:"count"`
	Index       float64 `json:"index"`
	TopCategory string  `json:"top_category,omitempty"`
	ReportIDs   []string
}

// Season classifies the month's index.
func (m *MonthStat) Season() string {
	switch {
	case m.Index > peakIndexThreshold:
		return SeasonPeak
	case m.Index < lowIndexThreshold:
		return SeasonLow
	default:
		return SeasonAverage
	}
}

// SeasonalIndex computes, for each calendar month, the qualifying report
// count over the trailing yearsBack window and its index relative to the
// average monthly count. An all-zero window yields a neutral index of 1.0
// for every month.
func SeasonalIndex(reports []model.Report, yearsBack int, now time.Time) ([]MonthStat, error) {
	if yearsBack <= 0 {
		return nil, eris.Wrapf(ErrInvalidParams, "years_back must be positive, got %d", yearsBack)
	}

	cutoff := now.AddDate(-yearsBack, 0, 0)

	counts := make([]int, 13)
	catCounts := make([]map[string]int, 13)
	ids := make([][]string, 13)
	for m := 1; m <= 12; m++ {
		catCounts[m] = map[string]int{}
	}

	total := 0
	for _, r := range qualifying(reports, cutoff) {
		m := int(r.EventDate.Month())
		counts[m]++
		ids[m] = append(ids[m], r.ID)
		if r.Category != "" {
			catCounts[m][r.Category]++
		}
		total++
	}

	avg := float64(total) / 12

	stats := make([]MonthStat, 0, 12)
	for m := 1; m <= 12; m++ {
		index := 1.0
		if avg > 0 {
			index = float64(counts[m]) / avg
		}
		stats = append(stats, MonthStat{
			Month:       m,
			Count:       counts[m],
			Index:       index,
			TopCategory: topCategory(catCounts[m]),
			ReportIDs:   ids[m],
		})
	}
	return stats, nil
}

// topCategory returns the most frequent category, ties broken
// alphabetically for determinism.
func topCategory(counts map[string]int) string {
	best := ""
	bestCount := 0
	for c, n := range counts {
		if n > bestCount || (n == bestCount && (best == "" || c < best)) {
			best = c
			bestCount = n
		}
	}
	return best
}

// Candidate converts a peak month into a lifecycle candidate. Callers
// should only emit candidates for months classified as SeasonPeak.
func (m *MonthStat) Candidate(yearsBack int, now time.Time) Candidate {
	// The date window is the month-of-year across the trailing window,
	// anchored to the most recent occurrence of that month.
	end := time.Date(now.Year(), time.Month(m.Month), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)
	if end.After(now) {
		end = end.AddDate(-1, 0, 0)
	}
	start := end.AddDate(0, 0, -(end.Day() - 1))

	refs := make([]ReportRef, len(m.ReportIDs))
	for i, id := range m.ReportIDs {
		refs[i] = ReportRef{ReportID: id, Relevance: 1.0}
	}

	var categories []string
	if m.TopCategory != "" {
		categories = []string{m.TopCategory}
	}

	return Candidate{
		Type:         model.PatternSeasonal,
		Significance: model.ClampScore((m.Index - 1) / 2),
		Confidence:   countConfidence(m.Count),
		DateStart:    &start,
		DateEnd:      &end,
		Metadata: model.NewSeasonalMetadata(model.SeasonalMeta{
			Month:       m.Month,
			Index:       m.Index,
			MonthCount:  m.Count,
			TopCategory: m.TopCategory,
		}),
		Categories: categories,
		Reports:    refs,
	}
}
