package insight

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// fallbackModel marks insights produced without a generator.
const fallbackModel = "fallback"

var titleCaser = cases.Title(language.English)

// fallbackNarrative renders a deterministic insight from the pattern's own
// numbers, used when generation fails, times out, or returns malformed
// output. Cached like any generated insight.
func fallbackNarrative(p *model.DetectedPattern) parsed {
	title := fallbackTitle(p)
	summary := fmt.Sprintf("%s involving %d reports (significance %.2f, confidence %.2f).",
		title, p.ReportCount, p.SignificanceScore, p.ConfidenceScore)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", summary)
	switch p.Type {
	case model.PatternGeographicCluster, model.PatternRegionalConcentration:
		if p.CenterLat != nil && p.CenterLng != nil {
			fmt.Fprintf(&b, "The cluster is centered at (%.4f, %.4f)", *p.CenterLat, *p.CenterLng)
			if p.RadiusKm != nil {
				fmt.Fprintf(&b, " with a radius of %.1f km", *p.RadiusKm)
			}
			b.WriteString(". ")
		}
		if m := p.Metadata.Cluster; m != nil {
			fmt.Fprintf(&b, "Report density is %.2f per km2. ", m.DensityPerKm2)
		}
	case model.PatternTemporalAnomaly:
		if m := p.Metadata.Temporal; m != nil {
			fmt.Fprintf(&b, "The latest week recorded %d reports against a historical mean of %.1f, a z-score of %.1f over %d weeks. ",
				m.LatestCount, m.Mean, m.ZScore, m.WindowWeeks)
		}
	case model.PatternSeasonal:
		if m := p.Metadata.Seasonal; m != nil {
			fmt.Fprintf(&b, "%s runs at %.1fx the average monthly report volume. ",
				time.Month(m.Month), m.Index)
		}
	case model.PatternFlapWave:
		if m := p.Metadata.Wave; m != nil {
			fmt.Fprintf(&b, "Activity moved at %.1f km/day on bearing %.0f degrees across %d frames. ",
				m.SpeedKmPerDay, m.BearingDeg, m.Steps)
		}
	}
	if len(p.Categories) > 0 {
		fmt.Fprintf(&b, "Categories involved: %s.", strings.Join(p.Categories, ", "))
	}

	return parsed{
		Title:     title,
		Summary:   summary,
		Narrative: strings.TrimSpace(b.String()),
	}
}

func fallbackTitle(p *model.DetectedPattern) string {
	switch p.Type {
	case model.PatternGeographicCluster:
		return fmt.Sprintf("Geographic Cluster of %d Reports", p.ReportCount)
	case model.PatternTemporalAnomaly:
		if m := p.Metadata.Temporal; m != nil && !m.IsSpike {
			return "Weekly Report Drop"
		}
		return "Weekly Report Spike"
	case model.PatternSeasonal:
		if m := p.Metadata.Seasonal; m != nil {
			return fmt.Sprintf("Seasonal Peak in %s", time.Month(m.Month))
		}
		return "Seasonal Pattern"
	case model.PatternFlapWave:
		return fmt.Sprintf("Moving Wave of %d Reports", p.ReportCount)
	}
	return titleCaser.String(strings.ReplaceAll(string(p.Type), "_", " "))
}
