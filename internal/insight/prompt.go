package insight

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldsight/pattern-cli/internal/model"
)

const responseFormat = `Respond in exactly this format:
TITLE: <a short headline, at most 10 words>
SUMMARY: <one or two sentences for a list view>
NARRATIVE: <two or three paragraphs of analysis for the detail view>`

// buildPrompt renders a type-specific generation prompt for one pattern.
func buildPrompt(p *model.DetectedPattern) string {
	var b strings.Builder
	b.WriteString("You are an analyst writing up a pattern found in a database of geotagged sighting reports.\n\n")

	switch p.Type {
	case model.PatternGeographicCluster, model.PatternRegionalConcentration:
		fmt.Fprintf(&b, "A geographic cluster of %d reports was detected", p.ReportCount)
		if p.CenterLat != nil && p.CenterLng != nil {
			fmt.Fprintf(&b, " centered at (%.4f, %.4f)", *p.CenterLat, *p.CenterLng)
		}
		if p.RadiusKm != nil {
			fmt.Fprintf(&b, " with radius %.1f km", *p.RadiusKm)
		}
		b.WriteString(".\n")
		if m := p.Metadata.Cluster; m != nil {
			fmt.Fprintf(&b, "Report density: %.2f per km2.\n", m.DensityPerKm2)
		}
	case model.PatternTemporalAnomaly:
		if m := p.Metadata.Temporal; m != nil {
			direction := "spike"
			if !m.IsSpike {
				direction = "drop"
			}
			fmt.Fprintf(&b, "A weekly %s was detected: %d reports in the latest week against a mean of %.1f (z-score %.1f over a %d-week window).\n",
				direction, m.LatestCount, m.Mean, m.ZScore, m.WindowWeeks)
		}
	case model.PatternSeasonal:
		if m := p.Metadata.Seasonal; m != nil {
			fmt.Fprintf(&b, "A seasonal pattern was detected: %s historically sees %.1fx the average monthly report volume (%d reports in that month across the window).\n",
				time.Month(m.Month), m.Index, m.MonthCount)
			if m.TopCategory != "" {
				fmt.Fprintf(&b, "Dominant category: %s.\n", m.TopCategory)
			}
		}
	case model.PatternFlapWave:
		if m := p.Metadata.Wave; m != nil {
			fmt.Fprintf(&b, "A moving wave of report activity was tracked across %d frames over %d days, traveling at %.1f km/day on bearing %.0f degrees.\n",
				m.Steps, m.WindowDays, m.SpeedKmPerDay, m.BearingDeg)
		}
		fmt.Fprintf(&b, "The wave involved %d reports.\n", p.ReportCount)
	default:
		fmt.Fprintf(&b, "A %s pattern of %d reports was detected.\n", p.Type, p.ReportCount)
	}

	if len(p.Categories) > 0 {
		fmt.Fprintf(&b, "Report categories: %s.\n", strings.Join(p.Categories, ", "))
	}
	if p.DateStart != nil && p.DateEnd != nil {
		fmt.Fprintf(&b, "Date range: %s to %s.\n",
			p.DateStart.Format("2006-01-02"), p.DateEnd.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "Significance score: %.2f. Confidence score: %.2f.\n\n",
		p.SignificanceScore, p.ConfidenceScore)

	b.WriteString("Describe what the pattern shows, plausible mundane explanations, and what would confirm or weaken it. Do not speculate beyond the data.\n\n")
	b.WriteString(responseFormat)
	return b.String()
}

// parsed holds the three sections of a well-formed generation response.
type parsed struct {
	Title     string
	Summary   string
	Narrative string
}

// parseResponse extracts the TITLE/SUMMARY/NARRATIVE sections. Returns
// false when any section is missing or empty, which sends the caller to
// the deterministic fallback.
func parseResponse(text string) (parsed, bool) {
	var p parsed
	var current *string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "TITLE:"):
			p.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "TITLE:"))
			current = nil
		case strings.HasPrefix(trimmed, "SUMMARY:"):
			p.Summary = strings.TrimSpace(strings.TrimPrefix(trimmed, "SUMMARY:"))
			current = &p.Summary
		case strings.HasPrefix(trimmed, "NARRATIVE:"):
			p.Narrative = strings.TrimSpace(strings.TrimPrefix(trimmed, "NARRATIVE:"))
			current = &p.Narrative
		default:
			if current != nil && trimmed != "" {
				if *current != "" {
					*current += "\n"
				}
				*current += trimmed
			}
		}
	}
	ok := p.Title != "" && p.Summary != "" && p.Narrative != ""
	return p, ok
}
