package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsight/pattern-cli/internal/model"
)

// monthlyReports emits count reports in the given month for each of the
// years fully preceding testNow, keeping every generated event in the past.
func monthlyReports(month time.Month, count, years int, category string) []model.Report {
	var out []model.Report
	for y := 1; y <= years; y++ {
		for i := 0; i < count; i++ {
			event := time.Date(testNow.Year()-y, month, 1+i%27, 0, 0, 0, 0, time.UTC)
			lat, lng := 30.0, -97.0
			out = append(out, model.Report{
				ID: fmt.Sprintf("%s-%d-%d", month, y, i), Category: category,
				Latitude: &lat, Longitude: &lng, EventDate: &event,
				Status: model.ReportStatusApproved,
			})
		}
	}
	return out
}

func TestSeasonalIndex_UniformDataNormalizes(t *testing.T) {
	// Perfectly uniform monthly counts: every index is 1.0 and the twelve
	// indices average to 1.0.
	var reports []model.Report
	for m := time.January; m <= time.December; m++ {
		reports = append(reports, monthlyReports(m, 5, 1, "lights")...)
	}

	stats, err := SeasonalIndex(reports, 3, testNow)
	require.NoError(t, err)
	require.Len(t, stats, 12)

	var sum float64
	for _, s := range stats {
		assert.InDelta(t, 1.0, s.Index, 1e-9)
		sum += s.Index
	}
	assert.InDelta(t, 1.0, sum/12, 1e-9)
}

func TestSeasonalIndex_PeakMonth(t *testing.T) {
	var reports []model.Report
	for m := time.January; m <= time.December; m++ {
		n := 2
		if m == time.October {
			n = 20
		}
		reports = append(reports, monthlyReports(m, n, 2, "orbs")...)
	}

	stats, err := SeasonalIndex(reports, 3, testNow)
	require.NoError(t, err)

	oct := stats[9]
	require.Equal(t, 10, oct.Month)
	assert.Greater(t, oct.Index, 1.5)
	assert.Equal(t, SeasonPeak, oct.Season())
	assert.Equal(t, "orbs", oct.TopCategory)

	jan := stats[0]
	assert.Less(t, jan.Index, 1.0)
}

func TestSeasonalIndex_EmptyDataNeutral(t *testing.T) {
	stats, err := SeasonalIndex(nil, 3, testNow)
	require.NoError(t, err)
	require.Len(t, stats, 12)
	for _, s := range stats {
		assert.Equal(t, 1.0, s.Index)
		assert.Equal(t, 0, s.Count)
		assert.Equal(t, SeasonAverage, s.Season())
	}
}

func TestSeasonalIndex_InvalidParams(t *testing.T) {
	_, err := SeasonalIndex(nil, 0, testNow)
	require.Error(t, err)
}

func TestMonthStatCandidate(t *testing.T) {
	var reports []model.Report
	for m := time.January; m <= time.December; m++ {
		n := 1
		if m == time.March {
			n = 15
		}
		reports = append(reports, monthlyReports(m, n, 2, "lights")...)
	}

	stats, err := SeasonalIndex(reports, 3, testNow)
	require.NoError(t, err)

	march := stats[2]
	require.Equal(t, SeasonPeak, march.Season())

	cand := march.Candidate(3, testNow)
	assert.Equal(t, model.PatternSeasonal, cand.Type)
	require.NotNil(t, cand.Metadata.Seasonal)
	assert.Equal(t, 3, cand.Metadata.Seasonal.Month)
	assert.Greater(t, cand.Metadata.Seasonal.Index, 1.5)
	assert.GreaterOrEqual(t, cand.Significance, 0.0)
	assert.LessOrEqual(t, cand.Significance, 1.0)
	require.NotNil(t, cand.DateStart)
	assert.Equal(t, time.March, cand.DateStart.Month())
}
