package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Metadata is the type-specific payload of a DetectedPattern, serialized as
// a tagged union: a kind discriminator plus exactly one populated variant.
type Metadata struct {
	Kind     PatternType   `json:"kind"`
	Cluster  *ClusterMeta  `json:"cluster,omitempty"`
	Temporal *TemporalMeta `json:"temporal,omitempty"`
	Seasonal *SeasonalMeta `json:"seasonal,omitempty"`
	Wave     *WaveMeta     `json:"wave,omitempty"`
}

// ClusterMeta carries the statistics of a geographic cluster.
type ClusterMeta struct {
	DensityPerKm2 float64 `json:"density_per_km2"`
	RadiusKm      float64 `json:"radius_km"`
}

// TemporalMeta carries the z-score analysis of the latest weekly window.
type TemporalMeta struct {
	ZScore      float64 `json:"z_score"`
	IsSpike     bool    `json:"is_spike"`
	WindowWeeks int     `json:"window_weeks"`
	LatestCount int     `json:"latest_count"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
}

// SeasonalMeta carries the seasonal index for a peak month.
type SeasonalMeta struct {
	Month       int     `json:"month"`
	Index       float64 `json:"index"`
	MonthCount  int     `json:"month_count"`
	TopCategory string  `json:"top_category,omitempty"`
}

// WaveMeta carries the motion statistics of a flap wave track.
type WaveMeta struct {
	BearingDeg    float64 `json:"bearing_deg"`
	SpeedKmPerDay float64 `json:"speed_km_per_day"`
	WindowDays    int     `json:"window_days"`
	Steps         int     `json:"steps"`
}

// NewClusterMetadata builds cluster metadata.
func NewClusterMetadata(m ClusterMeta) Metadata {
	return Metadata{Kind: PatternGeographicCluster, Cluster: &m}
}

// NewTemporalMetadata builds temporal anomaly metadata.
func NewTemporalMetadata(m TemporalMeta) Metadata {
	return Metadata{Kind: PatternTemporalAnomaly, Temporal: &m}
}

// NewSeasonalMetadata builds seasonal pattern metadata.
func NewSeasonalMetadata(m SeasonalMeta) Metadata {
	return Metadata{Kind: PatternSeasonal, Seasonal: &m}
}

// NewWaveMetadata builds flap wave metadata.
func NewWaveMetadata(m WaveMeta) Metadata {
	return Metadata{Kind: PatternFlapWave, Wave: &m}
}

// Validate checks that the discriminator matches the populated variant.
func (m *Metadata) Validate() error {
	switch m.Kind {
	case PatternGeographicCluster, PatternRegionalConcentration:
		if m.Cluster == nil {
			return eris.Errorf("metadata: kind %s missing cluster variant", m.Kind)
		}
	case PatternTemporalAnomaly:
		if m.Temporal == nil {
			return eris.Errorf("metadata: kind %s missing temporal variant", m.Kind)
		}
	case PatternSeasonal:
		if m.Seasonal == nil {
			return eris.Errorf("metadata: kind %s missing seasonal variant", m.Kind)
		}
	case PatternFlapWave:
		if m.Wave == nil {
			return eris.Errorf("metadata: kind %s missing wave variant", m.Kind)
		}
	default:
		return eris.Errorf("metadata: unknown kind %q", m.Kind)
	}
	return nil
}

// DecodeMetadata parses a metadata JSON blob and validates its variant.
func DecodeMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, eris.Wrap(err, "metadata: decode")
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Canonical returns a stable JSON encoding of the metadata, used as hash
// input for insight staleness tracking.
func (m *Metadata) Canonical() []byte {
	// encoding/json emits struct fields in declaration order, so this is
	// already deterministic for a given variant.
	data, _ := json.Marshal(m)
	return data
}
