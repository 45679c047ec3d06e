package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Tuning holds optional per-detector parameter overrides, loaded from a
// standalone YAML file so operators can retune detection without touching
// the main config.
type Tuning struct {
	Cluster  ClusterTuning  `yaml:"cluster"`
	Temporal TemporalTuning `yaml:"temporal"`
	Seasonal SeasonalTuning `yaml:"seasonal"`
	Wave     WaveTuning     `yaml:"wave"`
}

// ClusterTuning overrides geographic clustering parameters.
type ClusterTuning struct {
	EpsKm     *float64 `yaml:"eps_km,omitempty"`
	MinPoints *int     `yaml:"min_points,omitempty"`
	DaysBack  *int     `yaml:"days_back,omitempty"`
}

// TemporalTuning overrides the weekly anomaly window.
type TemporalTuning struct {
	WeeksBack      *int     `yaml:"weeks_back,omitempty"`
	SpikeThreshold *float64 `yaml:"spike_threshold,omitempty"`
}

// SeasonalTuning overrides the seasonal analysis window.
type SeasonalTuning struct {
	YearsBack *int `yaml:"years_back,omitempty"`
}

// WaveTuning overrides flap wave tracking parameters.
type WaveTuning struct {
	FrameDays *int `yaml:"frame_days,omitempty"`
	MinFrames *int `yaml:"min_frames,omitempty"`
}

// LoadTuning reads detector tuning from a YAML file. A missing path returns
// an empty Tuning without error so the file stays optional.
func LoadTuning(path string) (*Tuning, error) {
	if path == "" {
		return &Tuning{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Tuning{}, nil
		}
		return nil, eris.Wrapf(err, "config: read tuning %s", path)
	}

	// The YAML has a top-level "detectors" key.
	var wrapper struct {
		Detectors Tuning `yaml:"detectors"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "config: parse tuning")
	}
	return &wrapper.Detectors, nil
}

// Apply merges tuning overrides into the base detector config, returning
// the effective parameters.
func (t *Tuning) Apply(base DetectConfig) DetectConfig {
	out := base
	if t.Cluster.EpsKm != nil {
		out.EpsKm = *t.Cluster.EpsKm
	}
	if t.Cluster.MinPoints != nil {
		out.MinPoints = *t.Cluster.MinPoints
	}
	if t.Cluster.DaysBack != nil {
		out.DaysBack = *t.Cluster.DaysBack
	}
	if t.Temporal.WeeksBack != nil {
		out.WeeksBack = *t.Temporal.WeeksBack
	}
	if t.Seasonal.YearsBack != nil {
		out.YearsBack = *t.Seasonal.YearsBack
	}
	return out
}
