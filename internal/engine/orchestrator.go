// Package engine orchestrates analysis runs: it loads qualifying reports,
// fans detection out across the detectors, merges results through the
// pattern lifecycle, and records an audit row per run.
package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldsight/pattern-cli/internal/config"
	"github.com/fieldsight/pattern-cli/internal/detect"
	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
	"github.com/fieldsight/pattern-cli/internal/report"
)

const (
	defaultFrameDays = 7
	defaultMinFrames = 3
)

// Params are the effective detector parameters for one run, the configured
// base merged with any tuning-file overrides.
type Params struct {
	Cluster        detect.ClusterParams
	Wave           detect.WaveParams
	WeeksBack      int
	YearsBack      int
	SpikeThreshold float64
}

// ResolveParams merges tuning overrides into the configured detector
// settings.
func ResolveParams(cfg config.DetectConfig, t *config.Tuning) Params {
	if t == nil {
		t = &config.Tuning{}
	}
	eff := t.Apply(cfg)

	p := Params{
		Cluster: detect.ClusterParams{
			EpsKm:     eff.EpsKm,
			MinPoints: eff.MinPoints,
			DaysBack:  eff.DaysBack,
		},
		Wave: detect.WaveParams{
			EpsKm:     eff.EpsKm,
			MinPoints: eff.MinPoints,
			DaysBack:  eff.DaysBack,
			FrameDays: defaultFrameDays,
			MinFrames: defaultMinFrames,
		},
		WeeksBack:      eff.WeeksBack,
		YearsBack:      eff.YearsBack,
		SpikeThreshold: detect.DefaultSpikeThreshold,
	}
	if t.Temporal.SpikeThreshold != nil {
		p.SpikeThreshold = *t.Temporal.SpikeThreshold
	}
	if t.Wave.FrameDays != nil {
		p.Wave.FrameDays = *t.Wave.FrameDays
	}
	if t.Wave.MinFrames != nil {
		p.Wave.MinFrames = *t.Wave.MinFrames
	}
	return p
}

// lookback is the widest report window any enabled detector needs.
func (p Params) lookback(runType model.RunType) time.Duration {
	days := p.Cluster.DaysBack
	if w := p.WeeksBack * 7; w > days {
		days = w
	}
	if runType == model.RunFull {
		if y := p.YearsBack * 365; y > days {
			days = y
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

// Orchestrator drives one analysis run end to end.
type Orchestrator struct {
	patterns pattern.Store
	reports  report.Store
	params   Params
	now      func() time.Time
}

// New builds an Orchestrator.
func New(patterns pattern.Store, reports report.Store, params Params) *Orchestrator {
	return &Orchestrator{
		patterns: patterns,
		reports:  reports,
		params:   params,
		now:      time.Now,
	}
}

// Run executes one analysis run. Full runs include seasonal analysis over
// the multi-year window; incremental runs cover only the recent detectors.
// Returns pattern.ErrRunInProgress when another run holds the slot. Any
// failure after the run record is created is written to its audit row.
func (o *Orchestrator) Run(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	run, err := o.claim(ctx, runType)
	if err != nil {
		return nil, err
	}
	return o.finish(ctx, run, runType)
}

// RunAsync claims the run slot synchronously, so callers can report a
// conflict immediately, and completes the analysis in the background.
func (o *Orchestrator) RunAsync(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	run, err := o.claim(ctx, runType)
	if err != nil {
		return nil, err
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := o.finish(bg, run, runType); err != nil {
			zap.L().Error("background analysis run failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}()
	return run, nil
}

func (o *Orchestrator) claim(ctx context.Context, runType model.RunType) (*model.AnalysisRun, error) {
	run, err := o.patterns.StartRun(ctx, runType)
	if err != nil {
		return nil, err
	}
	zap.L().Info("analysis run started",
		zap.String("run_id", run.ID),
		zap.String("run_type", string(runType)))
	return run, nil
}

func (o *Orchestrator) finish(ctx context.Context, run *model.AnalysisRun, runType model.RunType) (*model.AnalysisRun, error) {
	counters, err := o.analyze(ctx, run, runType)
	run.Counters = counters
	if err != nil {
		run.Status = model.RunFailed
		run.Error = eris.ToString(err, true)
		if failErr := o.patterns.FailRun(ctx, run.ID, run.Error, counters); failErr != nil {
			zap.L().Error("failed to record run failure",
				zap.String("run_id", run.ID),
				zap.Error(failErr))
		}
		return run, err
	}

	if err := o.patterns.CompleteRun(ctx, run.ID, counters); err != nil {
		return run, err
	}
	run.Status = model.RunCompleted

	zap.L().Info("analysis run completed",
		zap.String("run_id", run.ID),
		zap.Int("reports_analyzed", counters.ReportsAnalyzed),
		zap.Int("patterns_detected", counters.PatternsDetected),
		zap.Int("patterns_updated", counters.PatternsUpdated),
		zap.Int("patterns_archived", counters.PatternsArchived))
	return run, nil
}

func (o *Orchestrator) analyze(ctx context.Context, run *model.AnalysisRun, runType model.RunType) (model.RunCounters, error) {
	var counters model.RunCounters
	now := o.now().UTC()

	since := now.Add(-o.params.lookback(runType))
	reports, err := o.reports.Qualifying(ctx, since)
	if err != nil {
		return counters, eris.Wrap(err, "engine: load reports")
	}
	counters.ReportsAnalyzed = len(reports)

	candidates, err := o.detect(ctx, reports, runType, now)
	if err != nil {
		return counters, err
	}

	rec := pattern.NewReconciler(o.patterns, o.params.Cluster.EpsKm)
	merged, err := rec.Reconcile(ctx, run.ID, candidates)
	if err != nil {
		return counters, err
	}
	counters.PatternsDetected = merged.PatternsDetected
	counters.PatternsUpdated = merged.PatternsUpdated
	counters.PatternsArchived = merged.PatternsArchived
	return counters, nil
}

// detect runs the detectors concurrently over one shared report slice.
// Detectors only read the slice, so no copies are needed.
func (o *Orchestrator) detect(ctx context.Context, reports []model.Report, runType model.RunType, now time.Time) ([]detect.Candidate, error) {
	var (
		clusterCands  []detect.Candidate
		temporalCand  *detect.Candidate
		seasonalCands []detect.Candidate
		waveCands     []detect.Candidate
	)

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		clusters, err := detect.DetectClusters(reports, o.params.Cluster, now)
		if err != nil {
			return eris.Wrap(err, "engine: cluster detection")
		}
		for i := range clusters {
			clusterCands = append(clusterCands, clusters[i].Candidate(o.params.Cluster))
		}
		return nil
	})

	g.Go(func() error {
		series, err := detect.WeeklyCounts(reports, o.params.WeeksBack, now)
		if err != nil {
			return eris.Wrap(err, "engine: weekly counts")
		}
		if a := detect.AnalyzeLatestWeek(series, o.params.SpikeThreshold); a != nil {
			c := a.Candidate()
			temporalCand = &c
		}
		return nil
	})

	g.Go(func() error {
		waves, err := detect.DetectWaves(reports, o.params.Wave, now)
		if err != nil {
			return eris.Wrap(err, "engine: wave detection")
		}
		for i := range waves {
			waveCands = append(waveCands, waves[i].Candidate(o.params.Wave))
		}
		return nil
	})

	if runType == model.RunFull {
		g.Go(func() error {
			months, err := detect.SeasonalIndex(reports, o.params.YearsBack, now)
			if err != nil {
				return eris.Wrap(err, "engine: seasonal index")
			}
			for i := range months {
				m := &months[i]
				if m.Season() == detect.SeasonPeak {
					seasonalCands = append(seasonalCands, m.Candidate(o.params.YearsBack, now))
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := clusterCands
	if temporalCand != nil {
		out = append(out, *temporalCand)
	}
	out = append(out, seasonalCands...)
	out = append(out, waveCands...)
	return out, nil
}
