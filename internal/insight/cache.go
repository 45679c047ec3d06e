// Package insight caches AI-generated pattern narratives. Generation is
// expensive and rate limited, so reads go through a store-backed cache
// keyed by a hash of the pattern's source data; concurrent misses for the
// same pattern collapse into a single generation.
package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fieldsight/pattern-cli/internal/config"
	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
	"github.com/fieldsight/pattern-cli/pkg/narrative"
)

const generateMaxTokens = 1024

// Service serves cached insights and generates missing ones.
type Service struct {
	store pattern.Store
	gen   narrative.Generator

	ttl        time.Duration
	digestTTL  time.Duration
	digestTopN int
	genTimeout time.Duration

	flight singleflight.Group
	now    func() time.Time
}

// NewService builds an insight Service. gen may be nil, in which case every
// miss is served by the deterministic fallback.
func NewService(store pattern.Store, gen narrative.Generator, cfg config.InsightConfig) *Service {
	return &Service{
		store:      store,
		gen:        gen,
		ttl:        time.Duration(cfg.TTLHours) * time.Hour,
		digestTTL:  time.Duration(cfg.DigestTTLDays) * 24 * time.Hour,
		digestTopN: cfg.DigestTopN,
		genTimeout: time.Duration(cfg.GenerationTimeoutSecs) * time.Second,
		now:        time.Now,
	}
}

// sourceHash fingerprints the pattern fields an insight is derived from.
// Any change invalidates cached narratives.
func sourceHash(p *model.DetectedPattern) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%.6f|%.6f|", p.ReportCount, p.ConfidenceScore, p.SignificanceScore)
	h.Write(p.Metadata.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrGenerate returns the fresh cached insight for a pattern, generating
// and caching a new one on miss. At most one generation per pattern runs at
// a time; concurrent callers share its result.
func (s *Service) GetOrGenerate(ctx context.Context, patternID string) (*model.PatternInsight, error) {
	p, err := s.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, err
	}
	hash := sourceHash(p)

	cached, err := s.store.FreshInsight(ctx, patternID, model.InsightPatternNarrative, s.now())
	if err == nil && cached.SourceDataHash == hash {
		return cached, nil
	}
	if err != nil && !eris.Is(err, pattern.ErrNotFound) {
		return nil, err
	}

	v, err, _ := s.flight.Do(patternID, func() (any, error) {
		// Re-check under the flight lock: a concurrent caller may have
		// just written the insight we were about to generate.
		if ins, err := s.store.FreshInsight(ctx, patternID, model.InsightPatternNarrative, s.now()); err == nil && ins.SourceDataHash == hash {
			return ins, nil
		}
		return s.generate(ctx, p, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PatternInsight), nil
}

// generate produces and persists one insight for p, falling back to the
// deterministic narrative on any generation failure. The fallback is
// cached with the same TTL so a failing generator is not hammered.
func (s *Service) generate(ctx context.Context, p *model.DetectedPattern, hash string) (*model.PatternInsight, error) {
	content, modelUsed := s.runGenerator(ctx, p)

	now := s.now().UTC()
	ins := &model.PatternInsight{
		PatternID:      &p.ID,
		Type:           model.InsightPatternNarrative,
		Title:          content.Title,
		Content:        content.Narrative,
		Summary:        content.Summary,
		ModelUsed:      modelUsed,
		SourceDataHash: hash,
		GeneratedAt:    now,
		ValidUntil:     now.Add(s.ttl),
	}
	if err := s.store.SaveInsight(ctx, ins); err != nil {
		return nil, err
	}
	// Mirror the narrative onto the pattern row for list endpoints.
	if err := s.store.SetNarrative(ctx, p.ID, content.Title, content.Summary, content.Narrative, now); err != nil {
		return nil, err
	}
	return ins, nil
}

// runGenerator calls the generator under the configured timeout and parses
// its response. Any failure path lands on the fallback.
func (s *Service) runGenerator(ctx context.Context, p *model.DetectedPattern) (parsed, string) {
	if s.gen == nil {
		return fallbackNarrative(p), fallbackModel
	}

	genCtx := ctx
	if s.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
	}

	text, err := s.gen.Generate(genCtx, buildPrompt(p), generateMaxTokens)
	if err != nil {
		zap.L().Warn("narrative generation failed, using fallback",
			zap.String("pattern_id", p.ID),
			zap.Error(err))
		return fallbackNarrative(p), fallbackModel
	}
	content, ok := parseResponse(text)
	if !ok {
		zap.L().Warn("narrative response malformed, using fallback",
			zap.String("pattern_id", p.ID))
		return fallbackNarrative(p), fallbackModel
	}
	return content, s.gen.Model()
}
