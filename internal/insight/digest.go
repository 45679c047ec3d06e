package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fieldsight/pattern-cli/internal/model"
	"github.com/fieldsight/pattern-cli/internal/pattern"
)

const digestFlightKey = "weekly-digest"

// GetOrGenerateDigest returns the fresh weekly digest, generating one from
// the current top patterns on miss. Digests carry no pattern ID and live
// on a longer TTL than per-pattern narratives.
func (s *Service) GetOrGenerateDigest(ctx context.Context) (*model.PatternInsight, error) {
	top, err := s.store.Trending(ctx, s.digestTopN)
	if err != nil {
		return nil, err
	}
	hash := digestHash(top)

	cached, err := s.store.LatestDigest(ctx, s.now())
	if err == nil && cached.SourceDataHash == hash {
		return cached, nil
	}
	if err != nil && !eris.Is(err, pattern.ErrNotFound) {
		return nil, err
	}

	v, err, _ := s.flight.Do(digestFlightKey, func() (any, error) {
		if ins, err := s.store.LatestDigest(ctx, s.now()); err == nil && ins.SourceDataHash == hash {
			return ins, nil
		}
		return s.generateDigest(ctx, top, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PatternInsight), nil
}

func digestHash(patterns []model.DetectedPattern) string {
	h := sha256.New()
	for _, p := range patterns {
		fmt.Fprintf(h, "%s|%d|%.6f|%.6f\n", p.ID, p.ReportCount, p.ConfidenceScore, p.SignificanceScore)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) generateDigest(ctx context.Context, top []model.DetectedPattern, hash string) (*model.PatternInsight, error) {
	content := s.runDigestGenerator(ctx, top)

	modelUsed := fallbackModel
	if s.gen != nil && content.generated {
		modelUsed = s.gen.Model()
	}

	now := s.now().UTC()
	ins := &model.PatternInsight{
		Type:           model.InsightWeeklyDigest,
		Title:          content.Title,
		Content:        content.Narrative,
		Summary:        content.Summary,
		ModelUsed:      modelUsed,
		SourceDataHash: hash,
		GeneratedAt:    now,
		ValidUntil:     now.Add(s.digestTTL),
	}
	if err := s.store.SaveInsight(ctx, ins); err != nil {
		return nil, err
	}
	return ins, nil
}

type digestContent struct {
	parsed
	generated bool
}

func (s *Service) runDigestGenerator(ctx context.Context, top []model.DetectedPattern) digestContent {
	if s.gen == nil || len(top) == 0 {
		return digestContent{parsed: fallbackDigest(top)}
	}

	genCtx := ctx
	if s.genTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, s.genTimeout)
		defer cancel()
	}

	text, err := s.gen.Generate(genCtx, buildDigestPrompt(top), generateMaxTokens)
	if err != nil {
		zap.L().Warn("digest generation failed, using fallback", zap.Error(err))
		return digestContent{parsed: fallbackDigest(top)}
	}
	content, ok := parseResponse(text)
	if !ok {
		zap.L().Warn("digest response malformed, using fallback")
		return digestContent{parsed: fallbackDigest(top)}
	}
	return digestContent{parsed: content, generated: true}
}

func buildDigestPrompt(top []model.DetectedPattern) string {
	var b strings.Builder
	b.WriteString("You are an analyst writing a weekly digest of patterns detected in a database of geotagged sighting reports.\n\n")
	fmt.Fprintf(&b, "The current top %d patterns by significance:\n", len(top))
	for i, p := range top {
		title := p.Title
		if title == "" {
			title = fallbackTitle(&p)
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %d reports, significance %.2f, status %s\n",
			i+1, p.Type, title, p.ReportCount, p.SignificanceScore, p.Status)
	}
	b.WriteString("\nSummarize the week's activity and call out anything notable across patterns.\n\n")
	b.WriteString(responseFormat)
	return b.String()
}

func fallbackDigest(top []model.DetectedPattern) parsed {
	if len(top) == 0 {
		return parsed{
			Title:     "Weekly Pattern Digest",
			Summary:   "No active or emerging patterns this week.",
			Narrative: "No active or emerging patterns were detected in the current analysis window.",
		}
	}

	var lines []string
	for i, p := range top {
		title := p.Title
		if title == "" {
			title = fallbackTitle(&p)
		}
		lines = append(lines, fmt.Sprintf("%d. %s (%d reports, significance %.2f)",
			i+1, title, p.ReportCount, p.SignificanceScore))
	}
	return parsed{
		Title:     "Weekly Pattern Digest",
		Summary:   fmt.Sprintf("%d patterns currently active or emerging.", len(top)),
		Narrative: "Top patterns this week:\n" + strings.Join(lines, "\n"),
	}
}
