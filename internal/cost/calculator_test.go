package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneration(t *testing.T) {
	c := NewCalculator(map[string]ModelRate{
		"test-model": {Input: 1.00, Output: 5.00},
	})

	// 1M input + 1M output tokens at the configured rates.
	assert.InDelta(t, 6.00, c.Generation("test-model", 1_000_000, 1_000_000), 1e-9)

	// Typical small call.
	assert.InDelta(t, 0.0015, c.Generation("test-model", 500, 200), 1e-9)
}

func TestGeneration_UnknownModelIsFree(t *testing.T) {
	c := NewCalculator(DefaultRates())
	assert.Zero(t, c.Generation("unknown-model", 1000, 1000))
}

func TestDefaultRates_CoverConfiguredModels(t *testing.T) {
	rates := DefaultRates()
	assert.Contains(t, rates, "claude-haiku-4-5-20251001")
}
