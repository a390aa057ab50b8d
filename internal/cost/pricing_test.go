package cost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePricingFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRates(t *testing.T) {
	t.Parallel()
	path := writePricingFile(t, `
models:
  gpt-4o:
    input_per_1k: 0.005
    output_per_1k: 0.02
  claude-3-5-sonnet:
    input_per_1k: 0.004
    output_per_1k: 0.018
`)

	rates, err := LoadRates(path)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.InDelta(t, 0.005, rates["gpt-4o"].InputPer1K, 1e-9)
	assert.InDelta(t, 0.02, rates["gpt-4o"].OutputPer1K, 1e-9)
	assert.InDelta(t, 0.018, rates["claude-3-5-sonnet"].OutputPer1K, 1e-9)
}

func TestLoadRates_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadRates(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read pricing file")
}

func TestLoadRates_InvalidYAML(t *testing.T) {
	t.Parallel()
	path := writePricingFile(t, "models: [not, a, map]")
	_, err := LoadRates(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse pricing file")
}

func TestLoadRates_NoModels(t *testing.T) {
	t.Parallel()
	path := writePricingFile(t, "models: {}\n")
	_, err := LoadRates(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no models")
}

func TestMergeRates(t *testing.T) {
	t.Parallel()
	base := Rates{
		"gpt-4o":           {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	}
	overrides := Rates{
		"gpt-4o":    {InputPer1K: 0.005, OutputPer1K: 0.02},
		"new-model": {InputPer1K: 0.001, OutputPer1K: 0.002},
	}

	merged := MergeRates(base, overrides)
	assert.Len(t, merged, 3)
	assert.InDelta(t, 0.005, merged["gpt-4o"].InputPer1K, 1e-9)
	assert.InDelta(t, 0.0004, merged["gemini-2.0-flash"].OutputPer1K, 1e-9)
	assert.InDelta(t, 0.001, merged["new-model"].InputPer1K, 1e-9)

	// Inputs stay untouched.
	assert.InDelta(t, 0.0025, base["gpt-4o"].InputPer1K, 1e-9)
}
