package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTierProfiles_EmptyPathUsesDefaults(t *testing.T) {
	profiles, err := LoadTierProfiles("")
	require.NoError(t, err)
	p := profiles.For("BTCUSDT")
	assert.Equal(t, 0.5, p.TP1Fraction)
	assert.Equal(t, 0.3, p.TP2Fraction)
}

func TestLoadTierProfiles_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
default:
  tp1_fraction: 0.4
  tp2_fraction: 0.4
symbols:
  ETHUSDT:
    tp1_fraction: 0.6
    tp2_fraction: 0.2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	profiles, err := LoadTierProfiles(path)
	require.NoError(t, err)

	eth := profiles.For("ETHUSDT")
	assert.Equal(t, 0.6, eth.TP1Fraction)
	assert.Equal(t, 0.2, eth.TP2Fraction)

	other := profiles.For("BTCUSDT")
	assert.Equal(t, 0.4, other.TP1Fraction)
}

func TestLoadTierProfiles_RejectsOversizedSplit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
symbols:
  BTCUSDT:
    tp1_fraction: 0.7
    tp2_fraction: 0.7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadTierProfiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTCUSDT")
}

func TestLoadTierProfiles_MissingFile(t *testing.T) {
	_, err := LoadTierProfiles("/nonexistent/tiers.yaml")
	require.Error(t, err)
}
