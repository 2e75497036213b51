package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TierProfile sets the take-profit tier split for one symbol. The runner
// fraction is implicit: 1 - tp1 - tp2.
type TierProfile struct {
	TP1Fraction float64 `yaml:"tp1_fraction"`
	TP2Fraction float64 `yaml:"tp2_fraction"`
}

// TierProfiles maps symbols to their tier split, with a fallback default.
type TierProfiles struct {
	Default TierProfile            `yaml:"default"`
	Symbols map[string]TierProfile `yaml:"symbols"`
}

// DefaultTierProfiles is used when no profile file is configured: half the
// position at the first target, 30% at the second, 20% runner.
func DefaultTierProfiles() *TierProfiles {
	return &TierProfiles{Default: TierProfile{TP1Fraction: 0.5, TP2Fraction: 0.3}}
}

// LoadTierProfiles reads tier profiles from a YAML file. An empty path
// returns the defaults.
func LoadTierProfiles(path string) (*TierProfiles, error) {
	if path == "" {
		return DefaultTierProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tier profile file %s: %w", path, err)
	}
	var profiles TierProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse tier profile file %s: %w", path, err)
	}
	if profiles.Default == (TierProfile{}) {
		profiles.Default = DefaultTierProfiles().Default
	}
	for symbol, p := range profiles.Symbols {
		if err := validateProfile(p); err != nil {
			return nil, fmt.Errorf("tier profile for %s: %w", symbol, err)
		}
	}
	if err := validateProfile(profiles.Default); err != nil {
		return nil, fmt.Errorf("default tier profile: %w", err)
	}
	return &profiles, nil
}

// For resolves the tier split for a symbol.
func (p *TierProfiles) For(symbol string) TierProfile {
	if prof, ok := p.Symbols[symbol]; ok {
		return prof
	}
	return p.Default
}

func validateProfile(p TierProfile) error {
	if p.TP1Fraction <= 0 || p.TP2Fraction <= 0 {
		return fmt.Errorf("tier fractions must be positive")
	}
	if p.TP1Fraction+p.TP2Fraction > 1 {
		return fmt.Errorf("tier fractions must not exceed 1 in total")
	}
	return nil
}
