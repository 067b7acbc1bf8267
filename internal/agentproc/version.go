package agentproc

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// checkVersion enforces the compatibility window of spec §4.1: production
// mode refuses a detected version outside [MinVersion, MaxVersion];
// development mode only warns (returns ok=true, warn=true).
func checkVersion(cfg Config, detected string) (ok bool, warn bool, err error) {
	if cfg.MinVersion == "" && cfg.MaxVersion == "" {
		return true, false, nil
	}
	v, err := semver.NewVersion(detected)
	if err != nil {
		return false, false, fmt.Errorf("agentproc: cannot parse agent version %q: %w", detected, err)
	}
	inWindow := true
	if cfg.MinVersion != "" {
		min, err := semver.NewVersion(cfg.MinVersion)
		if err != nil {
			return false, false, fmt.Errorf("agentproc: invalid MinVersion %q: %w", cfg.MinVersion, err)
		}
		if v.LessThan(min) {
			inWindow = false
		}
	}
	if cfg.MaxVersion != "" {
		max, err := semver.NewVersion(cfg.MaxVersion)
		if err != nil {
			return false, false, fmt.Errorf("agentproc: invalid MaxVersion %q: %w", cfg.MaxVersion, err)
		}
		if v.GreaterThan(max) {
			inWindow = false
		}
	}
	if inWindow {
		return true, false, nil
	}
	if cfg.DevelopmentMode {
		return true, true, nil
	}
	return false, false, nil
}
