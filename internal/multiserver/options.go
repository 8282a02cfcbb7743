package multiserver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tcprescott/multiworldhost/internal/payload"
)

// Defaults are the host-level fallbacks for per-session server options,
// used when a multidata container ships no server_options document.
type Defaults struct {
	LocationCheckPoints int    `yaml:"location_check_points"`
	HintCost            int    `yaml:"hint_cost"`
	ForfeitMode         string `yaml:"forfeit_mode"`
	RemainingMode       string `yaml:"remaining_mode"`
	ItemCheat           bool   `yaml:"item_cheat"`
}

// DefaultOptions returns the stock host defaults.
func DefaultOptions() Defaults {
	return Defaults{
		LocationCheckPoints: 1,
		HintCost:            1000,
		ForfeitMode:         "enabled",
		RemainingMode:       "goal",
		ItemCheat:           true,
	}
}

// LoadDefaults reads host defaults from a YAML file, filling omitted
// fields from the stock defaults.
func LoadDefaults(path string) (Defaults, error) {
	defs := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return defs, fmt.Errorf("failed to read defaults file: %w", err)
	}
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return defs, fmt.Errorf("failed to parse defaults file: %w", err)
	}
	return defs, nil
}

// BuildOptions merges host defaults, the container's server_options
// document, and the race flag into runtime options. Race mode always
// wins: it disables client forfeiting and item cheats regardless of
// what the container asks for.
func BuildOptions(defs Defaults, so *payload.ServerOptions, race bool) Options {
	opts := Options{
		LocationCheckPoints: defs.LocationCheckPoints,
		HintCost:            defs.HintCost,
		ForfeitMode:         defs.ForfeitMode,
		RemainingMode:       defs.RemainingMode,
		ItemCheat:           defs.ItemCheat,
	}

	if so != nil {
		if so.LocationCheckPoints != 0 {
			opts.LocationCheckPoints = so.LocationCheckPoints
		}
		if so.HintCost != 0 {
			opts.HintCost = so.HintCost
		}
		if so.ForfeitMode != "" {
			opts.ForfeitMode = so.ForfeitMode
		}
		if so.RemainingMode != "" {
			opts.RemainingMode = so.RemainingMode
		}
		if so.DisableItemCheat {
			opts.ItemCheat = false
		}
		if so.DisableClientForfeit {
			opts.ForfeitMode = "disabled"
		}
		if so.Password != nil {
			opts.Password = so.Password
		}
	}

	if race {
		opts.ForfeitMode = "disabled"
		opts.ItemCheat = false
	}

	return opts
}
