// Package config loads engine tuning from an optional YAML file and
// scenario entity sets from JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dronefleet/internal/model"
)

// WorldConfig sets the spatial model extent and grid resolution.
type WorldConfig struct {
	Width      float64 `yaml:"width"`
	Height     float64 `yaml:"height"`
	Resolution float64 `yaml:"resolution"`
}

// EngineConfig tunes the planner. Zero values mean engine defaults; a plan
// request can override any of them for one cycle.
type EngineConfig struct {
	Seed           int64 `yaml:"seed"`
	PopulationSize int   `yaml:"populationSize"`
	Generations    int   `yaml:"generations"`
	PlateauWindow  int   `yaml:"plateauWindow"`
	NodeBudget     int   `yaml:"nodeBudget"`
	Workers        int   `yaml:"workers"`
}

type Config struct {
	World  WorldConfig  `yaml:"world"`
	Engine EngineConfig `yaml:"engine"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	return Config{World: WorldConfig{Width: 100, Height: 100, Resolution: 1}}
}

// Load reads a YAML config file. An empty path returns defaults; a missing
// file is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.World.Width <= 0 || cfg.World.Height <= 0 || cfg.World.Resolution <= 0 {
		return Config{}, fmt.Errorf("config: world extent and resolution must be positive")
	}
	return cfg, nil
}

// LoadScenario reads a scenario entity set from a JSON file.
func LoadScenario(path string) (model.ScenarioIn, error) {
	var sc model.ScenarioIn
	data, err := os.ReadFile(path)
	if err != nil {
		return sc, fmt.Errorf("read scenario: %w", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse scenario: %w", err)
	}
	return sc, nil
}
