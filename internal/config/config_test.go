package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 100.0, cfg.World.Width)
	require.Equal(t, 1.0, cfg.World.Resolution)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	body := []byte("world:\n  width: 50\n  height: 40\n  resolution: 0.5\nengine:\n  seed: 42\n  populationSize: 10\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 50.0, cfg.World.Width)
	require.Equal(t, 40.0, cfg.World.Height)
	require.Equal(t, int64(42), cfg.Engine.Seed)
	require.Equal(t, 10, cfg.Engine.PopulationSize)
}

func TestLoadRejectsBadExtent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("world:\n  width: -1\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.json")
	body := []byte(`{"drones":[{"id":"d1","start":{"x":0,"y":0},"capacity":5,"battery":100,"speed":2}],"deliveries":[{"id":"p1","position":{"x":3,"y":4},"weight":1}]}`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	require.Len(t, sc.Drones, 1)
	require.Len(t, sc.Deliveries, 1)
	require.Equal(t, "d1", sc.Drones[0].ID)
}
