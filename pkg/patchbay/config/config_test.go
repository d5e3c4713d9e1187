package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/patchbay/pkg/patchbay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAccessors verifies typed extraction with defaults.
func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "patch",
		"interval": "25ms",
		"secs":     2,
		"half":     0.5,
		"on":       true,
		"count":    3.0,
		"frac":     3.5,
		"nested":   map[string]any{"k": "v"},
	})

	assert.Equal(t, "patch", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("on", "x"))
	assert.Equal(t, 25*time.Millisecond, cfg.Duration("interval", 0))
	assert.Equal(t, 2*time.Second, cfg.Duration("secs", 0))
	assert.Equal(t, 500*time.Millisecond, cfg.Duration("half", 0))
	assert.Equal(t, time.Minute, cfg.Duration("name", time.Minute))
	assert.True(t, cfg.Bool("on", false))
	assert.Equal(t, 3, cfg.Int("count", 0))
	assert.Equal(t, 9, cfg.Int("frac", 9))
	assert.Equal(t, 2.0, cfg.Float("secs", 0))
	assert.Equal(t, "v", cfg.Sub("nested").String("k", ""))
	assert.False(t, cfg.Sub("missing").Has("k"))
	assert.NotNil(t, config.New(nil).Raw())
	assert.Equal(t, []string{"count", "frac", "half", "interval", "name", "nested", "on", "secs"}, cfg.Keys())
	assert.Equal(t, []string{"frac", "nested"}, cfg.Unknown("count", "half", "interval", "name", "on", "secs"))
}

func TestDecodeEngine_Defaults(t *testing.T) {
	eng, err := config.DecodeEngine(config.New(nil))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultEngine(), eng)
	assert.Equal(t, 10*time.Millisecond, eng.TickInterval)
	assert.Equal(t, 48000.0, eng.SampleRate)
	assert.Equal(t, 120.0, eng.Tempo)
}

func TestDecodeEngine_YAMLSection(t *testing.T) {
	cfg, err := config.Parse([]byte(`
engine:
  tick_interval: 5ms
  sample_rate: 44100
  tempo: 90
  event_buffer: 8
  log_buffer: 16
  log_db: logs.db
  log_level: debug
  metrics: true
  tracing: true
`), "yaml")
	require.NoError(t, err)

	eng, err := config.DecodeEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.Engine{
		TickInterval: 5 * time.Millisecond,
		SampleRate:   44100,
		Tempo:        90,
		EventBuffer:  8,
		LogBuffer:    16,
		LogDB:        "logs.db",
		LogLevel:     slog.LevelDebug,
		Metrics:      true,
		Tracing:      true,
	}, eng)
}

// TestDecodeEngine_Invalid verifies every problem is reported at once.
func TestDecodeEngine_Invalid(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"tick_interval": "-1s", "tempo": 0, "log_level": "loud"}`), "json")
	require.NoError(t, err)

	_, err = config.DecodeEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick_interval")
	assert.Contains(t, err.Error(), "tempo")
	assert.Contains(t, err.Error(), "log_level")
}

func TestDecodeEngine_UnknownKey(t *testing.T) {
	cfg := config.New(map[string]any{"engine": map[string]any{"tick_intervall": "5ms", "tempo": 100.0}})
	_, err := config.DecodeEngine(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown setting "tick_intervall"`)
}

func TestLoadEngine_ExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PATCHBAY_TEST_DIR", dir)

	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_db: ${PATCHBAY_TEST_DIR}/logs.db\n"), 0o600))
	eng, err := config.LoadEngine(path)
	require.NoError(t, err)
	assert.Equal(t, dir+"/logs.db", eng.LogDB)
}

func TestLoadEngine(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "engine.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("tempo: 140\n"), 0o600))
	eng, err := config.LoadEngine(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 140.0, eng.Tempo)

	jsonPath := filepath.Join(dir, "engine.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"engine": {"metrics": true}}`), 0o600))
	eng, err = config.LoadEngine(jsonPath)
	require.NoError(t, err)
	assert.True(t, eng.Metrics)

	_, err = config.LoadEngine(filepath.Join(dir, "engine.toml"))
	assert.Error(t, err)

	txt := filepath.Join(dir, "engine.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o600))
	_, err = config.LoadEngine(txt)
	assert.ErrorContains(t, err, "unsupported")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("engine: [\n"), 0o600))
	_, err = config.LoadEngine(bad)
	assert.ErrorContains(t, err, "parse yaml")
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := config.Parse([]byte("tempo = 1"), "toml")
	assert.ErrorContains(t, err, `unsupported config format "toml"`)
}

// TestLoadEngine_ErrorsNameFile verifies parse and validation failures
// carry the file path.
func TestLoadEngine_ErrorsNameFile(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err := config.LoadEngine(bad)
	assert.ErrorContains(t, err, bad+": parse json")

	slow := filepath.Join(dir, "slow.yaml")
	require.NoError(t, os.WriteFile(slow, []byte("tempo: -5\n"), 0o600))
	_, err = config.LoadEngine(slow)
	assert.ErrorContains(t, err, slow+": tempo must be positive")
}
