package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine holds the engine settings.
type Engine struct {
	// TickInterval is the control loop period.
	TickInterval time.Duration
	// SampleRate and Tempo are reported to logic when the runtime does not
	// provide its own.
	SampleRate float64
	Tempo      float64
	// EventBuffer bounds undrained pulses per event input.
	EventBuffer int
	// LogBuffer bounds queued instance log lines before they are dropped.
	LogBuffer int
	// LogDB is a SQLite path for persisting instance logs. Empty keeps
	// logs in memory.
	LogDB    string
	LogLevel slog.Level
	Metrics  bool
	Tracing  bool
}

// DefaultEngine returns the default engine settings.
func DefaultEngine() Engine {
	return Engine{
		TickInterval: 10 * time.Millisecond,
		SampleRate:   48000,
		Tempo:        120,
		EventBuffer:  64,
		LogBuffer:    256,
		LogLevel:     slog.LevelInfo,
	}
}

// engineKeys lists the settings DecodeEngine understands.
var engineKeys = []string{
	"tick_interval", "sample_rate", "tempo", "event_buffer", "log_buffer",
	"log_db", "log_level", "metrics", "tracing",
}

// DecodeEngine reads engine settings from cfg, from its "engine" section
// when present and from the top level otherwise. Unknown keys in the
// section are rejected. All validation problems are returned together.
func DecodeEngine(cfg Config) (Engine, error) {
	if cfg.Has("engine") {
		cfg = cfg.Sub("engine")
	}
	d := DefaultEngine()
	e := Engine{
		TickInterval: cfg.Duration("tick_interval", d.TickInterval),
		SampleRate:   cfg.Float("sample_rate", d.SampleRate),
		Tempo:        cfg.Float("tempo", d.Tempo),
		EventBuffer:  cfg.Int("event_buffer", d.EventBuffer),
		LogBuffer:    cfg.Int("log_buffer", d.LogBuffer),
		LogDB:        cfg.String("log_db", d.LogDB),
		LogLevel:     d.LogLevel,
		Metrics:      cfg.Bool("metrics", d.Metrics),
		Tracing:      cfg.Bool("tracing", d.Tracing),
	}

	var errs []error
	for _, k := range cfg.Unknown(engineKeys...) {
		errs = append(errs, fmt.Errorf("unknown setting %q", k))
	}
	if lvl := cfg.String("log_level", ""); lvl != "" {
		if err := e.LogLevel.UnmarshalText([]byte(strings.ToUpper(lvl))); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if e.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive, got %s", e.TickInterval))
	}
	if e.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %g", e.SampleRate))
	}
	if e.Tempo <= 0 {
		errs = append(errs, fmt.Errorf("tempo must be positive, got %g", e.Tempo))
	}
	if e.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", e.EventBuffer))
	}
	if e.LogBuffer <= 0 {
		errs = append(errs, fmt.Errorf("log_buffer must be positive, got %d", e.LogBuffer))
	}
	if len(errs) > 0 {
		return Engine{}, errors.Join(errs...)
	}
	return e, nil
}

// Parse decodes a settings document. format is "yaml" or "json".
func Parse(data []byte, format string) (Config, error) {
	var m map[string]any
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return Config{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	return New(m), nil
}

// LoadEngine reads and decodes engine settings from a .yaml, .yml or .json
// file. $VAR and ${VAR} references are expanded from the environment
// before parsing.
func LoadEngine(path string) (Engine, error) {
	var format string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
		format = "json"
	default:
		return Engine{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(raw))), format)
	if err != nil {
		return Engine{}, fmt.Errorf("%s: %w", path, err)
	}
	eng, err := DecodeEngine(cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("%s: %w", path, err)
	}
	return eng, nil
}
