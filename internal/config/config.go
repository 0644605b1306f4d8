// Package config loads the test gate configuration from a YAML file with
// environment overrides, applies defaults, and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/testgate/internal/model"
)

// EnvPrefix starts every environment override. A double underscore separates
// nesting levels: TESTGATE_ENGINE__MAX_PARALLEL_TESTS -> engine.max_parallel_tests.
const EnvPrefix = "TESTGATE_"

const maxConfigFileSize = 1024 * 1024

// maxSocketPath is the portable sun_path limit.
const maxSocketPath = 104

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Default returns the documented defaults.
func Default() model.Config {
	return model.Config{
		Project: model.ProjectConfig{Root: "."},
		Engine: model.EngineConfig{
			MaxParallelTests:    3,
			SmartTestSelection:  true,
			AutoBlockOnFailure:  true,
			RunnerTimeoutMs:     300000,
			FullSuiteBaselineMs: 600000,
		},
		Selection: model.SelectionConfig{
			FullSuiteThreshold:    20,
			MaxTests:              50,
			MaxDepth:              3,
			IncludeIndirect:       true,
			AverageTestDurationMs: 2000,
			FullSuiteDurationMs:   600000,
			Extensions:            []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			IgnoreDirs:            []string{"node_modules", ".git", "dist", "build", "coverage", "vendor"},
			ReadConcurrency:       16,
		},
		QualityGates: model.QualityGatesConfig{
			MinCoverage:           80,
			EnforceMinCoverage:    true,
			EnforcePassingTests:   true,
			EnforceSecurityScan:   true,
			EnforceAccessibility:  true,
			MinAccessibilityScore: 95,
		},
		Trigger: model.TriggerConfig{CacheSize: 1024},
		Metrics: model.MetricsConfig{Window: 100},
		History: model.HistoryConfig{Driver: "memory", Limit: 1000},
		Watcher: model.WatcherConfig{DebounceMs: 250},
		Logging: model.LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (skipped when empty), applies TESTGATE_ environment
// overrides over the defaults, and validates the result.
func Load(path string) (model.Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return model.Config{}, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return load(content)
}

// Parse is Load for in-memory YAML.
func Parse(content []byte) (model.Config, error) {
	return load(content)
}

func load(content []byte) (model.Config, error) {
	k := koanf.New(".")

	defaults, err := yamlv3.Marshal(Default())
	if err != nil {
		return model.Config{}, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return model.Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return model.Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return model.Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg model.Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return model.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every violation at once, joined and wrapped in ErrInvalid.
func Validate(cfg model.Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	e := cfg.Engine
	if e.MaxParallelTests < 1 {
		add("engine.max_parallel_tests must be >= 1, got %d", e.MaxParallelTests)
	}
	if e.RunnerTimeoutMs <= 0 {
		add("engine.runner_timeout_ms must be positive, got %d", e.RunnerTimeoutMs)
	}
	if e.FullSuiteBaselineMs < 0 {
		add("engine.full_suite_baseline_ms must not be negative")
	}

	s := cfg.Selection
	if s.FullSuiteThreshold < 1 {
		add("selection.full_suite_threshold must be >= 1, got %d", s.FullSuiteThreshold)
	}
	if s.MaxTests < 1 {
		add("selection.max_tests must be >= 1, got %d", s.MaxTests)
	}
	if s.MaxDepth < 0 {
		add("selection.max_depth must not be negative, got %d", s.MaxDepth)
	}
	if s.AverageTestDurationMs < 0 || s.FullSuiteDurationMs < 0 {
		add("selection durations must not be negative")
	}
	for _, ext := range s.Extensions {
		if !strings.HasPrefix(ext, ".") {
			add("selection.extensions: %q must start with a dot", ext)
		}
	}

	q := cfg.QualityGates
	if q.MinCoverage < 0 || q.MinCoverage > 100 {
		add("quality_gates.min_coverage must be in [0,100], got %v", q.MinCoverage)
	}
	if q.MinAccessibilityScore < 0 || q.MinAccessibilityScore > 100 {
		add("quality_gates.min_accessibility_score must be in [0,100], got %v", q.MinAccessibilityScore)
	}
	if q.AllowedFailures < 0 {
		add("quality_gates.allowed_failures must not be negative, got %d", q.AllowedFailures)
	}

	if cfg.Trigger.CacheSize < 0 {
		add("trigger.cache_size must not be negative")
	}
	for name, r := range cfg.Runners {
		if _, err := model.ParseTestType(name); err != nil {
			add("runners.%s: %v", name, err)
		}
		if strings.TrimSpace(r.Command) == "" {
			add("runners.%s.command is required", name)
		}
	}

	if cfg.Metrics.Window < 0 {
		add("metrics.window must not be negative")
	}
	switch cfg.History.Driver {
	case "", "memory":
	case "sqlite":
		if cfg.History.Path == "" {
			add("history.path is required for the sqlite driver")
		}
	default:
		add("history.driver %q is not one of memory, sqlite", cfg.History.Driver)
	}
	if cfg.Watcher.DebounceMs < 0 {
		add("watcher.debounce_ms must not be negative")
	}
	if cfg.Logging.Level != "" && !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		add("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	if len(cfg.Control.SocketPath) > maxSocketPath {
		add("control.socket_path exceeds %d bytes", maxSocketPath)
	}
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		add("logging.format %q is not one of json, console", cfg.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
