// Package model defines the data structures shared by the test gate: configuration,
// execution status, test results, and metrics snapshots.
package model

type Config struct {
	Project      ProjectConfig           `yaml:"project"`
	Engine       EngineConfig            `yaml:"engine"`
	Selection    SelectionConfig         `yaml:"selection"`
	QualityGates QualityGatesConfig      `yaml:"quality_gates"`
	Trigger      TriggerConfig           `yaml:"trigger"`
	Runners      map[string]RunnerConfig `yaml:"runners"`
	Metrics      MetricsConfig           `yaml:"metrics"`
	History      HistoryConfig           `yaml:"history"`
	Watcher      WatcherConfig           `yaml:"watcher"`
	Logging      LoggingConfig           `yaml:"logging"`
	Control      ControlConfig           `yaml:"control"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

type EngineConfig struct {
	MaxParallelTests    int  `yaml:"max_parallel_tests"`
	SmartTestSelection  bool `yaml:"smart_test_selection"`
	AutoBlockOnFailure  bool `yaml:"auto_block_on_failure"`
	RunnerTimeoutMs     int  `yaml:"runner_timeout_ms"`
	RestartOnRepeat     bool `yaml:"restart_on_repeat"`
	FullSuiteBaselineMs int  `yaml:"full_suite_baseline_ms"`
}

type SelectionConfig struct {
	FullSuiteThreshold    int      `yaml:"full_suite_threshold"`
	MaxTests              int      `yaml:"max_tests"`
	MaxDepth              int      `yaml:"max_depth"`
	IncludeIndirect       bool     `yaml:"include_indirect"`
	AverageTestDurationMs int      `yaml:"average_test_duration_ms"`
	FullSuiteDurationMs   int      `yaml:"full_suite_duration_ms"`
	Extensions            []string `yaml:"extensions"`
	IgnoreDirs            []string `yaml:"ignore_dirs"`
	ReadConcurrency       int      `yaml:"read_concurrency"`
}

type QualityGatesConfig struct {
	MinCoverage           float64 `yaml:"min_coverage"`
	EnforceMinCoverage    bool    `yaml:"enforce_min_coverage"`
	EnforcePassingTests   bool    `yaml:"enforce_passing_tests"`
	EnforceSecurityScan   bool    `yaml:"enforce_security_scan"`
	EnforceAccessibility  bool    `yaml:"enforce_accessibility"`
	MinAccessibilityScore float64 `yaml:"min_accessibility_score"`
	AllowedFailures       int     `yaml:"allowed_failures"`
	AllowOverride         bool    `yaml:"allow_override"` // emergency escape, never on by default
}

type TriggerConfig struct {
	RulesDir     string `yaml:"rules_dir"`
	CacheSize    int    `yaml:"cache_size"`
	DefaultAgent string `yaml:"default_agent"`
}

// RunnerConfig describes an external command executed for one test type.
// Selected test files are appended to Args when PassFiles is set. Exclusive
// runners never run concurrently with themselves across tasks.
type RunnerConfig struct {
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Dir       string            `yaml:"dir"`
	PassFiles bool              `yaml:"pass_files"`
	Exclusive bool              `yaml:"exclusive"`
}

type MetricsConfig struct {
	Window       int    `yaml:"window"`
	SnapshotPath string `yaml:"snapshot_path"`
	ListenAddr   string `yaml:"listen_addr"`
}

type HistoryConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
	Limit  int    `yaml:"limit"`
}

type WatcherConfig struct {
	Enabled    bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // "json" or "console"
	AuditPath string `yaml:"audit_path"`
	// AuditChecksum stamps every audit entry with a checksum that is
	// verified when the log is reopened.
	AuditChecksum bool `yaml:"audit_checksum"`
}

// ControlConfig enables the serve control socket when SocketPath is set.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}
