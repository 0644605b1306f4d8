package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/msageha/testgate/internal/config"
	"github.com/msageha/testgate/internal/depgraph"
	"github.com/msageha/testgate/internal/engine"
	"github.com/msageha/testgate/internal/events"
	"github.com/msageha/testgate/internal/history"
	"github.com/msageha/testgate/internal/metrics"
	"github.com/msageha/testgate/internal/model"
	"github.com/msageha/testgate/internal/runner"
	"github.com/msageha/testgate/internal/selector"
	"github.com/msageha/testgate/internal/trigger"
)

const auditMaxSize = 10 << 20

func loadConfig(g *globalFlags) (model.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return model.Config{}, err
	}
	if g.root != "" {
		cfg.Project.Root = g.root
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// newLogger writes to stderr so stdout stays machine-readable. Unknown levels
// fall back to info.
func newLogger(cfg model.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "json" {
		zc.Encoding = "json"
		zc.EncoderConfig = zap.NewProductionEncoderConfig()
	}
	return zc.Build()
}

func newMatrix(cfg model.Config) (*trigger.Matrix, error) {
	m, err := trigger.Load(cfg.Trigger.RulesDir, cfg.Trigger.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("load trigger rules: %w", err)
	}
	m.SetDefaultAgent(cfg.Trigger.DefaultAgent)
	m.SetDefaultRequirements(trigger.Requirements{
		MinCoverage:           cfg.QualityGates.MinCoverage,
		RequirePassingTests:   true,
		MinAccessibilityScore: cfg.QualityGates.MinAccessibilityScore,
		AllowedFailures:       cfg.QualityGates.AllowedFailures,
	})
	return m, nil
}

func newGraph(cfg model.Config, logger *zap.Logger) (*depgraph.Builder, *depgraph.Cache) {
	b := depgraph.NewBuilder(cfg.Project.Root, depgraph.Options{
		Extensions:  cfg.Selection.Extensions,
		IgnoreDirs:  cfg.Selection.IgnoreDirs,
		Concurrency: cfg.Selection.ReadConcurrency,
	}, logger)
	return b, depgraph.NewCache(b, logger)
}

func selectorOptions(s model.SelectionConfig) selector.Options {
	return selector.Options{
		FullSuiteThreshold:    s.FullSuiteThreshold,
		MaxTests:              s.MaxTests,
		MaxDepth:              s.MaxDepth,
		IncludeIndirect:       s.IncludeIndirect,
		AverageTestDurationMs: s.AverageTestDurationMs,
		FullSuiteDurationMs:   s.FullSuiteDurationMs,
	}
}

// app is the fully wired engine with everything it owns.
type app struct {
	cfg        model.Config
	logger     *zap.Logger
	matrix     *trigger.Matrix
	builder    *depgraph.Builder
	graphs     *depgraph.Cache
	engine     *engine.Engine
	collectors *metrics.Collectors
	bus        *events.Bus
	history    history.Store
	audit      *events.AuditLogger
	detach     func()
}

func newApp(ctx context.Context, cfg model.Config, tracker engine.Tracker, logger *zap.Logger) (*app, error) {
	matrix, err := newMatrix(cfg)
	if err != nil {
		return nil, err
	}
	builder, graphs := newGraph(cfg, logger)

	runnerCfgs := make(map[string]model.RunnerConfig, len(cfg.Runners))
	for name, rc := range cfg.Runners {
		if rc.Dir == "" {
			rc.Dir = cfg.Project.Root
		}
		runnerCfgs[name] = rc
	}
	runners, err := runner.FromConfig(runnerCfgs)
	if err != nil {
		return nil, err
	}
	logger.Debug("runners_configured", zap.Any("test_types", runners.Types()))
	previousSnapshot(cfg.Metrics.SnapshotPath, logger)

	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		matrix:     matrix,
		builder:    builder,
		graphs:     graphs,
		collectors: metrics.NewCollectors(),
		bus:        events.NewBus(256, logger),
		history:    store,
	}
	if cfg.Logging.AuditPath != "" {
		if cfg.Logging.AuditChecksum {
			verifyAuditLog(cfg.Logging.AuditPath, logger)
		}
		a.audit, err = events.NewAuditLogger(cfg.Logging.AuditPath, auditMaxSize)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		a.audit.EnableChecksum(cfg.Logging.AuditChecksum)
		logger.Debug("audit_log_opened",
			zap.String("path", cfg.Logging.AuditPath),
			zap.Int64("size", a.audit.CurrentSize()),
			zap.Bool("checksum", cfg.Logging.AuditChecksum),
		)
		a.detach = a.audit.Attach(a.bus, func(err error) {
			logger.Warn("audit_write_failed", zap.Error(err))
		})
	}

	a.engine = engine.New(engine.OptionsFromConfig(cfg), engine.Deps{
		Selector:   selector.New(graphs, matrix, selectorOptions(cfg.Selection), logger),
		Matrix:     matrix,
		Runners:    runners,
		Tracker:    tracker,
		History:    store,
		Metrics:    metrics.NewRolling(cfg.Metrics.Window, int64(cfg.Engine.FullSuiteBaselineMs), a.collectors),
		Collectors: a.collectors,
		Bus:        a.bus,
		Logger:     logger,
	})
	return a, nil
}

// previousSnapshot logs the metrics left by an earlier process, restoring the
// file from its backup when it is corrupted.
func previousSnapshot(path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	snap, err := metrics.ReadSnapshot(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		logger.Warn("metrics_snapshot_unreadable", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("metrics_snapshot_loaded",
		zap.String("path", path),
		zap.String("updated_at", snap.UpdatedAt),
		zap.Int("tasks_processed", snap.TasksProcessed),
		zap.Float64("gate_pass_rate", snap.GatePassRate),
	)
}

// verifyAuditLog reports entries of an existing audit log whose checksum no
// longer matches.
func verifyAuditLog(path string, logger *zap.Logger) {
	total, valid, err := events.VerifyLogIntegrity(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		logger.Warn("audit_verify_failed", zap.String("path", path), zap.Error(err))
		return
	}
	if valid < total {
		logger.Warn("audit_log_tampered", zap.String("path", path), zap.Int("entries", total), zap.Int("invalid", total-valid))
		return
	}
	logger.Debug("audit_log_verified", zap.String("path", path), zap.Int("entries", total))
}

// Close drains the engine, then releases the bus, audit log, and history.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if a.detach != nil {
		a.detach()
	}
	a.bus.Close()
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// render prints v as indented JSON or YAML.
func render(w io.Writer, v any, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
