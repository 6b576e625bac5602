// Package logger provides structured logging for driftsync
package logger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// contextKey keeps the sync identifiers out of the string key space.
type contextKey string

// Context keys recognized by WithContext. The engine stores these on
// the cycle context so every component logs the same identifiers.
const (
	PairIDKey    contextKey = "pair_id"
	RunIDKey     contextKey = "run_id"
	ConnectorKey contextKey = "connector"
)

// Config controls the process-wide logger built by Init.
type Config struct {
	Level       string
	Development bool
	Encoding    string // json or console
	OutputPaths []string
}

// Init initializes the global logger. Only the first call takes effect;
// later calls are no-ops so libraries cannot reconfigure the process.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = build(cfg)
	})
	return err
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
		// Sync cycles are low volume; never drop entries to sampling.
		zapCfg.Sampling = nil
	}
	zapCfg.Level = level
	if cfg.Encoding != "" {
		zapCfg.Encoding = cfg.Encoding
	}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.MessageKey = "message"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	if len(cfg.OutputPaths) > 0 {
		zapCfg.OutputPaths = cfg.OutputPaths
	}

	return zapCfg.Build()
}

// Get returns the global logger, initializing it with production
// defaults on first use when Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		if err := Init(Config{Level: "info", Encoding: "json"}); err != nil || globalLogger == nil {
			globalLogger = zap.Must(zap.NewProduction())
		}
	}
	return globalLogger
}

// WithContext returns the global logger annotated with the sync
// identifiers carried by ctx.
func WithContext(ctx context.Context) *zap.Logger {
	log := Get()

	if pairID, ok := ctx.Value(PairIDKey).(string); ok {
		log = log.With(zap.String("pair_id", pairID))
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		log = log.With(zap.String("run_id", runID))
	}
	if connector, ok := ctx.Value(ConnectorKey).(string); ok {
		log = log.With(zap.String("connector", connector))
	}
	return log
}

// Sync flushes any buffered log entries
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
