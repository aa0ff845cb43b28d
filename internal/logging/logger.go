// Package logging provides config-driven categorized logging for mapnerd.
// Each subsystem logs under its own category; categories can be switched off
// individually. Logging is controlled by debug_mode in the config - when false,
// every category logger is a no-op and the library stays silent.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and shutdown
	CategoryConfig    Category = "config"    // Config loading and validation
	CategoryGrounding Category = "grounding" // Mangle evaluation, term creation
	CategoryTermStore Category = "termstore" // Term store sort, reweight, lifecycle
	CategoryADMM      Category = "admm"      // Consensus optimization
	CategoryStore     Category = "store"     // Atom database
	CategoryCLI       Category = "cli"       // Command handling
)

// Config mirrors config.LoggingConfig to avoid circular imports
type Config struct {
	DebugMode  bool
	Level      string // debug, info, warn, error
	Format     string // json, text
	File       string
	Categories map[string]bool
}

// Logger writes to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	base      *zap.Logger
	config    Config
	configMu  sync.RWMutex
)

// Initialize builds the shared zap logger from cfg.
// Should be called once at startup; later calls replace the previous logger.
func Initialize(cfg Config) error {
	if !cfg.DebugMode {
		install(nil, cfg)
		return nil
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	install(logger, cfg)

	boot := Get(CategoryBoot)
	boot.Info("logging initialized (level=%s format=%s)", level, cfg.Format)
	if len(cfg.Categories) > 0 {
		enabled := 0
		for _, on := range cfg.Categories {
			if on {
				enabled++
			}
		}
		boot.Debug("enabled categories: %d/%d", enabled, len(cfg.Categories))
	}
	return nil
}

// InitializeWithLogger installs an existing zap logger, e.g. one from zaptest.
func InitializeWithLogger(logger *zap.Logger, cfg Config) {
	cfg.DebugMode = logger != nil
	install(logger, cfg)
}

func install(logger *zap.Logger, cfg Config) {
	configMu.Lock()
	if base != nil {
		_ = base.Sync()
	}
	base = logger
	config = cfg
	configMu.Unlock()

	loggersMu.Lock()
	loggers = make(map[Category]*Logger)
	loggersMu.Unlock()
}

// IsDebugMode returns whether logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode && base != nil
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode || base == nil {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	named := base.Named(string(category))
	configMu.RUnlock()

	l := &Logger{category: category, sugar: named.Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a logger that attaches key-value pairs to every entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l.sugar == nil {
		return l
	}
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// Enabled reports whether entries at level would be written. Use it to skip
// building expensive debug output.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.sugar != nil && l.sugar.Desugar().Core().Enabled(level)
}

// CloseAll flushes the shared logger (call at shutdown)
func CloseAll() {
	configMu.Lock()
	defer configMu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// ConfigDebug logs debug to the config category
func ConfigDebug(format string, args ...interface{}) {
	Get(CategoryConfig).Debug(format, args...)
}

// Grounding logs to the grounding category
func Grounding(format string, args ...interface{}) {
	Get(CategoryGrounding).Info(format, args...)
}

// GroundingDebug logs debug to the grounding category
func GroundingDebug(format string, args ...interface{}) {
	Get(CategoryGrounding).Debug(format, args...)
}

// TermStore logs to the termstore category
func TermStore(format string, args ...interface{}) {
	Get(CategoryTermStore).Info(format, args...)
}

// TermStoreDebug logs debug to the termstore category
func TermStoreDebug(format string, args ...interface{}) {
	Get(CategoryTermStore).Debug(format, args...)
}

// ADMM logs to the admm category
func ADMM(format string, args ...interface{}) {
	Get(CategoryADMM).Info(format, args...)
}

// ADMMDebug logs debug to the admm category
func ADMMDebug(format string, args ...interface{}) {
	Get(CategoryADMM).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
