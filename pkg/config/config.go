package config

import (
	"fmt"
	"runtime"
	"time"
)

// SyncMode selects how a pair's cycles are triggered.
type SyncMode string

const (
	// ModeRealTime runs cycles continuously, either from streaming
	// connector wakeups or short-interval polling
	ModeRealTime SyncMode = "real-time"
	// ModeScheduled runs cycles on a fixed interval
	ModeScheduled SyncMode = "scheduled"
	// ModeManual runs cycles only on explicit SyncNow calls
	ModeManual SyncMode = "manual"
)

// Valid reports whether the mode is one of the known sync modes.
func (m SyncMode) Valid() bool {
	switch m {
	case ModeRealTime, ModeScheduled, ModeManual:
		return true
	default:
		return false
	}
}

// ConflictStrategy selects how disagreeing source/target versions are settled.
type ConflictStrategy string

const (
	// StrategySourceWins always applies the incoming record
	StrategySourceWins ConflictStrategy = "source-wins"
	// StrategyTargetWins always keeps the target's record
	StrategyTargetWins ConflictStrategy = "target-wins"
	// StrategyLatestTimestamp picks the higher last-write timestamp;
	// exact ties fall back to source-wins
	StrategyLatestTimestamp ConflictStrategy = "latest-timestamp"
	// StrategyManual defers the conflict for external resolution
	StrategyManual ConflictStrategy = "manual"
)

// Valid reports whether the strategy is one of the known strategies.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategySourceWins, StrategyTargetWins, StrategyLatestTimestamp, StrategyManual:
		return true
	default:
		return false
	}
}

// ConnectorConfig configures one connector instance. Connector-specific
// settings (DSN, topic, bucket, path) live in the Settings map and are
// parsed by the connector itself.
type ConnectorConfig struct {
	// Name identifies the connector instance
	Name string `yaml:"name" json:"name"`
	// Type specifies the connector type (memory, file, postgres, kafka, s3, mongodb)
	Type string `yaml:"type" json:"type"`
	// Settings holds connector-specific settings
	Settings map[string]string `yaml:"settings" json:"settings"`

	// Performance settings control throughput and resource usage
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Timeouts define operation timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for connector-internal resilience
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Security configuration for authentication and encryption
	Security SecurityConfig `yaml:"security" json:"security"`
}

// PerformanceConfig contains performance-related settings.
type PerformanceConfig struct {
	// BatchSize controls the number of records fetched or applied together
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BufferSize sets the size of internal channel buffers, including
	// change notification streams
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// MaxConcurrency limits concurrent operations inside a connector
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// FlushInterval paces periodic background flushes such as consumer
	// offset commits
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// TimeoutConfig contains timeout-related settings.
type TimeoutConfig struct {
	// Request timeout for individual operations
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for establishing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
}

// ReliabilityConfig contains connector-internal resilience settings.
// The pair-level retry limits in RetryConfig govern the orchestrator's
// retry controller; these settings govern the connector's own protection.
type ReliabilityConfig struct {
	// CircuitBreaker enables the circuit breaker around connector calls
	CircuitBreaker bool `yaml:"circuit_breaker" json:"circuit_breaker"`
	// HealthCheck enables periodic health checks
	HealthCheck bool `yaml:"health_check" json:"health_check"`
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before probing
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	// EnableTLS enables TLS/SSL encryption
	EnableTLS bool `yaml:"enable_tls" json:"enable_tls"`
	// TLSSkipVerify disables certificate verification (insecure)
	TLSSkipVerify bool `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	// Credentials stores authentication credentials (use env vars in production)
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
}

// RetryConfig holds the pair-level retry limits consumed by the retry
// controller wrapping extract and apply operations.
type RetryConfig struct {
	// MaxAttempts is the total attempt ceiling including the first try
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialDelay is the backoff before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier grows the delay each attempt
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// RandomizeFactor is the ± jitter fraction applied to each delay
	RandomizeFactor float64 `yaml:"randomize_factor" json:"randomize_factor"`
}

// ValidationConfig describes the rule set applied to records before they
// reach the target connector.
type ValidationConfig struct {
	// Enabled turns record validation on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// RequireTimestamp rejects records without a source timestamp
	RequireTimestamp bool `yaml:"require_timestamp" json:"require_timestamp"`
	// RequiredFields lists payload fields that must be present
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
	// FieldTypes maps payload fields to expected types
	// (string, number, bool, object, array)
	FieldTypes map[string]string `yaml:"field_types" json:"field_types"`
	// MaxPayloadBytes rejects oversized payloads (0 = unlimited)
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// ThresholdConfig holds monitoring thresholds for a pair.
type ThresholdConfig struct {
	// MaxConsecutiveFailures marks the pair degraded after this many failed cycles
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	// DeadLetterWarning logs a warning when the pair's dead-letter count crosses this
	DeadLetterWarning int `yaml:"dead_letter_warning" json:"dead_letter_warning"`
	// CycleDurationWarning logs a warning when a cycle runs longer than this
	CycleDurationWarning time.Duration `yaml:"cycle_duration_warning" json:"cycle_duration_warning"`
}

// PairConfig defines one sync pair: the source/target connectors and the
// policies driving their synchronization.
type PairConfig struct {
	// ID uniquely identifies the pair
	ID string `yaml:"id" json:"id"`
	// Source is the connector changes are read from
	Source ConnectorConfig `yaml:"source" json:"source"`
	// Target is the connector changes are applied to
	Target ConnectorConfig `yaml:"target" json:"target"`
	// Mode selects how cycles are triggered
	Mode SyncMode `yaml:"mode" json:"mode"`
	// Strategy selects the conflict resolution policy
	Strategy ConflictStrategy `yaml:"strategy" json:"strategy"`
	// Interval is the polling interval for scheduled and real-time modes
	Interval time.Duration `yaml:"interval" json:"interval"`
	// CycleTimeout is the overall deadline for one sync cycle
	CycleTimeout time.Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	// BatchSize is the apply batch size
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// ApplyWorkers is the number of parallel apply workers (cross-key only)
	ApplyWorkers int `yaml:"apply_workers" json:"apply_workers"`
	// Retry holds the retry limits for extract/apply operations
	Retry RetryConfig `yaml:"retry" json:"retry"`
	// Validation holds the record validation rule set
	Validation ValidationConfig `yaml:"validation" json:"validation"`
	// Thresholds holds monitoring thresholds
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level sets logging verbosity (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`
	// Encoding selects json or console output
	Encoding string `yaml:"encoding" json:"encoding"`
	// Development enables colored, stack-traced output
	Development bool `yaml:"development" json:"development"`
}

// StoreConfig configures a checkpoint store or dead-letter sink backend.
type StoreConfig struct {
	// Type selects the backend (memory, file, postgres)
	Type string `yaml:"type" json:"type"`
	// Path is the directory for file backends
	Path string `yaml:"path" json:"path"`
	// DSN is the connection string for postgres backends
	DSN string `yaml:"dsn" json:"dsn"`
	// Compression selects the archive codec for file dead-letter segments
	// (zstd, gzip, lz4, snappy, none)
	Compression string `yaml:"compression" json:"compression"`
}

// ObservabilityConfig contains monitoring settings for the engine.
type ObservabilityConfig struct {
	// EnableMetrics activates prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// EnableTracing activates distributed tracing
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// MetricsInterval sets how often gauge metrics are refreshed
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// EngineConfig is the root configuration consumed by the sync engine.
type EngineConfig struct {
	// Logging configures the process logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	// Checkpoints configures the checkpoint store backend
	Checkpoints StoreConfig `yaml:"checkpoints" json:"checkpoints"`
	// DeadLetter configures the dead-letter sink backend
	DeadLetter StoreConfig `yaml:"dead_letter" json:"dead_letter"`
	// Observability configures metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	// Pairs lists the sync pairs the engine drives
	Pairs []PairConfig `yaml:"pairs" json:"pairs"`
	// RunHistoryLimit bounds the per-pair run history ring
	RunHistoryLimit int `yaml:"run_history_limit" json:"run_history_limit"`
	// ShutdownGrace bounds how long Stop waits for in-flight cycles
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// NewConnectorConfig creates a ConnectorConfig with production defaults.
func NewConnectorConfig(name, connectorType string) ConnectorConfig {
	return ConnectorConfig{
		Name:     name,
		Type:     connectorType,
		Settings: make(map[string]string),
		Performance: PerformanceConfig{
			BatchSize:      1000,
			BufferSize:     256,
			MaxConcurrency: runtime.NumCPU(),
			FlushInterval:  10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
		},
		Reliability: ReliabilityConfig{
			CircuitBreaker:   true,
			HealthCheck:      true,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Security: SecurityConfig{
			Credentials: make(map[string]string),
		},
	}
}

// NewRetryConfig returns the default retry limits.
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NewPairConfig creates a PairConfig with production defaults. Source and
// target connectors still need to be filled in.
func NewPairConfig(id string) PairConfig {
	return PairConfig{
		ID:           id,
		Mode:         ModeManual,
		Strategy:     StrategyLatestTimestamp,
		Interval:     time.Minute,
		CycleTimeout: 10 * time.Minute,
		BatchSize:    1000,
		ApplyWorkers: 4,
		Retry:        NewRetryConfig(),
		Validation: ValidationConfig{
			Enabled:          true,
			RequireTimestamp: false,
		},
		Thresholds: ThresholdConfig{
			MaxConsecutiveFailures: 5,
			DeadLetterWarning:      1000,
			CycleDurationWarning:   5 * time.Minute,
		},
	}
}

// NewEngineConfig creates an EngineConfig with production defaults and no
// pairs.
func NewEngineConfig() *EngineConfig {
	return &EngineConfig{
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Checkpoints: StoreConfig{Type: "memory"},
		DeadLetter:  StoreConfig{Type: "memory", Compression: "zstd"},
		Observability: ObservabilityConfig{
			EnableMetrics:     true,
			EnableTracing:     false,
			MetricsInterval:   30 * time.Second,
			TracingSampleRate: 0.1,
		},
		RunHistoryLimit: 50,
		ShutdownGrace:   30 * time.Second,
	}
}

// Validate validates a connector configuration.
func (c *ConnectorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("connector name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("connector type is required")
	}
	if c.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Performance.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.Performance.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	return nil
}

// Validate validates the retry limits.
func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if r.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be at least initial_delay")
	}
	if r.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be at least 1.0")
	}
	if r.RandomizeFactor < 0 || r.RandomizeFactor >= 1.0 {
		return fmt.Errorf("randomize_factor must be in [0, 1)")
	}
	return nil
}

// Validate validates a pair configuration, including its connectors.
func (p *PairConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pair id is required")
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("pair %s: unknown sync mode %q", p.ID, p.Mode)
	}
	if !p.Strategy.Valid() {
		return fmt.Errorf("pair %s: unknown conflict strategy %q", p.ID, p.Strategy)
	}
	if p.Mode != ModeManual && p.Interval <= 0 {
		return fmt.Errorf("pair %s: interval must be positive for %s mode", p.ID, p.Mode)
	}
	if p.CycleTimeout <= 0 {
		return fmt.Errorf("pair %s: cycle_timeout must be positive", p.ID)
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("pair %s: batch_size must be positive", p.ID)
	}
	if p.ApplyWorkers <= 0 {
		return fmt.Errorf("pair %s: apply_workers must be positive", p.ID)
	}
	if err := p.Retry.Validate(); err != nil {
		return fmt.Errorf("pair %s: %w", p.ID, err)
	}
	if err := p.Source.Validate(); err != nil {
		return fmt.Errorf("pair %s source: %w", p.ID, err)
	}
	if err := p.Target.Validate(); err != nil {
		return fmt.Errorf("pair %s target: %w", p.ID, err)
	}
	return nil
}

// ApplyDefaults fills zero-valued pair fields from the defaults so partial
// YAML definitions stay terse.
func (p *PairConfig) ApplyDefaults() {
	def := NewPairConfig(p.ID)
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	if p.Interval == 0 {
		p.Interval = def.Interval
	}
	if p.CycleTimeout == 0 {
		p.CycleTimeout = def.CycleTimeout
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.BatchSize
	}
	if p.ApplyWorkers == 0 {
		p.ApplyWorkers = def.ApplyWorkers
	}
	if p.Retry == (RetryConfig{}) {
		p.Retry = def.Retry
	}
	if p.Thresholds == (ThresholdConfig{}) {
		p.Thresholds = def.Thresholds
	}
	p.Source.ApplyDefaults()
	p.Target.ApplyDefaults()
}

// ApplyDefaults fills zero-valued connector fields from the defaults.
func (c *ConnectorConfig) ApplyDefaults() {
	def := NewConnectorConfig(c.Name, c.Type)
	if c.Settings == nil {
		c.Settings = make(map[string]string)
	}
	if c.Performance.BatchSize == 0 {
		c.Performance.BatchSize = def.Performance.BatchSize
	}
	if c.Performance.BufferSize == 0 {
		c.Performance.BufferSize = def.Performance.BufferSize
	}
	if c.Performance.MaxConcurrency == 0 {
		c.Performance.MaxConcurrency = def.Performance.MaxConcurrency
	}
	if c.Performance.FlushInterval == 0 {
		c.Performance.FlushInterval = def.Performance.FlushInterval
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = def.Timeouts.Request
	}
	if c.Timeouts.Connection == 0 {
		c.Timeouts.Connection = def.Timeouts.Connection
	}
	if c.Reliability.FailureThreshold == 0 {
		c.Reliability.FailureThreshold = def.Reliability.FailureThreshold
	}
	if c.Reliability.RecoveryTimeout == 0 {
		c.Reliability.RecoveryTimeout = def.Reliability.RecoveryTimeout
	}
	if c.Security.Credentials == nil {
		c.Security.Credentials = make(map[string]string)
	}
}

// Validate validates the whole engine configuration.
func (e *EngineConfig) Validate() error {
	if len(e.Pairs) == 0 {
		return fmt.Errorf("at least one sync pair is required")
	}
	seen := make(map[string]bool, len(e.Pairs))
	for i := range e.Pairs {
		p := &e.Pairs[i]
		if seen[p.ID] {
			return fmt.Errorf("duplicate pair id %q", p.ID)
		}
		seen[p.ID] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if e.RunHistoryLimit <= 0 {
		return fmt.Errorf("run_history_limit must be positive")
	}
	switch e.Checkpoints.Type {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("unknown checkpoint store type %q", e.Checkpoints.Type)
	}
	switch e.DeadLetter.Type {
	case "memory", "file", "postgres":
	default:
		return fmt.Errorf("unknown dead-letter sink type %q", e.DeadLetter.Type)
	}
	return nil
}

// ApplyDefaults fills zero-valued engine fields from the defaults.
func (e *EngineConfig) ApplyDefaults() {
	def := NewEngineConfig()
	if e.Logging.Level == "" {
		e.Logging.Level = def.Logging.Level
	}
	if e.Logging.Encoding == "" {
		e.Logging.Encoding = def.Logging.Encoding
	}
	if e.Checkpoints.Type == "" {
		e.Checkpoints.Type = def.Checkpoints.Type
	}
	if e.DeadLetter.Type == "" {
		e.DeadLetter.Type = def.DeadLetter.Type
	}
	if e.DeadLetter.Compression == "" {
		e.DeadLetter.Compression = def.DeadLetter.Compression
	}
	if e.Observability.MetricsInterval == 0 {
		e.Observability.MetricsInterval = def.Observability.MetricsInterval
	}
	if e.RunHistoryLimit == 0 {
		e.RunHistoryLimit = def.RunHistoryLimit
	}
	if e.ShutdownGrace == 0 {
		e.ShutdownGrace = def.ShutdownGrace
	}
	for i := range e.Pairs {
		e.Pairs[i].ApplyDefaults()
	}
}
