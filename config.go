package funnel

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every tunable of the engine. Build a Config with
// [DefaultConfig], adjust it, and hand it to [Builder.WithConfig]; the
// engine clones it and never mutates it afterwards.
type Config struct {
	Funnel    FunnelConfig    `mapstructure:"funnel"`
	Store     StoreConfig     `mapstructure:"store"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Timer     TimerConfig     `mapstructure:"timer"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

/*
====================================
FUNNEL CONFIG
====================================
*/

// FunnelConfig carries the ordered funnel definition.
type FunnelConfig struct {
	Steps []Step `mapstructure:"steps"`
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreConfig describes the durable key layout and its timeouts.
//
// Day partitions live at KeyPrefix + ":" + YYYY-MM-DD, the real-time mirror
// at KeyPrefix + ":" + RealtimeSuffix.
type StoreConfig struct {
	KeyPrefix          string        `mapstructure:"key_prefix"`
	RealtimeSuffix     string        `mapstructure:"realtime_suffix"`
	PartitionTTL       time.Duration `mapstructure:"partition_ttl"`
	RealtimeTTL        time.Duration `mapstructure:"realtime_ttl"`
	RealtimeMaxEntries int           `mapstructure:"realtime_max_entries"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout"`
	OpTimeout          time.Duration `mapstructure:"op_timeout"`
}

// BufferConfig sizes the local ring buffer.
type BufferConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// AnalyticsConfig tunes historical queries. MaxPartitionDays caps how many
// durable day partitions one query reads, newest first; 0 reads every day
// the range touches. The local buffer is always aggregated in full.
type AnalyticsConfig struct {
	MaxPartitionDays int  `mapstructure:"max_partition_days"`
	ReadConcurrency  int  `mapstructure:"read_concurrency"`
	Deduplicate      bool `mapstructure:"deduplicate"`
}

// MonitorConfig tunes the real-time snapshot. Thresholds are strict: a
// value must exceed the threshold to raise an alert.
type MonitorConfig struct {
	Window           time.Duration `mapstructure:"window"`
	RecentErrorLimit int           `mapstructure:"recent_error_limit"`
	SlowStepMedium   time.Duration `mapstructure:"slow_step_medium"`
	SlowStepHigh     time.Duration `mapstructure:"slow_step_high"`
	ErrorRateMedium  float64       `mapstructure:"error_rate_medium"`
	ErrorRateHigh    float64       `mapstructure:"error_rate_high"`
}

// TimerConfig controls step timing.
//
// SessionScoped keys timers by (step, user, session). Disabling it keys by
// (step, user) only, so concurrent sessions of one user on one step
// overwrite each other's start time.
type TimerConfig struct {
	SessionScoped bool          `mapstructure:"session_scoped"`
	MaxPending    int           `mapstructure:"max_pending"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// SinkConfig controls asynchronous record sink dispatch. Without
// DropIfFull a full queue makes a tracking call wait up to EmitTimeout
// before the record is dropped.
type SinkConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	DropIfFull  bool          `mapstructure:"drop_if_full"`
	EmitTimeout time.Duration `mapstructure:"emit_timeout"`
}

// MetricsConfig controls engine self-observability counters.
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults: 30-day partitions, a 24h
// mirror capped at 10,000 entries, a 10,000-entry local buffer and a
// one-hour live window.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	steps := make([]Step, len(DefaultFunnel))
	copy(steps, DefaultFunnel)

	return Config{
		Funnel: FunnelConfig{
			Steps: steps,
		},
		Store: StoreConfig{
			KeyPrefix:          "workflow_metrics",
			RealtimeSuffix:     "realtime",
			PartitionTTL:       30 * 24 * time.Hour,
			RealtimeTTL:        24 * time.Hour,
			RealtimeMaxEntries: 10000,
			ProbeTimeout:       2 * time.Second,
			OpTimeout:          2 * time.Second,
		},
		Buffer: BufferConfig{
			Capacity: 10000,
		},
		Analytics: AnalyticsConfig{
			MaxPartitionDays: 0,
			ReadConcurrency:  4,
			Deduplicate:      true,
		},
		Monitor: MonitorConfig{
			Window:           time.Hour,
			RecentErrorLimit: 10,
			SlowStepMedium:   30 * time.Second,
			SlowStepHigh:     60 * time.Second,
			ErrorRateMedium:  0.10,
			ErrorRateHigh:    0.25,
		},
		Timer: TimerConfig{
			SessionScoped: true,
			MaxPending:    10000,
			StaleAfter:    24 * time.Hour,
		},
		Sink: SinkConfig{
			Enabled:     false,
			BufferSize:  1024,
			DropIfFull:  true,
			EmitTimeout: 100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Funnel.Steps != nil {
		out.Funnel.Steps = make([]Step, len(cfg.Funnel.Steps))
		copy(out.Funnel.Steps, cfg.Funnel.Steps)
	}
	return out
}

// RealtimeKey returns the durable key of the real-time mirror.
func (c *Config) RealtimeKey() string {
	return c.Store.KeyPrefix + ":" + c.Store.RealtimeSuffix
}

// Validate rejects configurations the engine cannot run with. Every error
// wraps [ErrInvalidConfig].
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	// Funnel
	if len(c.Funnel.Steps) == 0 {
		return fmt.Errorf("%w: Funnel Steps must not be empty", ErrInvalidConfig)
	}
	seen := make(map[Step]struct{}, len(c.Funnel.Steps))
	for _, s := range c.Funnel.Steps {
		if strings.TrimSpace(string(s)) == "" {
			return fmt.Errorf("%w: Funnel Steps must not contain blank names", ErrInvalidConfig)
		}
		if s == StepWorkflow {
			return fmt.Errorf("%w: Funnel Steps must not contain the %q sentinel", ErrInvalidConfig, StepWorkflow)
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("%w: Funnel Steps contains duplicate %q", ErrInvalidConfig, s)
		}
		seen[s] = struct{}{}
	}

	// Store
	if strings.TrimSpace(c.Store.KeyPrefix) == "" {
		return fmt.Errorf("%w: Store KeyPrefix is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Store.RealtimeSuffix) == "" {
		return fmt.Errorf("%w: Store RealtimeSuffix is required", ErrInvalidConfig)
	}
	if isDateLike(c.Store.RealtimeSuffix) {
		return fmt.Errorf("%w: Store RealtimeSuffix must not look like a partition date", ErrInvalidConfig)
	}
	if c.Store.PartitionTTL <= 0 {
		return fmt.Errorf("%w: Store PartitionTTL must be > 0", ErrInvalidConfig)
	}
	if c.Store.RealtimeTTL <= 0 {
		return fmt.Errorf("%w: Store RealtimeTTL must be > 0", ErrInvalidConfig)
	}
	if c.Store.RealtimeMaxEntries <= 0 {
		return fmt.Errorf("%w: Store RealtimeMaxEntries must be > 0", ErrInvalidConfig)
	}
	if c.Store.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: Store ProbeTimeout must be > 0", ErrInvalidConfig)
	}
	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("%w: Store OpTimeout must be > 0", ErrInvalidConfig)
	}

	// Buffer
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("%w: Buffer Capacity must be > 0", ErrInvalidConfig)
	}

	// Analytics
	if c.Analytics.MaxPartitionDays < 0 {
		return fmt.Errorf("%w: Analytics MaxPartitionDays must be >= 0", ErrInvalidConfig)
	}
	if c.Analytics.ReadConcurrency <= 0 {
		return fmt.Errorf("%w: Analytics ReadConcurrency must be > 0", ErrInvalidConfig)
	}

	// Monitor
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("%w: Monitor Window must be > 0", ErrInvalidConfig)
	}
	if c.Monitor.RecentErrorLimit < 0 {
		return fmt.Errorf("%w: Monitor RecentErrorLimit must be >= 0", ErrInvalidConfig)
	}
	if c.Monitor.SlowStepMedium <= 0 || c.Monitor.SlowStepHigh <= 0 {
		return fmt.Errorf("%w: Monitor slow-step thresholds must be > 0", ErrInvalidConfig)
	}
	if c.Monitor.SlowStepHigh < c.Monitor.SlowStepMedium {
		return fmt.Errorf("%w: Monitor SlowStepHigh must be >= SlowStepMedium", ErrInvalidConfig)
	}
	if c.Monitor.ErrorRateMedium < 0 || c.Monitor.ErrorRateMedium > 1 ||
		c.Monitor.ErrorRateHigh < 0 || c.Monitor.ErrorRateHigh > 1 {
		return fmt.Errorf("%w: Monitor error-rate thresholds must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Monitor.ErrorRateHigh < c.Monitor.ErrorRateMedium {
		return fmt.Errorf("%w: Monitor ErrorRateHigh must be >= ErrorRateMedium", ErrInvalidConfig)
	}

	// Timer
	if c.Timer.MaxPending <= 0 {
		return fmt.Errorf("%w: Timer MaxPending must be > 0", ErrInvalidConfig)
	}
	if c.Timer.StaleAfter <= 0 {
		return fmt.Errorf("%w: Timer StaleAfter must be > 0", ErrInvalidConfig)
	}

	// Sink
	if c.Sink.Enabled && c.Sink.BufferSize <= 0 {
		return fmt.Errorf("%w: Sink BufferSize must be > 0 when sink is enabled", ErrInvalidConfig)
	}
	if c.Sink.Enabled && !c.Sink.DropIfFull && c.Sink.EmitTimeout <= 0 {
		return fmt.Errorf("%w: Sink EmitTimeout must be > 0 when DropIfFull is off", ErrInvalidConfig)
	}

	return nil
}

// isDateLike reports whether s has the YYYY-MM-DD shape of a partition
// suffix, which would let the mirror collide with a day partition.
func isDateLike(s string) bool {
	_, err := time.Parse(partitionDateLayout, s)
	return err == nil
}
