package funnel

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix is used by [LoadConfig] when no prefix is given.
const DefaultEnvPrefix = "FUNNEL"

// LoadConfig builds a Config from defaults, an optional YAML/JSON/TOML file
// and environment overrides, in that order, then validates it.
//
// A missing file is not an error. Environment keys are the upper-cased
// mapstructure path joined by underscores, for example
// FUNNEL_STORE_KEY_PREFIX or FUNNEL_MONITOR_WINDOW=30m. Funnel steps may be
// overridden with a comma-separated FUNNEL_FUNNEL_STEPS.
func LoadConfig(path, envPrefix string) (Config, error) {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	v := viper.New()
	setConfigDefaults(v, defaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setConfigDefaults(v *viper.Viper, cfg Config) {
	steps := make([]string, 0, len(cfg.Funnel.Steps))
	for _, s := range cfg.Funnel.Steps {
		steps = append(steps, string(s))
	}
	v.SetDefault("funnel.steps", steps)

	v.SetDefault("store.key_prefix", cfg.Store.KeyPrefix)
	v.SetDefault("store.realtime_suffix", cfg.Store.RealtimeSuffix)
	v.SetDefault("store.partition_ttl", cfg.Store.PartitionTTL)
	v.SetDefault("store.realtime_ttl", cfg.Store.RealtimeTTL)
	v.SetDefault("store.realtime_max_entries", cfg.Store.RealtimeMaxEntries)
	v.SetDefault("store.probe_timeout", cfg.Store.ProbeTimeout)
	v.SetDefault("store.op_timeout", cfg.Store.OpTimeout)

	v.SetDefault("buffer.capacity", cfg.Buffer.Capacity)

	v.SetDefault("analytics.max_partition_days", cfg.Analytics.MaxPartitionDays)
	v.SetDefault("analytics.read_concurrency", cfg.Analytics.ReadConcurrency)
	v.SetDefault("analytics.deduplicate", cfg.Analytics.Deduplicate)

	v.SetDefault("monitor.window", cfg.Monitor.Window)
	v.SetDefault("monitor.recent_error_limit", cfg.Monitor.RecentErrorLimit)
	v.SetDefault("monitor.slow_step_medium", cfg.Monitor.SlowStepMedium)
	v.SetDefault("monitor.slow_step_high", cfg.Monitor.SlowStepHigh)
	v.SetDefault("monitor.error_rate_medium", cfg.Monitor.ErrorRateMedium)
	v.SetDefault("monitor.error_rate_high", cfg.Monitor.ErrorRateHigh)

	v.SetDefault("timer.session_scoped", cfg.Timer.SessionScoped)
	v.SetDefault("timer.max_pending", cfg.Timer.MaxPending)
	v.SetDefault("timer.stale_after", cfg.Timer.StaleAfter)

	v.SetDefault("sink.enabled", cfg.Sink.Enabled)
	v.SetDefault("sink.buffer_size", cfg.Sink.BufferSize)
	v.SetDefault("sink.drop_if_full", cfg.Sink.DropIfFull)
	v.SetDefault("sink.emit_timeout", cfg.Sink.EmitTimeout)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.enable_latency_histograms", cfg.Metrics.EnableLatencyHistograms)
}
