package funnel

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tom2tomtomtom/airflow-sub008/internal/dispatch"
	"github.com/tom2tomtomtom/airflow-sub008/internal/ring"
	"github.com/tom2tomtomtom/airflow-sub008/internal/stores"
)

// Builder assembles an [Engine]. A Builder is single-use: configure it,
// call Build once, and discard it.
//
//	engine, err := funnel.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithLogger(logger).
//		Build()
type Builder struct {
	config Config
	redis  redis.UniversalClient
	logger *zap.Logger
	timer  Timer
	clock  Clock
	sink   RecordSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The config is cloned.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the durable store client. Without one the engine runs in
// local-only mode.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLogger sets the structured logger. Nil means no logging.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTimer replaces the default in-memory step timer.
func (b *Builder) WithTimer(t Timer) *Builder {
	b.timer = t
	return b
}

// WithClock replaces time.Now for record timestamps, timers and the
// real-time window.
func (b *Builder) WithClock(c Clock) *Builder {
	b.clock = c
	return b
}

// WithRecordSink forwards every committed record to sink. Delivery is
// asynchronous and only active when Sink.Enabled is set.
func (b *Builder) WithRecordSink(sink RecordSink) *Builder {
	b.sink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration, probes the durable store once and
// returns a ready engine. An unreachable store is not an error: the engine
// logs a warning and keeps records locally only.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "funnel"))

	clock := b.clock
	if clock == nil {
		clock = defaultClock
	}

	timer := b.timer
	if timer == nil {
		timer = NewMemoryTimer(clock, cfg.Timer.MaxPending, cfg.Timer.StaleAfter)
	}

	engine := &Engine{
		config:  cfg,
		logger:  logger,
		buffer:  ring.New[MetricRecord](cfg.Buffer.Capacity),
		timer:   timer,
		clock:   clock,
		metrics: NewMetrics(cfg.Metrics),
		newID:   uuid.NewString,
	}

	if b.sink != nil {
		engine.sink = dispatch.New[MetricRecord](dispatch.Config{
			Enabled:    cfg.Sink.Enabled,
			BufferSize: cfg.Sink.BufferSize,
			DropIfFull: cfg.Sink.DropIfFull,
		}, b.sink)
	}

	if b.redis != nil {
		engine.store = stores.NewMetricLogStore(b.redis, cfg.Store.KeyPrefix, cfg.Store.RealtimeSuffix)
		if engine.Probe(context.Background()) {
			logger.Info("durable store reachable",
				zap.String("prefix", cfg.Store.KeyPrefix))
		}
	} else {
		logger.Warn("no durable store configured, recording locally only")
	}

	b.built = true

	return engine, nil
}
