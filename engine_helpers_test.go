package funnel

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// testClock is a settable clock shared by the engine and its timer.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.WarnLevel)
	return zap.New(core), logs
}

type engineOptions struct {
	cfg    *Config
	redis  redis.UniversalClient
	clock  *testClock
	logger *zap.Logger
	sink   RecordSink
	timer  Timer
}

func buildTestEngine(t *testing.T, opts engineOptions) *Engine {
	t.Helper()

	cfg := defaultConfig()
	if opts.cfg != nil {
		cfg = *opts.cfg
	}
	cfg.Store.ProbeTimeout = 500 * time.Millisecond
	cfg.Store.OpTimeout = 500 * time.Millisecond

	b := New().WithConfig(cfg)
	if opts.redis != nil {
		b = b.WithRedis(opts.redis)
	}
	if opts.clock != nil {
		b = b.WithClock(opts.clock.Now)
	}
	if opts.logger != nil {
		b = b.WithLogger(opts.logger)
	}
	if opts.sink != nil {
		b = b.WithRecordSink(opts.sink)
	}
	if opts.timer != nil {
		b = b.WithTimer(opts.timer)
	}

	engine, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func ptrInt64(v int64) *int64 {
	return &v
}

func completion(session string, step Step, ts int64, success bool, errMsg string, duration *int64) MetricRecord {
	return MetricRecord{
		UserID:       "u1",
		SessionID:    session,
		Step:         step,
		Action:       ActionStepCompletion,
		Timestamp:    ts,
		Duration:     duration,
		Success:      success,
		ErrorMessage: errMsg,
	}
}
