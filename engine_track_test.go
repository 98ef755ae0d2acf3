package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trackBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestTrackWritesPartitionAndMirror(t *testing.T) {
	mr, rdb := newTestRedis(t)
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{redis: rdb, clock: clock})
	require.True(t, engine.DurableAvailable())

	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, map[string]any{"source": "web"})

	partition, err := mr.List("workflow_metrics:2024-03-01")
	require.NoError(t, err)
	require.Len(t, partition, 1)
	assert.Equal(t, 30*24*time.Hour, mr.TTL("workflow_metrics:2024-03-01"))

	mirror, err := mr.List("workflow_metrics:realtime")
	require.NoError(t, err)
	require.Equal(t, partition, mirror)
	assert.Equal(t, 24*time.Hour, mr.TTL("workflow_metrics:realtime"))

	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(partition[0]), &stored))
	assert.Equal(t, "u1", stored["userId"])
	assert.Equal(t, "s1", stored["sessionId"])
	assert.Equal(t, "brief_intake", stored["workflowStep"])
	assert.Equal(t, "step_start", stored["action"])
	assert.Equal(t, float64(trackBase.UnixMilli()), stored["timestamp"])
	assert.Equal(t, true, stored["success"])
	assert.NotEmpty(t, stored["id"])
	assert.NotContains(t, stored, "duration")
	assert.Equal(t, map[string]any{"source": "web"}, stored["metadata"])

	snap := engine.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Counters[MetricRecordTracked])
	assert.Equal(t, uint64(1), snap.Counters[MetricDurableWriteSuccess])
}

func TestTrackPartitionUsesUTCDate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	local := time.FixedZone("UTC-5", -5*60*60)
	clock := newTestClock(time.Date(2024, 3, 1, 22, 30, 0, 0, local))
	engine := buildTestEngine(t, engineOptions{redis: rdb, clock: clock})

	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, nil)

	assert.True(t, mr.Exists("workflow_metrics:2024-03-02"))
	assert.False(t, mr.Exists("workflow_metrics:2024-03-01"))
}

func TestTrackLocalOnlyKeepsMostRecentRecords(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})
	require.False(t, engine.DurableAvailable())

	ctx := context.Background()
	const n = 10001
	for i := 1; i <= n; i++ {
		engine.TrackStepStart(ctx, "u1", "s"+strconv.Itoa(i), StepBriefIntake, map[string]any{"n": i})
	}

	snap := engine.buffer.Snapshot()
	require.Len(t, snap, 10000)
	assert.Equal(t, 10000, engine.BufferLen())
	assert.Equal(t, "s2", snap[0].SessionID, "record #1 must be evicted")
	assert.Equal(t, "s10001", snap[len(snap)-1].SessionID)
	for i := 1; i < len(snap); i++ {
		require.Equal(t, snap[i-1].Metadata["n"].(int)+1, snap[i].Metadata["n"].(int))
	}
	assert.Equal(t, uint64(1), engine.MetricsSnapshot().Counters[MetricBufferEvicted])
}

func TestTrackNeverPanicsOnStoreErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	logger, logs := newObservedLogger()
	engine := buildTestEngine(t, engineOptions{redis: rdb, logger: logger})
	require.True(t, engine.DurableAvailable())

	mr.SetError("ERR injected failure")

	trackAll(t, engine)

	assert.Equal(t, 5, engine.BufferLen(), "local copy survives durable failures")
	snap := engine.MetricsSnapshot()
	assert.Equal(t, uint64(5), snap.Counters[MetricDurableWriteFailure])
	assert.Equal(t, uint64(5), snap.Counters[MetricMirrorWriteFailure])
	assert.Equal(t, 5, logs.FilterMessage("durable partition write failed").Len())
	assert.Equal(t, 5, logs.FilterMessage("durable mirror write failed").Len())
}

func TestTrackNeverPanicsWhenStoreGoesAway(t *testing.T) {
	mr, rdb := newTestRedis(t)
	engine := buildTestEngine(t, engineOptions{redis: rdb})
	require.True(t, engine.DurableAvailable())

	mr.Close()

	trackAll(t, engine)
	assert.Equal(t, 5, engine.BufferLen())
	assert.Equal(t, uint64(5), engine.MetricsSnapshot().Counters[MetricDurableWriteFailure])
}

func TestTrackStalledStoreReturnsWithinTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var held sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held.Add(1)
			go func() {
				defer held.Done()
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:                  ln.Addr().String(),
		MaxRetries:            -1,
		DialTimeout:           100 * time.Millisecond,
		ReadTimeout:           100 * time.Millisecond,
		WriteTimeout:          100 * time.Millisecond,
		ContextTimeoutEnabled: true,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	engine := buildTestEngine(t, engineOptions{redis: rdb})
	require.False(t, engine.DurableAvailable(), "a silent server fails the probe")

	engine.durable.Store(true)

	started := time.Now()
	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, nil)
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Equal(t, 1, engine.BufferLen())
	assert.Equal(t, uint64(1), engine.MetricsSnapshot().Counters[MetricDurableWriteFailure])
}

func TestBuildWithUnreachableStoreRunsLocalOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	logger, logs := newObservedLogger()
	engine := buildTestEngine(t, engineOptions{redis: rdb, logger: logger})

	assert.False(t, engine.DurableAvailable())
	assert.Equal(t, 1, logs.FilterMessage("durable store unreachable, recording locally only").Len())

	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, nil)
	assert.Equal(t, 1, engine.BufferLen())
	assert.Equal(t, uint64(1), engine.MetricsSnapshot().Counters[MetricDurableSkipped])

	require.NoError(t, mr.Restart())
	require.True(t, engine.Probe(context.Background()))

	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefParsing, nil)
	mirror, err := mr.List("workflow_metrics:realtime")
	require.NoError(t, err)
	assert.Len(t, mirror, 1, "only records committed after a successful probe are mirrored")
}

func TestTrackMalformedInputDoesNotPanic(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := buildTestEngine(t, engineOptions{redis: rdb})

	var nilCtx context.Context
	engine.TrackStepStart(nilCtx, "", "", "", nil)
	engine.TrackStepCompletion(context.Background(), "u1", "s1", StepCopySelection, false, "", map[string]any{"ch": make(chan int)})
	engine.TrackAIOperation(context.Background(), AIOperation{TokensUsed: 10, Cost: math.NaN()})
	engine.TrackWorkflowCompletion(context.Background(), "u1", "s1", -time.Second, nil)

	assert.Equal(t, 4, engine.BufferLen())
	assert.Equal(t, uint64(2), engine.MetricsSnapshot().Counters[MetricDurableWriteFailure],
		"unencodable records stay local")
}

type panickingTimer struct{}

func (panickingTimer) Start(string, string, map[string]any) { panic("timer exploded") }
func (panickingTimer) End(string, string) (time.Duration, bool) { panic("timer exploded") }

func TestTrackRecoversPanics(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{timer: panickingTimer{}})

	assert.NotPanics(t, func() {
		engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, nil)
		engine.TrackStepCompletion(context.Background(), "u1", "s1", StepBriefIntake, true, "", nil)
	})
	assert.Equal(t, uint64(2), engine.MetricsSnapshot().Counters[MetricTrackPanicRecovered])
}

func TestTrackOnNilOrClosedEngineIsNoOp(t *testing.T) {
	var nilEngine *Engine
	assert.NotPanics(t, func() { trackAll(t, nilEngine) })

	engine := buildTestEngine(t, engineOptions{})
	engine.Close()
	trackAll(t, engine)
	assert.Equal(t, 0, engine.BufferLen())
}

func TestStepCompletionCarriesTimerDuration(t *testing.T) {
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{clock: clock})
	ctx := context.Background()

	engine.TrackStepStart(ctx, "u1", "s1", StepBriefParsing, nil)
	clock.Advance(1500 * time.Millisecond)
	engine.TrackStepCompletion(ctx, "u1", "s1", StepBriefParsing, true, "", nil)

	engine.TrackStepCompletion(ctx, "u1", "s1", StepCopyGeneration, false, "no timer", nil)

	snap := engine.buffer.Snapshot()
	require.Len(t, snap, 3)
	require.NotNil(t, snap[1].Duration)
	assert.Equal(t, int64(1500), *snap[1].Duration)
	assert.True(t, snap[1].Success)
	assert.Nil(t, snap[2].Duration, "completion without a running timer has no duration")
	assert.Equal(t, "no timer", snap[2].ErrorMessage)
	assert.Equal(t, uint64(1), engine.MetricsSnapshot().Counters[MetricTimerMissing])
}

func TestTimerKeyedBySession(t *testing.T) {
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{clock: clock})
	ctx := context.Background()

	engine.TrackStepStart(ctx, "u1", "s1", StepAssetSelection, nil)
	clock.Advance(10 * time.Second)
	engine.TrackStepStart(ctx, "u1", "s2", StepAssetSelection, nil)
	clock.Advance(10 * time.Second)
	engine.TrackStepCompletion(ctx, "u1", "s1", StepAssetSelection, true, "", nil)
	engine.TrackStepCompletion(ctx, "u1", "s2", StepAssetSelection, true, "", nil)

	snap := engine.buffer.Snapshot()
	require.NotNil(t, snap[2].Duration)
	require.NotNil(t, snap[3].Duration)
	assert.Equal(t, int64(20000), *snap[2].Duration)
	assert.Equal(t, int64(10000), *snap[3].Duration)
}

// With user-only timer keys, a second session of the same user on the same
// step overwrites the first session's start time. This is a known
// limitation of the legacy keying.
func TestTimerLegacyKeyingClobbersConcurrentSessions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Timer.SessionScoped = false
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{cfg: &cfg, clock: clock})
	ctx := context.Background()

	engine.TrackStepStart(ctx, "u1", "s1", StepAssetSelection, nil)
	clock.Advance(10 * time.Second)
	engine.TrackStepStart(ctx, "u1", "s2", StepAssetSelection, nil)
	clock.Advance(10 * time.Second)
	engine.TrackStepCompletion(ctx, "u1", "s1", StepAssetSelection, true, "", nil)
	engine.TrackStepCompletion(ctx, "u1", "s2", StepAssetSelection, true, "", nil)

	snap := engine.buffer.Snapshot()
	require.NotNil(t, snap[2].Duration)
	assert.Equal(t, int64(10000), *snap[2].Duration, "s1 measured from s2's start")
	assert.Nil(t, snap[3].Duration, "s2's timer was consumed by s1")
}

func TestTrackWorkflowAbandonmentRecord(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})
	engine.TrackWorkflowAbandonment(context.Background(), "u1", "s1", StepCopySelection, "user left")

	snap := engine.buffer.Snapshot()
	require.Len(t, snap, 1)
	r := snap[0]
	assert.Equal(t, StepWorkflow, r.Step)
	assert.Equal(t, ActionWorkflowAbandoned, r.Action)
	assert.False(t, r.Success)
	assert.Equal(t, "user left", r.ErrorMessage)
	assert.Equal(t, string(StepCopySelection), r.Metadata[MetaAbandonmentPoint])
}

func TestTrackWorkflowCompletionRecord(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})
	engine.TrackWorkflowCompletion(context.Background(), "u1", "s1", 95*time.Second, map[string]any{"assets": 4})

	r := engine.buffer.Snapshot()[0]
	assert.Equal(t, StepWorkflow, r.Step)
	assert.Equal(t, ActionWorkflowCompletion, r.Action)
	assert.True(t, r.Success)
	require.NotNil(t, r.Duration)
	assert.Equal(t, int64(95000), *r.Duration)
	assert.Equal(t, 4, r.Metadata["assets"])
}

func TestTrackAIOperationRecord(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})
	ctx := context.Background()

	engine.TrackAIOperation(ctx, AIOperation{
		UserID:     "u1",
		SessionID:  "s1",
		Operation:  "motivation_generation",
		Service:    "openai",
		Model:      "gpt-4o",
		TokensUsed: 1000,
		Cost:       0.02,
		Duration:   2 * time.Second,
		Success:    true,
	})
	engine.TrackAIOperation(ctx, AIOperation{
		UserID:       "u1",
		SessionID:    "s1",
		Operation:    "copy_generation",
		Service:      "anthropic",
		Model:        "claude",
		TokensUsed:   0,
		Cost:         0.01,
		Success:      false,
		ErrorMessage: "rate limited",
	})

	snap := engine.buffer.Snapshot()
	require.Len(t, snap, 2)

	first := snap[0]
	assert.Equal(t, ActionAIOperation, first.Action)
	assert.Equal(t, Step("motivation_generation"), first.Step)
	require.NotNil(t, first.Duration)
	assert.Equal(t, int64(2000), *first.Duration)
	assert.Equal(t, "openai", first.Metadata[MetaService])
	assert.Equal(t, "gpt-4o", first.Metadata[MetaModel])
	assert.Equal(t, 1000, first.Metadata[MetaTokensUsed])
	assert.InDelta(t, 0.00002, first.Metadata[MetaCostPerToken].(float64), 1e-12)

	second := snap[1]
	assert.False(t, second.Success)
	assert.Equal(t, "rate limited", second.ErrorMessage)
	assert.NotContains(t, second.Metadata, MetaCostPerToken, "no cost per token without tokens")
}

func TestTrackMergesContextMetadata(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})

	ctx := WithRecordMetadata(context.Background(), map[string]any{"tenant": "acme", "source": "ctx"})
	engine.TrackStepStart(ctx, "u1", "s1", StepBriefIntake, map[string]any{"source": "call"})
	engine.TrackWorkflowAbandonment(ctx, "u1", "s1", StepBriefIntake, "")

	snap := engine.buffer.Snapshot()
	assert.Equal(t, map[string]any{"tenant": "acme", "source": "call"}, snap[0].Metadata)
	assert.Equal(t, "acme", snap[1].Metadata["tenant"])
	assert.Equal(t, string(StepBriefIntake), snap[1].Metadata[MetaAbandonmentPoint])
}

func TestTrackCopiesCallerMetadata(t *testing.T) {
	engine := buildTestEngine(t, engineOptions{})

	md := map[string]any{"k": "v"}
	engine.TrackStepStart(context.Background(), "u1", "s1", StepBriefIntake, md)
	md["k"] = "changed"

	assert.Equal(t, "v", engine.buffer.Snapshot()[0].Metadata["k"])
}

func TestTrackTimestampsNeverDecrease(t *testing.T) {
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{clock: clock})
	ctx := context.Background()

	engine.TrackStepStart(ctx, "u1", "s1", StepBriefIntake, nil)
	clock.Advance(-time.Minute)
	engine.TrackStepStart(ctx, "u1", "s1", StepBriefParsing, nil)
	clock.Advance(2 * time.Minute)
	engine.TrackStepStart(ctx, "u1", "s1", StepMotivationGeneration, nil)

	snap := engine.buffer.Snapshot()
	assert.Equal(t, trackBase.UnixMilli(), snap[0].Timestamp)
	assert.Equal(t, trackBase.UnixMilli(), snap[1].Timestamp)
	assert.Equal(t, trackBase.Add(time.Minute).UnixMilli(), snap[2].Timestamp)
}

func TestTrackConcurrentCallsAreAllBuffered(t *testing.T) {
	_, rdb := newTestRedis(t)
	engine := buildTestEngine(t, engineOptions{redis: rdb})
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			session := "s" + strconv.Itoa(g)
			for i := 0; i < 25; i++ {
				engine.TrackStepStart(ctx, "u1", session, StepBriefIntake, nil)
				engine.TrackStepCompletion(ctx, "u1", session, StepBriefIntake, true, "", nil)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400, engine.BufferLen())
	assert.Equal(t, uint64(400), engine.MetricsSnapshot().Counters[MetricDurableWriteSuccess])
}

func TestRecentDurable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	clock := newTestClock(trackBase)
	engine := buildTestEngine(t, engineOptions{redis: rdb, clock: clock})
	ctx := context.Background()

	for _, step := range []Step{StepBriefIntake, StepBriefParsing, StepMotivationGeneration} {
		engine.TrackStepStart(ctx, "u1", "s1", step, nil)
		clock.Advance(time.Second)
	}
	_, err := mr.Lpush("workflow_metrics:realtime", "{not json")
	require.NoError(t, err)

	recent, err := engine.RecentDurable(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 2, "the malformed head entry is skipped")
	assert.Equal(t, StepMotivationGeneration, recent[0].Step)
	assert.Equal(t, StepBriefParsing, recent[1].Step)
	assert.Equal(t, uint64(1), engine.MetricsSnapshot().Counters[MetricRecordDecodeFailure])

	local := buildTestEngine(t, engineOptions{})
	_, err = local.RecentDurable(ctx, 10)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestBuilderSingleUseAndValidation(t *testing.T) {
	b := New()
	engine, err := b.Build()
	require.NoError(t, err)
	defer engine.Close()

	_, err = b.Build()
	assert.ErrorIs(t, err, ErrBuilderUsed)

	cfg := defaultConfig()
	cfg.Buffer.Capacity = 0
	_, err = New().WithConfig(cfg).Build()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func trackAll(t *testing.T, engine *Engine) {
	t.Helper()
	ctx := context.Background()

	engine.TrackStepStart(ctx, "u1", "s1", StepBriefIntake, nil)
	engine.TrackStepCompletion(ctx, "u1", "s1", StepBriefIntake, false, "boom", nil)
	engine.TrackWorkflowAbandonment(ctx, "u1", "s1", StepBriefIntake, "gave up")
	engine.TrackWorkflowCompletion(ctx, "u1", "s1", time.Minute, nil)
	engine.TrackAIOperation(ctx, AIOperation{UserID: "u1", SessionID: "s1", Operation: "brief_parsing", TokensUsed: 5, Cost: 0.5})
}
