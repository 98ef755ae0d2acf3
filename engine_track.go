package funnel

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// partitionDateLayout formats the UTC day suffix of a partition key.
const partitionDateLayout = "2006-01-02"

// Metadata keys written by the tracking operations.
const (
	MetaAbandonmentPoint = "abandonmentPoint"
	MetaService          = "service"
	MetaModel            = "model"
	MetaTokensUsed       = "tokensUsed"
	MetaCost             = "cost"
	MetaCostPerToken     = "costPerToken"
)

// TrackStepStart records that a session entered step and starts the step
// timer. It never fails; durable-store problems are logged and counted.
func (e *Engine) TrackStepStart(ctx context.Context, userID, sessionID string, step Step, metadata map[string]any) {
	if !e.trackable() {
		return
	}
	defer e.recoverTrack(ActionStepStart)
	ctx = normalizeContext(ctx)

	e.timer.Start(string(step), e.timerScope(userID, sessionID), metadata)

	e.commit(ctx, MetricRecord{
		UserID:    userID,
		SessionID: sessionID,
		Step:      step,
		Action:    ActionStepStart,
		Success:   true,
		Metadata:  metadata,
	})
}

// TrackStepCompletion stops the step timer and records the outcome. The
// record carries a duration only when a timer was running.
func (e *Engine) TrackStepCompletion(ctx context.Context, userID, sessionID string, step Step, success bool, errorMessage string, metadata map[string]any) {
	if !e.trackable() {
		return
	}
	defer e.recoverTrack(ActionStepCompletion)
	ctx = normalizeContext(ctx)

	var duration *int64
	if d, ok := e.timer.End(string(step), e.timerScope(userID, sessionID)); ok {
		ms := d.Milliseconds()
		duration = &ms
	} else {
		e.metricInc(MetricTimerMissing)
	}

	e.commit(ctx, MetricRecord{
		UserID:       userID,
		SessionID:    sessionID,
		Step:         step,
		Action:       ActionStepCompletion,
		Duration:     duration,
		Success:      success,
		ErrorMessage: errorMessage,
		Metadata:     metadata,
	})
}

// TrackWorkflowAbandonment records that a session left the funnel at
// lastStep.
func (e *Engine) TrackWorkflowAbandonment(ctx context.Context, userID, sessionID string, lastStep Step, reason string) {
	if !e.trackable() {
		return
	}
	defer e.recoverTrack(ActionWorkflowAbandoned)
	ctx = normalizeContext(ctx)

	e.commit(ctx, MetricRecord{
		UserID:       userID,
		SessionID:    sessionID,
		Step:         StepWorkflow,
		Action:       ActionWorkflowAbandoned,
		Success:      false,
		ErrorMessage: reason,
		Metadata:     map[string]any{MetaAbandonmentPoint: string(lastStep)},
	})
}

// TrackWorkflowCompletion records a finished workflow and its total
// duration.
func (e *Engine) TrackWorkflowCompletion(ctx context.Context, userID, sessionID string, totalDuration time.Duration, metadata map[string]any) {
	if !e.trackable() {
		return
	}
	defer e.recoverTrack(ActionWorkflowCompletion)
	ctx = normalizeContext(ctx)

	ms := totalDuration.Milliseconds()
	e.commit(ctx, MetricRecord{
		UserID:    userID,
		SessionID: sessionID,
		Step:      StepWorkflow,
		Action:    ActionWorkflowCompletion,
		Duration:  &ms,
		Success:   true,
		Metadata:  metadata,
	})
}

// TrackAIOperation records one AI service call. costPerToken is only set
// when tokens were used.
func (e *Engine) TrackAIOperation(ctx context.Context, op AIOperation) {
	if !e.trackable() {
		return
	}
	defer e.recoverTrack(ActionAIOperation)
	ctx = normalizeContext(ctx)

	metadata := map[string]any{
		MetaService:    op.Service,
		MetaModel:      op.Model,
		MetaTokensUsed: op.TokensUsed,
		MetaCost:       op.Cost,
	}
	if op.TokensUsed > 0 {
		metadata[MetaCostPerToken] = op.Cost / float64(op.TokensUsed)
	}

	ms := op.Duration.Milliseconds()
	e.commit(ctx, MetricRecord{
		UserID:       op.UserID,
		SessionID:    op.SessionID,
		Step:         Step(op.Operation),
		Action:       ActionAIOperation,
		Duration:     &ms,
		Success:      op.Success,
		ErrorMessage: op.ErrorMessage,
		Metadata:     metadata,
	})
}

// commit stamps r and stores it: local buffer first, then the day
// partition and the real-time mirror, then the record sink.
func (e *Engine) commit(ctx context.Context, r MetricRecord) {
	started := time.Now()

	r.ID = e.newID()
	r.Timestamp = e.nextTimestamp()
	r.Metadata = mergeMetadata(recordMetadataFromContext(ctx), r.Metadata)

	if _, evicted := e.buffer.Push(r); evicted {
		e.metricInc(MetricBufferEvicted)
	}
	e.metricInc(MetricRecordTracked)

	if e.store != nil {
		if e.durable.Load() {
			e.persist(ctx, r)
		} else {
			e.metricInc(MetricDurableSkipped)
		}
	}

	e.emitToSink(ctx, r)
	e.metrics.Observe(MetricCommitLatency, time.Since(started))
}

// emitToSink queues r for the record sink. A blocking queue waits at most
// Sink.EmitTimeout regardless of the caller's context.
func (e *Engine) emitToSink(ctx context.Context, r MetricRecord) {
	if e.sink == nil {
		return
	}
	if e.config.Sink.DropIfFull {
		e.sink.Emit(ctx, r)
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Sink.EmitTimeout)
	defer cancel()
	e.sink.Emit(sctx, r)
}

// persist writes r to its day partition and to the mirror. The two writes
// are independent: a failed partition write does not skip the mirror.
func (e *Engine) persist(ctx context.Context, r MetricRecord) {
	payload, err := encodeRecord(r)
	if err != nil {
		e.metricInc(MetricDurableWriteFailure)
		e.logger.Warn("metric record not encodable, kept locally only",
			zap.String("action", string(r.Action)),
			zap.Error(err))
		return
	}

	base := context.WithoutCancel(ctx)
	day := r.Time().Format(partitionDateLayout)

	pctx, cancel := context.WithTimeout(base, e.config.Store.OpTimeout)
	err = e.store.AppendPartition(pctx, day, payload, e.config.Store.PartitionTTL)
	cancel()
	if err != nil {
		e.metricInc(MetricDurableWriteFailure)
		e.logger.Warn("durable partition write failed",
			zap.String("key", e.store.PartitionKey(day)),
			zap.Error(err))
	} else {
		e.metricInc(MetricDurableWriteSuccess)
	}

	mctx, cancel := context.WithTimeout(base, e.config.Store.OpTimeout)
	err = e.store.PushMirror(mctx, payload, e.config.Store.RealtimeTTL, e.config.Store.RealtimeMaxEntries)
	cancel()
	if err != nil {
		e.metricInc(MetricMirrorWriteFailure)
		e.logger.Warn("durable mirror write failed",
			zap.String("key", e.store.MirrorKey()),
			zap.Error(err))
	}
}

// nextTimestamp returns the clock in milliseconds, never lower than the
// previous stamp.
func (e *Engine) nextTimestamp() int64 {
	now := e.now().UnixMilli()
	for {
		last := e.lastTS.Load()
		if now <= last {
			return last
		}
		if e.lastTS.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (e *Engine) trackable() bool {
	return e != nil && e.buffer != nil && !e.closed.Load()
}

func (e *Engine) timerScope(userID, sessionID string) string {
	return timerScope(userID, sessionID, e.config.Timer.SessionScoped)
}

func (e *Engine) recoverTrack(action Action) {
	if r := recover(); r != nil {
		e.metricInc(MetricTrackPanicRecovered)
		e.logger.Error("recovered panic in tracking call",
			zap.String("action", string(action)),
			zap.Any("panic", r))
	}
}

func normalizeContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
