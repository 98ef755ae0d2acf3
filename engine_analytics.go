package funnel

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GetWorkflowAnalytics aggregates the records of [start, end] into funnel
// analytics. userID == "" means every user.
//
// Durable partitions are read for every UTC day the range touches, newest
// Analytics.MaxPartitionDays days only when that is set. Durable and local
// records go through the same range and user filter. A failed partition
// read drops that day's durable contribution and is logged. The only
// errors are [ErrInvalidDateRange] and [ErrEngineNotReady].
func (e *Engine) GetWorkflowAnalytics(ctx context.Context, start, end time.Time, userID string) (*FunnelAnalytics, error) {
	if e == nil || e.buffer == nil || e.closed.Load() {
		return nil, ErrEngineNotReady
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end %s is before start %s",
			ErrInvalidDateRange, end.UTC().Format(time.RFC3339), start.UTC().Format(time.RFC3339))
	}

	e.metricInc(MetricAnalyticsQuery)
	ctx = normalizeContext(ctx)

	match := rangeFilter(start, end, userID)

	durable := e.DurableAvailable()
	var records []MetricRecord
	if durable {
		days := partitionDays(start, end)
		if limit := e.config.Analytics.MaxPartitionDays; limit > 0 && len(days) > limit {
			days = days[len(days)-limit:]
		}
		records = e.readPartitions(ctx, days, match)
	}
	records = append(records, e.buffer.Filter(match)...)

	if e.config.Analytics.Deduplicate {
		records = dedupeRecords(records)
	}
	slices.SortStableFunc(records, func(a, b MetricRecord) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})

	out := computeFunnelAnalytics(e.config.Funnel.Steps, records)
	out.Range = TimeRange{Start: start.UTC(), End: end.UTC()}
	out.DurableAvailable = durable
	return out, nil
}

// rangeFilter matches records stamped within [start, end] and, when userID
// is set, owned by that user.
func rangeFilter(start, end time.Time, userID string) func(MetricRecord) bool {
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	return func(r MetricRecord) bool {
		return r.Timestamp >= startMs && r.Timestamp <= endMs &&
			(userID == "" || r.UserID == userID)
	}
}

// readPartitions reads the given days concurrently and returns the records
// accepted by match, in day order.
func (e *Engine) readPartitions(ctx context.Context, days []string, match func(MetricRecord) bool) []MetricRecord {
	perDay := make([][]MetricRecord, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Analytics.ReadConcurrency)

	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, e.config.Store.OpTimeout)
			defer cancel()

			entries, err := e.store.ReadPartition(rctx, day)
			if err != nil {
				e.metricInc(MetricPartitionReadFailure)
				e.logger.Warn("durable partition read failed",
					zap.String("key", e.store.PartitionKey(day)),
					zap.Error(err))
				return nil
			}

			decoded := e.decodeEntries(entries, e.store.PartitionKey(day))
			perDay[i] = slices.DeleteFunc(decoded, func(r MetricRecord) bool {
				return !match(r)
			})
			return nil
		})
	}
	_ = g.Wait()

	var out []MetricRecord
	for _, recs := range perDay {
		out = append(out, recs...)
	}
	return out
}

// partitionDays lists the UTC dates touched by [start, end], inclusive.
func partitionDays(start, end time.Time) []string {
	first := utcDay(start)
	last := utcDay(end)

	var days []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(partitionDateLayout))
	}
	return days
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// dedupeRecords keeps the first occurrence of every record ID. Records
// without an ID are always kept.
func dedupeRecords(records []MetricRecord) []MetricRecord {
	seen := make(map[string]struct{}, len(records))
	out := records[:0]
	for _, r := range records {
		if r.ID != "" {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}

type sessionSpan struct {
	min, max int64
}

// computeFunnelAnalytics derives analytics from records already filtered
// and sorted by timestamp.
func computeFunnelAnalytics(steps []Step, records []MetricRecord) *FunnelAnalytics {
	out := &FunnelAnalytics{
		StepMetrics:       make(map[Step]*StepMetrics, len(steps)),
		UserJourney:       make([]JourneyStep, 0, len(steps)),
		AbandonmentPoints: make(map[Step]int),
		AIUsage:           AIUsage{ByModel: make(map[string]*ModelUsage)},
		RecordCount:       len(records),
	}

	durations := make(map[Step][]int64, len(steps))
	for _, s := range steps {
		out.StepMetrics[s] = &StepMetrics{CommonErrors: make(map[string]int)}
	}

	sessions := make(map[string]*sessionSpan)
	completed := make(map[string]struct{})

	for _, r := range records {
		if span, ok := sessions[r.SessionID]; ok {
			span.min = min(span.min, r.Timestamp)
			span.max = max(span.max, r.Timestamp)
		} else {
			sessions[r.SessionID] = &sessionSpan{min: r.Timestamp, max: r.Timestamp}
		}

		switch r.Action {
		case ActionWorkflowCompletion:
			completed[r.SessionID] = struct{}{}

		case ActionStepCompletion:
			sm, ok := out.StepMetrics[r.Step]
			if !ok {
				continue
			}
			sm.TotalAttempts++
			if r.Success {
				sm.SuccessfulCompletions++
				if r.Duration != nil {
					durations[r.Step] = append(durations[r.Step], *r.Duration)
				}
			} else if r.ErrorMessage != "" {
				sm.CommonErrors[r.ErrorMessage]++
			}

		case ActionWorkflowAbandoned:
			if point, ok := r.Metadata[MetaAbandonmentPoint].(string); ok && point != "" {
				out.AbandonmentPoints[Step(point)]++
			}

		case ActionAIOperation:
			addAIUsage(&out.AIUsage, r)
		}
	}

	for s, sm := range out.StepMetrics {
		if sm.TotalAttempts > 0 {
			sm.ErrorRate = float64(sm.TotalAttempts-sm.SuccessfulCompletions) / float64(sm.TotalAttempts)
		}
		sm.AverageDuration = meanInt64(durations[s])
	}

	for i, s := range steps {
		prior := len(sessions)
		if i > 0 {
			prior = out.StepMetrics[steps[i-1]].TotalAttempts
		}
		var dropOff float64
		if prior > 0 {
			dropOff = 1 - float64(out.StepMetrics[s].TotalAttempts)/float64(prior)
		}
		out.UserJourney = append(out.UserJourney, JourneyStep{
			Step:             s,
			DropOffRate:      dropOff,
			AverageTimeSpent: out.StepMetrics[s].AverageDuration,
		})
	}

	out.TotalSessions = len(sessions)
	out.CompletedWorkflows = len(completed)
	if out.TotalSessions > 0 {
		out.CompletionRate = float64(out.CompletedWorkflows) / float64(out.TotalSessions)

		var total int64
		for _, span := range sessions {
			total += span.max - span.min
		}
		out.AverageSessionDuration = float64(total) / float64(len(sessions))
	}

	return out
}

func addAIUsage(u *AIUsage, r MetricRecord) {
	u.Operations++
	if !r.Success {
		u.Failures++
	}

	tokens := int64(metadataNumber(r.Metadata, MetaTokensUsed))
	cost := metadataNumber(r.Metadata, MetaCost)
	u.TotalTokens += tokens
	u.TotalCost += cost

	key := modelKey(r.Metadata)
	mu, ok := u.ByModel[key]
	if !ok {
		mu = &ModelUsage{}
		u.ByModel[key] = mu
	}
	mu.Operations++
	mu.Tokens += tokens
	mu.Cost += cost
}

func modelKey(md map[string]any) string {
	service, _ := md[MetaService].(string)
	model, _ := md[MetaModel].(string)
	switch {
	case service == "" && model == "":
		return "unknown"
	case service == "":
		return model
	case model == "":
		return service
	default:
		return service + "/" + model
	}
}

// metadataNumber reads a numeric metadata value. Values decoded from the
// durable store are float64; values from the local buffer keep their Go
// type.
func metadataNumber(md map[string]any, key string) float64 {
	switch v := md[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return 0
	}
}

func meanInt64(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}
