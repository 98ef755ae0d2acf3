package funnel

import (
	"context"
	"fmt"
)

// GetRealTimeStatus summarises the local buffer over the last
// Monitor.Window. It never touches the durable store.
func (e *Engine) GetRealTimeStatus(ctx context.Context) *RealTimeStatus {
	if e == nil || e.buffer == nil {
		return &RealTimeStatus{
			CurrentStepDistribution: map[Step]int{},
			RecentErrors:            []RecentError{},
			PerformanceAlerts:       []PerformanceAlert{},
		}
	}
	e.metricInc(MetricRealTimeQuery)

	now := e.now()
	cutoff := now.Add(-e.config.Monitor.Window).UnixMilli()
	windowed := e.buffer.Filter(func(r MetricRecord) bool {
		return r.Timestamp >= cutoff
	})

	status := computeRealTimeStatus(e.config.Funnel.Steps, e.config.Monitor, windowed)
	status.GeneratedAt = now.UTC()
	status.Window = e.config.Monitor.Window
	return status
}

type stepWindowStats struct {
	total, failed int
	durationSum   int64
	durationCount int
}

// computeRealTimeStatus derives the live view from records already limited
// to the window, oldest first.
func computeRealTimeStatus(steps []Step, cfg MonitorConfig, windowed []MetricRecord) *RealTimeStatus {
	status := &RealTimeStatus{
		CurrentStepDistribution: make(map[Step]int),
		RecentErrors:            []RecentError{},
		PerformanceAlerts:       []PerformanceAlert{},
	}

	sessions := make(map[string]struct{})
	current := make(map[string]MetricRecord)
	stats := make(map[Step]*stepWindowStats, len(steps))
	for _, s := range steps {
		stats[s] = &stepWindowStats{}
	}
	var failures []MetricRecord

	for _, r := range windowed {
		sessions[r.SessionID] = struct{}{}

		if r.Action == ActionStepStart {
			if prev, ok := current[r.SessionID]; !ok || r.Timestamp >= prev.Timestamp {
				current[r.SessionID] = r
			}
		}

		if !r.Success && r.ErrorMessage != "" {
			failures = append(failures, r)
		}

		if st, ok := stats[r.Step]; ok {
			st.total++
			if !r.Success {
				st.failed++
			}
			if r.Duration != nil {
				st.durationSum += *r.Duration
				st.durationCount++
			}
		}
	}

	status.ActiveSessions = len(sessions)
	for _, r := range current {
		status.CurrentStepDistribution[r.Step]++
	}

	if limit := cfg.RecentErrorLimit; limit > 0 {
		if len(failures) > limit {
			failures = failures[len(failures)-limit:]
		}
		for _, r := range failures {
			status.RecentErrors = append(status.RecentErrors, RecentError{
				Step:      r.Step,
				Error:     r.ErrorMessage,
				Timestamp: r.Timestamp,
			})
		}
	}

	for _, s := range steps {
		status.PerformanceAlerts = append(status.PerformanceAlerts, stepAlerts(s, stats[s], cfg)...)
	}

	return status
}

func stepAlerts(step Step, st *stepWindowStats, cfg MonitorConfig) []PerformanceAlert {
	var alerts []PerformanceAlert

	if st.durationCount > 0 {
		avg := float64(st.durationSum) / float64(st.durationCount)
		medium := float64(cfg.SlowStepMedium.Milliseconds())
		high := float64(cfg.SlowStepHigh.Milliseconds())

		switch {
		case avg > high:
			alerts = append(alerts, PerformanceAlert{
				Step: step, Kind: AlertSlowStep, Severity: SeverityHigh, Value: avg, Threshold: high,
				Message: fmt.Sprintf("%s averages %.0fms, above %.0fms", step, avg, high),
			})
		case avg > medium:
			alerts = append(alerts, PerformanceAlert{
				Step: step, Kind: AlertSlowStep, Severity: SeverityMedium, Value: avg, Threshold: medium,
				Message: fmt.Sprintf("%s averages %.0fms, above %.0fms", step, avg, medium),
			})
		}
	}

	rate := float64(st.failed) / float64(max(st.total, 1))
	switch {
	case rate > cfg.ErrorRateHigh:
		alerts = append(alerts, PerformanceAlert{
			Step: step, Kind: AlertHighErrorRate, Severity: SeverityHigh, Value: rate, Threshold: cfg.ErrorRateHigh,
			Message: fmt.Sprintf("%s error rate %.1f%%, above %.1f%%", step, rate*100, cfg.ErrorRateHigh*100),
		})
	case rate > cfg.ErrorRateMedium:
		alerts = append(alerts, PerformanceAlert{
			Step: step, Kind: AlertHighErrorRate, Severity: SeverityMedium, Value: rate, Threshold: cfg.ErrorRateMedium,
			Message: fmt.Sprintf("%s error rate %.1f%%, above %.1f%%", step, rate*100, cfg.ErrorRateMedium*100),
		})
	}

	return alerts
}
