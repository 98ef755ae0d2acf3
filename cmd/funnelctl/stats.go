package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

// reportOrder is the order actions are printed in.
var reportOrder = []funnel.Action{
	funnel.ActionStepStart,
	funnel.ActionStepCompletion,
	funnel.ActionAIOperation,
	funnel.ActionWorkflowCompletion,
	funnel.ActionWorkflowAbandoned,
}

// latencyRecorder collects tracking-call latencies per action. Each worker
// owns one; results are merged once the workers finish.
type latencyRecorder struct {
	samples  map[funnel.Action][]time.Duration
	failures map[funnel.Action]int64
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		samples:  make(map[funnel.Action][]time.Duration),
		failures: make(map[funnel.Action]int64),
	}
}

// track times fn as one call of action. failed marks the tracked outcome,
// not the call itself.
func (l *latencyRecorder) track(action funnel.Action, failed bool, fn func()) {
	t0 := time.Now()
	fn()
	l.samples[action] = append(l.samples[action], time.Since(t0))
	if failed {
		l.failures[action]++
	}
}

func (l *latencyRecorder) merge(other *latencyRecorder) {
	for action, s := range other.samples {
		l.samples[action] = append(l.samples[action], s...)
	}
	for action, n := range other.failures {
		l.failures[action] += n
	}
}

func (l *latencyRecorder) ops() int {
	n := 0
	for _, s := range l.samples {
		n += len(s)
	}
	return n
}

type actionStats struct {
	action   funnel.Action
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	max      time.Duration
}

// stats sorts the collected samples and summarizes every action that was
// called at least once.
func (l *latencyRecorder) stats() []actionStats {
	var out []actionStats
	for _, action := range reportOrder {
		samples := l.samples[action]
		if len(samples) == 0 {
			continue
		}
		slices.Sort(samples)
		out = append(out, actionStats{
			action:   action,
			ops:      len(samples),
			failures: l.failures[action],
			p50:      percentile(samples, 50),
			p95:      percentile(samples, 95),
			p99:      percentile(samples, 99),
			max:      samples[len(samples)-1],
		})
	}
	return out
}

// percentile expects sorted samples.
func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(out io.Writer, total time.Duration, l *latencyRecorder) {
	ops := l.ops()
	opsPerS := 0.0
	if total > 0 {
		opsPerS = float64(ops) / total.Seconds()
	}
	fmt.Fprintf(out, "track: ops=%d total=%s ops/sec=%.0f\n", ops, total.Round(time.Millisecond), opsPerS)

	for _, s := range l.stats() {
		fmt.Fprintf(out, "  %s: ops=%d failures=%d p50=%s p95=%s p99=%s max=%s\n",
			s.action,
			s.ops,
			s.failures,
			s.p50.Round(time.Microsecond),
			s.p95.Round(time.Microsecond),
			s.p99.Round(time.Microsecond),
			s.max.Round(time.Microsecond),
		)
	}
}
