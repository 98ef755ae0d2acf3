package funnel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LintSeverity grades a [LintWarning].
type LintSeverity int

const (
	// LintInfo marks a value worth knowing about.
	LintInfo LintSeverity = iota
	// LintWarn marks a value that degrades analytics quality.
	LintWarn
	// LintHigh marks a value that silently loses or distorts data.
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is one advisory finding produced by [Config.Lint].
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered list of findings for one config.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, 0, len(r))
	for _, w := range r {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins warnings at or above min into one error, or returns nil.
func (r LintResult) AsError(min LintSeverity) error {
	filtered := r.BySeverity(min)
	if len(filtered) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(filtered))
	for _, w := range filtered {
		msgs = append(msgs, fmt.Sprintf("[%s] %s: %s", w.Severity, w.Code, w.Message))
	}
	return errors.New("config lint: " + strings.Join(msgs, "; "))
}

// Lint reports valid-but-questionable settings. It never fails; callers
// decide which severities to act on with [LintResult.AsError].
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, format string, args ...any) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if c.Buffer.Capacity < c.Store.RealtimeMaxEntries {
		add("buffer_smaller_than_mirror", LintWarn,
			"local buffer (%d) holds fewer records than the durable mirror (%d)",
			c.Buffer.Capacity, c.Store.RealtimeMaxEntries)
	}
	if c.Store.PartitionTTL < 24*time.Hour {
		add("partition_ttl_short", LintHigh,
			"partitions expire after %s, before their day is over", c.Store.PartitionTTL)
	}
	if ttlDays := int(c.Store.PartitionTTL / (24 * time.Hour)); c.Analytics.MaxPartitionDays > ttlDays+1 {
		add("analytics_partitions_exceed_ttl", LintInfo,
			"MaxPartitionDays (%d) exceeds partition retention (%d days)", c.Analytics.MaxPartitionDays, ttlDays)
	}
	if !c.Analytics.Deduplicate {
		add("dedupe_disabled", LintHigh, "records present durably and locally are counted twice")
	}
	if !c.Timer.SessionScoped {
		add("timer_not_session_scoped", LintWarn,
			"concurrent sessions of one user on one step overwrite each other's start time")
	}
	if c.Store.OpTimeout > 5*time.Second {
		add("store_op_timeout_long", LintWarn, "a stalled store call blocks a tracking call for up to %s", c.Store.OpTimeout)
	}
	if c.Sink.Enabled && !c.Sink.DropIfFull {
		add("sink_blocking", LintWarn, "a slow record sink delays tracking calls by up to %s", c.Sink.EmitTimeout)
	}
	if !c.Metrics.Enabled {
		add("metrics_disabled", LintInfo, "engine self-observability counters are off")
	}

	return ws
}
