package funnel

import (
	"context"
	"time"
)

// Step names one stage of the workflow funnel.
type Step string

const (
	// StepBriefIntake is the first stage: the client brief is received.
	StepBriefIntake Step = "brief_intake"
	// StepBriefParsing extracts structured fields from the brief.
	StepBriefParsing Step = "brief_parsing"
	// StepMotivationGeneration produces candidate motivations.
	StepMotivationGeneration Step = "motivation_generation"
	// StepMotivationSelection is the user picking motivations.
	StepMotivationSelection Step = "motivation_selection"
	// StepCopyGeneration produces candidate copy.
	StepCopyGeneration Step = "copy_generation"
	// StepCopySelection is the user picking copy.
	StepCopySelection Step = "copy_selection"
	// StepAssetSelection is the user picking assets.
	StepAssetSelection Step = "asset_selection"
	// StepTemplateSelection is the user picking a template.
	StepTemplateSelection Step = "template_selection"
	// StepContentMatrix builds the content matrix.
	StepContentMatrix Step = "content_matrix"
	// StepRenderCompletion is the final render.
	StepRenderCompletion Step = "render_completion"

	// StepWorkflow is the sentinel step carried by whole-workflow events
	// (abandonment and completion).
	StepWorkflow Step = "workflow"
)

// DefaultFunnel is the canonical ordered funnel definition. Order drives
// drop-off computation.
var DefaultFunnel = []Step{
	StepBriefIntake,
	StepBriefParsing,
	StepMotivationGeneration,
	StepMotivationSelection,
	StepCopyGeneration,
	StepCopySelection,
	StepAssetSelection,
	StepTemplateSelection,
	StepContentMatrix,
	StepRenderCompletion,
}

// Action tags the kind of lifecycle event a [MetricRecord] captures.
type Action string

const (
	ActionStepStart          Action = "step_start"
	ActionStepCompletion     Action = "step_completion"
	ActionWorkflowAbandoned  Action = "workflow_abandoned"
	ActionWorkflowCompletion Action = "workflow_completion"
	ActionAIOperation        Action = "ai_operation"
)

// MetricRecord is the atomic unit of observation. Records are created once
// by the tracking operations and never mutated afterwards.
//
// The JSON form is what is stored in the durable partitions and mirror.
type MetricRecord struct {
	ID           string         `json:"id,omitempty"`
	UserID       string         `json:"userId"`
	SessionID    string         `json:"sessionId"`
	Step         Step           `json:"workflowStep"`
	Action       Action         `json:"action"`
	Timestamp    int64          `json:"timestamp"`
	Duration     *int64         `json:"duration,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// HasDuration reports whether the record carries an elapsed duration.
func (r MetricRecord) HasDuration() bool {
	return r.Duration != nil
}

// Time returns the record timestamp as a UTC time.
func (r MetricRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// AIOperation is the input for [Engine.TrackAIOperation].
type AIOperation struct {
	UserID       string
	SessionID    string
	Operation    string
	Service      string
	Model        string
	TokensUsed   int
	Cost         float64
	Duration     time.Duration
	Success      bool
	ErrorMessage string
}

// StepMetrics holds per-step statistics derived from step_completion
// records. AverageDuration is in milliseconds.
type StepMetrics struct {
	TotalAttempts         int            `json:"totalAttempts"`
	SuccessfulCompletions int            `json:"successfulCompletions"`
	AverageDuration       float64        `json:"averageDuration"`
	ErrorRate             float64        `json:"errorRate"`
	CommonErrors          map[string]int `json:"commonErrors"`
}

// JourneyStep is one entry of the ordered user journey.
type JourneyStep struct {
	Step             Step    `json:"step"`
	DropOffRate      float64 `json:"dropOffRate"`
	AverageTimeSpent float64 `json:"averageTimeSpent"`
}

// ModelUsage aggregates AI operations for one service/model pair.
type ModelUsage struct {
	Operations int     `json:"operations"`
	Tokens     int64   `json:"tokens"`
	Cost       float64 `json:"cost"`
}

// AIUsage aggregates ai_operation records of an analytics window.
type AIUsage struct {
	Operations  int                    `json:"operations"`
	Failures    int                    `json:"failures"`
	TotalTokens int64                  `json:"totalTokens"`
	TotalCost   float64                `json:"totalCost"`
	ByModel     map[string]*ModelUsage `json:"byModel"`
}

// TimeRange is an inclusive [Start, End] window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FunnelAnalytics is returned by [Engine.GetWorkflowAnalytics].
// Durations are in milliseconds.
type FunnelAnalytics struct {
	Range                  TimeRange             `json:"range"`
	TotalSessions          int                   `json:"totalSessions"`
	CompletedWorkflows     int                   `json:"completedWorkflows"`
	CompletionRate         float64               `json:"completionRate"`
	AverageSessionDuration float64               `json:"averageSessionDuration"`
	StepMetrics            map[Step]*StepMetrics `json:"stepMetrics"`
	UserJourney            []JourneyStep         `json:"userJourney"`
	AbandonmentPoints      map[Step]int          `json:"abandonmentPoints"`
	AIUsage                AIUsage               `json:"aiUsage"`
	RecordCount            int                   `json:"recordCount"`
	DurableAvailable       bool                  `json:"durableAvailable"`
}

// Severity grades a [PerformanceAlert].
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AlertKind names the signal that raised a [PerformanceAlert].
type AlertKind string

const (
	AlertSlowStep      AlertKind = "duration"
	AlertHighErrorRate AlertKind = "error_rate"
)

// PerformanceAlert is a threshold breach for one funnel step within the
// real-time window.
type PerformanceAlert struct {
	Step      Step      `json:"step"`
	Kind      AlertKind `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

// RecentError is a failed record reduced for the live view.
type RecentError struct {
	Step      Step   `json:"step"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// RealTimeStatus is returned by [Engine.GetRealTimeStatus].
type RealTimeStatus struct {
	GeneratedAt             time.Time          `json:"generatedAt"`
	Window                  time.Duration      `json:"window"`
	ActiveSessions          int                `json:"activeSessions"`
	CurrentStepDistribution map[Step]int       `json:"currentStepDistribution"`
	RecentErrors            []RecentError      `json:"recentErrors"`
	PerformanceAlerts       []PerformanceAlert `json:"performanceAlerts"`
}

// Tracker is the tracking surface of [Engine]. Adapters such as the HTTP
// middleware depend on it rather than on the concrete engine.
type Tracker interface {
	TrackStepStart(ctx context.Context, userID, sessionID string, step Step, metadata map[string]any)
	TrackStepCompletion(ctx context.Context, userID, sessionID string, step Step, success bool, errorMessage string, metadata map[string]any)
	TrackWorkflowAbandonment(ctx context.Context, userID, sessionID string, lastStep Step, reason string)
	TrackWorkflowCompletion(ctx context.Context, userID, sessionID string, totalDuration time.Duration, metadata map[string]any)
	TrackAIOperation(ctx context.Context, op AIOperation)
}

// Clock returns the current time. Tests inject a fixed clock through
// [Builder.WithClock].
type Clock func() time.Time
