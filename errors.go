package funnel

import "errors"

var (
	// ErrEngineNotReady is returned when a reporting operation is called on a
	// nil or closed engine.
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrBuilderUsed is returned when Build is called twice on one builder.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrInvalidDateRange is returned by GetWorkflowAnalytics when end is
	// before start.
	ErrInvalidDateRange = errors.New("invalid date range")
	// ErrStoreUnavailable is returned by durable read helpers when the
	// durable store was not reachable at probe time.
	ErrStoreUnavailable = errors.New("durable store unavailable")
	// ErrInvalidConfig wraps every Config.Validate failure.
	ErrInvalidConfig = errors.New("invalid config")
)
