// Package middleware adapts funnel step tracking to gin handler chains.
//
// [TrackStep] wraps one route (or group) as one workflow step: it emits a
// step_start record before the handler runs and a step_completion record
// after it, deriving success from the response status.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into [funnel.Tracker] calls. It
// does not compute analytics and never touches the durable store.
//
// # What this package must NOT do
//
//   - Alter the response or abort the handler chain.
//   - Fail a request because tracking could not be recorded.
package middleware
