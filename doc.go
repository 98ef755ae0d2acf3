// Package funnel records the lifecycle events of a multi-step workflow and
// turns them into funnel analytics and a live operational view.
//
// Tracking calls ([Engine.TrackStepStart], [Engine.TrackStepCompletion],
// [Engine.TrackWorkflowAbandonment], [Engine.TrackWorkflowCompletion],
// [Engine.TrackAIOperation]) are fire-and-forget: they never return errors
// and never panic. Every record lands in a bounded local ring buffer first
// and is then mirrored to Redis when the store answered the startup probe.
//
// [Engine.GetWorkflowAnalytics] reads day partitions plus the local buffer
// and derives completion, per-step and drop-off statistics.
// [Engine.GetRealTimeStatus] reads only the local buffer.
//
// # Architecture boundaries
//
// funnel is the public surface. It exposes [Engine], [Builder], [Config]
// and the value types. Redis key layout, buffering and sink dispatch live
// under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Surface durable-store failures to tracking callers.
//   - Block a tracking call on the durable store for longer than
//     Store.OpTimeout per write.
//   - Keep process-wide state outside an [Engine].
//
// # Performance contract
//
// A tracking call costs one mutex-guarded buffer append plus, when the
// store is reachable, two pipelined Redis round-trips. GetRealTimeStatus
// is a single pass over the buffer.
package funnel
