// Package dispatch implements the bounded asynchronous relay that forwards
// committed records to a caller-supplied sink.
//
// # Components
//
//   - [Sink]: consumer interface, one Emit per item.
//   - [Dispatcher]: buffered relay with drop-if-full or block-if-full
//     semantics and a draining Close.
//
// # Architecture boundaries
//
// This package owns buffering and delivery order. It does NOT decide which
// items to forward; the engine does.
//
// # What this package must NOT do
//
//   - Import the root package or any sibling internal package.
//   - Let a panicking sink stop delivery of later items.
package dispatch
