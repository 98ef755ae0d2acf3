// Package internal groups the building blocks private to the funnel engine.
//
// # Sub-packages
//
//   - dispatch: bounded asynchronous fan-out to a record sink
//   - ring: fixed-capacity FIFO buffer holding the most recent records
//   - stores: Redis day partitions and the real-time mirror
//
// # What this package must NOT do
//
//   - Export types that appear in the public funnel API.
//   - Import the root funnel package.
package internal
