package funnel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// RecordSink receives every committed record, asynchronously and in commit
// order, when Sink.Enabled is set. Emit runs on the dispatcher goroutine; a
// panicking sink is recovered and does not stop delivery.
type RecordSink interface {
	Emit(ctx context.Context, record MetricRecord)
}

// RecordSinkFunc adapts a function to [RecordSink].
type RecordSinkFunc func(ctx context.Context, record MetricRecord)

func (f RecordSinkFunc) Emit(ctx context.Context, record MetricRecord) {
	f(ctx, record)
}

// JSONWriterSink appends records to w as JSON lines, in the wire form of
// the durable partitions, so its output can be replayed into a partition
// list unchanged.
type JSONWriterSink struct {
	writer  io.Writer
	mu      sync.Mutex
	written atomic.Uint64
	failed  atomic.Uint64
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, record MetricRecord) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := encodeRecord(record)
	if err != nil {
		s.failed.Add(1)
		return
	}
	line := append(data, '\n')

	s.mu.Lock()
	_, err = s.writer.Write(line)
	s.mu.Unlock()

	if err != nil {
		s.failed.Add(1)
		return
	}
	s.written.Add(1)
}

// Written returns the number of records written.
func (s *JSONWriterSink) Written() uint64 {
	if s == nil {
		return 0
	}
	return s.written.Load()
}

// Failed returns the number of records that could not be encoded or
// written.
func (s *JSONWriterSink) Failed() uint64 {
	if s == nil {
		return 0
	}
	return s.failed.Load()
}
