// Package stream carries per-step run events from the executor to a consumer.
package stream

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/langgraph-go/stategraph/types"
)

// ErrStreamClosed is returned by Emit once the consumer closed the stream.
var ErrStreamClosed = stderrors.New("stream closed by consumer")

// StreamChunk is the event emitted after one completed step.
type StreamChunk struct {
	// Step is the step index of the node execution.
	Step int
	// Node is the node that ran.
	Node string
	// State is the post-merge State of the step.
	State types.State
	// Update is the partial State the node returned (or the error update).
	Update types.State
	// Next is the node the run continues with.
	Next     string
	Metadata map[string]interface{}
	// Timestamp is the time the step finished.
	Timestamp time.Time
}

// ChannelStream hands chunks from one producer to one consumer. It holds no
// buffer: Emit blocks until the consumer takes the chunk, so a slow
// consumer delays the producer's next step.
type ChannelStream struct {
	ch        chan *StreamChunk
	done      chan struct{}
	closeOnce sync.Once
	finish    sync.Once

	mu  sync.RWMutex
	err error
}

// NewChannelStream creates a new unbuffered stream.
func NewChannelStream() *ChannelStream {
	return &ChannelStream{
		ch:   make(chan *StreamChunk),
		done: make(chan struct{}),
	}
}

// Emit sends a chunk to the consumer. It returns ErrStreamClosed when the
// consumer stopped reading, or ctx.Err() when ctx ends first.
func (s *ChannelStream) Emit(ctx context.Context, chunk *StreamChunk) error {
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now().UTC()
	}

	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}

	select {
	case s.ch <- chunk:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish ends the stream on the producer side. err, if not nil, is
// returned by the iterator after the last chunk.
func (s *ChannelStream) Finish(err error) {
	s.finish.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Done is closed when the consumer closes the stream.
func (s *ChannelStream) Done() <-chan struct{} {
	return s.done
}

// Iterator returns the consumer side of the stream.
func (s *ChannelStream) Iterator() *Iterator {
	return &Iterator{stream: s}
}

func (s *ChannelStream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *ChannelStream) result() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Iterator reads chunks in emission order.
type Iterator struct {
	stream *ChannelStream
	closed bool
	err    error
}

// Next returns the next chunk. After the last chunk it returns io.EOF for a
// successful run, or the run's error otherwise.
func (it *Iterator) Next(ctx context.Context) (*StreamChunk, error) {
	if it.closed {
		if it.err != nil {
			return nil, it.err
		}
		return nil, io.EOF
	}

	select {
	case chunk, ok := <-it.stream.ch:
		if !ok {
			it.closed = true
			it.err = it.stream.result()
			if it.err != nil {
				return nil, it.err
			}
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops consumption. The producer sees ErrStreamClosed on its next
// Emit and stops before running another step.
func (it *Iterator) Close() error {
	it.stream.close()
	if !it.closed {
		it.closed = true
		it.err = ErrStreamClosed
	}
	return nil
}

// Collect drains the iterator. It returns the chunks read so far and the
// run's error, if any.
func (it *Iterator) Collect(ctx context.Context) ([]*StreamChunk, error) {
	var chunks []*StreamChunk
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

// Filter returns an iterator yielding only chunks accepted by keep.
func Filter(it *Iterator, keep func(*StreamChunk) bool) *FilterIterator {
	return &FilterIterator{source: it, keep: keep}
}

// FilterIterator wraps an Iterator with a predicate.
type FilterIterator struct {
	source *Iterator
	keep   func(*StreamChunk) bool
}

// Next returns the next accepted chunk.
func (fi *FilterIterator) Next(ctx context.Context) (*StreamChunk, error) {
	for {
		chunk, err := fi.source.Next(ctx)
		if err != nil {
			return nil, err
		}
		if fi.keep(chunk) {
			return chunk, nil
		}
	}
}

// Close closes the source iterator.
func (fi *FilterIterator) Close() error {
	return fi.source.Close()
}
