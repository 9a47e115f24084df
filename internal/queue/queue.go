// Package queue implements the growable FIFO sample buffer shared by the
// capture worker and the playback consumer.
//
// A Queue grows in whole large blocks so that bursts from the capture side
// are absorbed without reallocating on every append, and it gives memory back
// once a burst has been consumed. It is not safe for concurrent use; callers
// that share a Queue guard it themselves.
package queue

import (
	"errors"
	"math"
)

// LargeBlock is the capacity growth increment, in elements.
const LargeBlock = 1 << 20

// ErrLimitExceeded is returned when an append would grow the queue past its
// configured limit or overflow its length.
var ErrLimitExceeded = errors.New("sample queue limit exceeded")

// Queue is a contiguous FIFO buffer of T.
type Queue[T any] struct {
	buf   []T // len(buf) is the capacity
	n     int
	limit int
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	limit int
}

// WithLimit caps the number of elements the queue may hold. Zero or negative
// means no limit beyond integer overflow.
func WithLimit(n int) Option {
	return func(o *options) {
		o.limit = n
	}
}

// New returns an empty queue with one large block of capacity.
func New[T any](opts ...Option) *Queue[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		buf:   make([]T, LargeBlock),
		limit: o.limit,
	}
}

// Append copies data to the end of the queue.
func (q *Queue[T]) Append(data []T) error {
	if len(data) == 0 {
		return nil
	}
	if err := q.grow(len(data)); err != nil {
		return err
	}
	copy(q.buf[q.n:], data)
	q.n += len(data)
	return nil
}

// AppendSilence appends count zero values.
func (q *Queue[T]) AppendSilence(count int) error {
	if count <= 0 {
		return nil
	}
	if err := q.grow(count); err != nil {
		return err
	}
	clear(q.buf[q.n : q.n+count])
	q.n += count
	return nil
}

// RemoveFront drops the first count elements, keeping the order of the rest.
func (q *Queue[T]) RemoveFront(count int) {
	if count <= 0 {
		return
	}
	if count >= q.n {
		q.n = 0
		if len(q.buf) > LargeBlock {
			q.buf = make([]T, LargeBlock)
		}
		return
	}

	remaining := q.n - count
	if want := roundUp(remaining); len(q.buf) > LargeBlock && len(q.buf) > want {
		buf := make([]T, want)
		copy(buf, q.buf[count:q.n])
		q.buf = buf
	} else {
		copy(q.buf, q.buf[count:q.n])
	}
	q.n = remaining
}

// Data returns the queued elements. The slice aliases internal storage and is
// only valid until the next mutating call.
func (q *Queue[T]) Data() []T {
	return q.buf[:q.n]
}

// Size returns the number of queued elements.
func (q *Queue[T]) Size() int {
	return q.n
}

// Capacity returns the allocated capacity. Diagnostics only.
func (q *Queue[T]) Capacity() int {
	return len(q.buf)
}

// Reset empties the queue and releases any capacity beyond one large block.
func (q *Queue[T]) Reset() {
	q.RemoveFront(q.n)
}

func (q *Queue[T]) grow(count int) error {
	if count > math.MaxInt-q.n {
		return ErrLimitExceeded
	}
	need := q.n + count
	if q.limit > 0 && need > q.limit {
		return ErrLimitExceeded
	}
	if need <= len(q.buf) {
		return nil
	}
	capacity := roundUp(need)
	if capacity < need {
		return ErrLimitExceeded
	}
	buf := make([]T, capacity)
	copy(buf, q.buf[:q.n])
	q.buf = buf
	return nil
}

// roundUp returns n rounded up to a whole number of large blocks, never less
// than one block.
func roundUp(n int) int {
	if n <= LargeBlock {
		return LargeBlock
	}
	blocks := n / LargeBlock
	if n%LargeBlock != 0 {
		blocks++
	}
	return blocks * LargeBlock
}
