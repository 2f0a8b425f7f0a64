package stream

import (
	"bytes"
)

const _maxRetainedCap = 64 * 1024

// FIFO is an unbounded first-in-first-out byte queue.
// It keeps track of the total number of bytes written and read, so that
// AvailableBytes() == TotalWritten() - TotalRead() holds at any time.
//
// FIFO is not safe for concurrent use.
type FIFO struct {
	buf bytes.Buffer

	written uint64
	read    uint64
}

// NewFIFO creates an empty FIFO
func NewFIFO() *FIFO {
	return &FIFO{}
}

// Write appends p to the queue.
func (q *FIFO) Write(p []byte) {
	// bytes.Buffer.Write only fails by panicking with ErrTooLarge
	_, _ = q.buf.Write(p)
	q.written += uint64(len(p))
}

// Read removes up to len(p) bytes from the head of the queue and copies them into p.
// It never blocks and returns the number of bytes copied, which is zero if the queue is empty.
func (q *FIFO) Read(p []byte) int {
	if len(p) == 0 || q.buf.Len() == 0 {
		return 0
	}
	n, _ := q.buf.Read(p)
	q.read += uint64(n)
	q.compact()
	return n
}

// Discard removes up to n bytes from the head of the queue without copying them.
func (q *FIFO) Discard(n int) int {
	if n <= 0 {
		return 0
	}
	if avail := q.buf.Len(); n > avail {
		n = avail
	}
	q.buf.Next(n)
	q.read += uint64(n)
	q.compact()
	return n
}

// AvailableBytes returns the number of unread bytes
func (q *FIFO) AvailableBytes() int {
	return q.buf.Len()
}

// TotalWritten returns the number of bytes ever written into the queue
func (q *FIFO) TotalWritten() uint64 {
	return q.written
}

// TotalRead returns the number of bytes ever read (or discarded) from the queue
func (q *FIFO) TotalRead() uint64 {
	return q.read
}

// compact releases an oversized backing array once the queue is drained.
func (q *FIFO) compact() {
	if q.buf.Len() == 0 && q.buf.Cap() > _maxRetainedCap {
		q.buf = bytes.Buffer{}
	}
}
