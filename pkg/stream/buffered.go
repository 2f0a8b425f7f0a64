package stream

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/util/logutil"
)

const (
	_chunkSize = 4096 // max bytes moved between a queue and the transport in one step
)

var (
	// ErrStreamClosed is returned by Read when the stream is stopped without EOF and no data is left.
	ErrStreamClosed = errors.New("stream closed")
	// ErrSendQueueFull is returned by Write when the send queue would exceed its limit.
	ErrSendQueueFull = errors.New("send queue full")
)

// Option configures a BufferedStream
type Option func(*BufferedStream)

// WithSendQueueLimit bounds the send queue. A Write which would make the queue
// hold more than limit bytes fails with ErrSendQueueFull. Zero means unbounded.
func WithSendQueueLimit(limit int) Option {
	return func(s *BufferedStream) {
		s.sendLimit = limit
	}
}

// WithLogger sets the logger of the stream
func WithLogger(lg *zap.Logger) Option {
	return func(s *BufferedStream) {
		s.lg = lg
	}
}

// BufferedStream wraps a duplex transport. A reader goroutine moves bytes from the
// transport into the receive queue and a writer goroutine moves bytes from the send
// queue to the transport, so callers never wait on transport scheduling.
//
// It is safe for concurrent use by multiple goroutines.
type BufferedStream struct {
	inner io.ReadWriteCloser

	mu       sync.Mutex
	readCond *sync.Cond // signaled when recvQ grows or the stream reaches a terminal state
	sendCond *sync.Cond // signaled when sendQ grows or the stream stops

	// guarded by mu
	recvQ    *FIFO
	sendQ    *FIFO
	stopped  bool
	eof      bool
	blocking bool
	fault    error // first transport error, never overwritten
	inflight int   // bytes taken from sendQ by the writer loop and not yet written

	sendLimit int

	closeOnce sync.Once
	loops     sync.WaitGroup

	lg *zap.Logger
}

// NewBufferedStream wraps inner and starts the reader and writer loops.
// The loops run until Close is called, the transport reports EOF, or a transport error occurs.
func NewBufferedStream(inner io.ReadWriteCloser, opts ...Option) *BufferedStream {
	s := &BufferedStream{
		inner:    inner,
		recvQ:    NewFIFO(),
		sendQ:    NewFIFO(),
		blocking: true,
		lg:       zap.NewNop(),
	}
	s.readCond = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	s.loops.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *BufferedStream) readLoop() {
	logger := s.lg
	defer logutil.LogPanic(logger)
	defer s.loops.Done()

	buf := make([]byte, _chunkSize)
	for {
		n, err := s.inner.Read(buf)

		s.mu.Lock()
		if n > 0 {
			s.recvQ.Write(buf[:n])
			s.readCond.Broadcast()
		}
		if err != nil {
			if err == io.EOF {
				logger.Debug("transport reached EOF")
				s.eof = true
				s.stopped = true
			} else {
				s.setFaultLocked(errors.Wrap(err, "read from transport"))
			}
			s.broadcastLocked()
			s.mu.Unlock()
			return
		}
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}
	}
}

func (s *BufferedStream) writeLoop() {
	logger := s.lg
	defer logutil.LogPanic(logger)
	defer s.loops.Done()

	buf := make([]byte, _chunkSize)
	for {
		s.mu.Lock()
		for s.sendQ.AvailableBytes() == 0 && !s.stopped {
			s.sendCond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		n := s.sendQ.Read(buf)
		s.inflight = n
		s.mu.Unlock()

		_, err := s.inner.Write(buf[:n])

		s.mu.Lock()
		s.inflight = 0
		if err != nil {
			s.setFaultLocked(errors.Wrap(err, "write to transport"))
			s.broadcastLocked()
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// setFaultLocked records err unless a fault was already captured or the stream was stopped on purpose.
func (s *BufferedStream) setFaultLocked(err error) {
	if s.fault != nil || s.stopped {
		return
	}
	s.lg.Warn("transport fault captured", zap.Error(err))
	s.fault = err
}

func (s *BufferedStream) broadcastLocked() {
	s.readCond.Broadcast()
	s.sendCond.Broadcast()
}

// Read reads up to len(p) bytes from the receive queue.
//
// In blocking mode (the default) Read waits until len(p) bytes are available, or
// the stream faults, reaches EOF, or is closed. A captured transport fault is returned
// before any data. If nothing is left to read, io.EOF is returned after the transport
// reached EOF, and ErrStreamClosed after Close.
//
// In non-blocking mode Read returns immediately with whatever is available, which may be nothing.
func (s *BufferedStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blocking {
		s.waitReadableLocked(len(p))
	}
	if s.fault != nil {
		return 0, s.fault
	}

	n := s.recvQ.Read(p)
	if n == 0 && len(p) > 0 && s.stopped {
		if s.eof {
			return 0, io.EOF
		}
		return 0, ErrStreamClosed
	}
	return n, nil
}

// Write queues p to be written to the transport. It never waits for the transport.
// It returns the captured transport fault, if any, or ErrSendQueueFull if a send
// queue limit is configured and would be exceeded.
func (s *BufferedStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fault != nil {
		return 0, s.fault
	}
	if s.stopped {
		return 0, ErrStreamClosed
	}
	if s.sendLimit > 0 && s.sendQ.AvailableBytes()+len(p) > s.sendLimit {
		return 0, ErrSendQueueFull
	}

	s.sendQ.Write(p)
	s.sendCond.Broadcast()
	return len(p), nil
}

// WaitReadable blocks until count bytes can be read without blocking, or the
// stream faults, reaches EOF, or is closed.
func (s *BufferedStream) WaitReadable(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.waitReadableLocked(count)
}

func (s *BufferedStream) waitReadableLocked(count int) {
	for s.recvQ.AvailableBytes() < count && s.fault == nil && !s.stopped {
		s.readCond.Wait()
	}
}

// WaitWritable returns immediately, as the send queue always accepts data.
func (s *BufferedStream) WaitWritable(int) {}

// MakeNonBlocking makes subsequent Read calls return immediately.
// There is no way back to blocking mode.
func (s *BufferedStream) MakeNonBlocking() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocking = false
}

// IsEOF reports whether the transport has reached EOF.
func (s *BufferedStream) IsEOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eof
}

// Stopped reports whether the stream was stopped by EOF or Close.
// Bytes still queued on a stopped stream are never written.
func (s *BufferedStream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// Fault returns the captured transport fault, or nil.
func (s *BufferedStream) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fault
}

// AvailableBytes returns the number of bytes that can be read without blocking.
func (s *BufferedStream) AvailableBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recvQ.AvailableBytes()
}

// PendingBytes returns the number of bytes queued or being written, but not yet accepted by the transport.
func (s *BufferedStream) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sendQ.AvailableBytes() + s.inflight
}

// Close stops both loops, closes the transport and waits for the loops to exit.
// Bytes still in the send queue are discarded. Close is idempotent.
func (s *BufferedStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		err = s.inner.Close()

		s.mu.Lock()
		s.broadcastLocked()
		s.mu.Unlock()

		s.loops.Wait()
	})
	return err
}
