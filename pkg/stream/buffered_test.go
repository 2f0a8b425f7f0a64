package stream

import (
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBufferedStream_FIFO(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	s := NewBufferedStream(local, WithLogger(zap.NewNop()))
	defer func() { _ = s.Close() }()

	faker := gofakeit.New(2)
	var sent []byte
	for i := 0; i < 50; i++ {
		chunk := []byte(faker.LetterN(uint(faker.IntRange(1, 3*_chunkSize))))
		n, err := s.Write(chunk)
		re.NoError(err)
		re.Equal(len(chunk), n)
		sent = append(sent, chunk...)
	}

	got := make([]byte, len(sent))
	_, err := io.ReadFull(remote, got)
	re.NoError(err)
	re.Equal(sent, got)

	// the other direction
	go func() {
		_, _ = remote.Write(sent)
	}()
	got = make([]byte, len(sent))
	n, err := s.Read(got)
	re.NoError(err)
	re.Equal(len(sent), n)
	re.Equal(sent, got)
}

func TestBufferedStream_BlockingRead(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	s := NewBufferedStream(local)
	defer func() { _ = s.Close() }()

	_, err := remote.Write([]byte("12345"))
	re.NoError(err)
	re.Eventually(func() bool { return s.AvailableBytes() == 5 }, time.Second, time.Millisecond)

	done := make(chan []byte)
	go func() {
		buf := make([]byte, 10)
		n, _ := s.Read(buf)
		done <- buf[:n]
	}()

	select {
	case <-done:
		re.Fail("read returned before enough bytes were available")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = remote.Write([]byte("67890"))
	re.NoError(err)
	re.Equal("1234567890", string(<-done))
}

func TestBufferedStream_NonBlocking(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	s := NewBufferedStream(local)
	defer func() { _ = s.Close() }()
	s.MakeNonBlocking()

	n, err := s.Read(make([]byte, 8))
	re.NoError(err)
	re.Zero(n)

	_, err = remote.Write([]byte("abc"))
	re.NoError(err)
	re.Eventually(func() bool { return s.AvailableBytes() == 3 }, time.Second, time.Millisecond)

	buf := make([]byte, 8)
	n, err = s.Read(buf)
	re.NoError(err)
	re.Equal("abc", string(buf[:n]))
}

func TestBufferedStream_EOF(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	s := NewBufferedStream(local)
	defer func() { _ = s.Close() }()
	re.False(s.IsEOF())

	_, err := remote.Write([]byte("bye"))
	re.NoError(err)
	re.NoError(remote.Close())

	re.Eventually(s.IsEOF, time.Second, time.Millisecond)
	re.True(s.Stopped())

	// buffered bytes are still readable, then EOF is reported without blocking
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	re.NoError(err)
	re.Equal("bye", string(buf[:n]))
	for i := 0; i < 3; i++ {
		n, err = s.Read(buf)
		re.Zero(n)
		re.ErrorIs(err, io.EOF)
	}
	s.WaitReadable(1)
	re.True(s.IsEOF())
	re.NoError(s.Fault())
}

func TestBufferedStream_FaultIsSticky(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	readErr := errors.New("connection reset")
	tr := newFaultyTransport(readErr)
	s := NewBufferedStream(tr)
	defer func() { _ = s.Close() }()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Read(make([]byte, 4))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			for s.Fault() == nil {
				time.Sleep(time.Millisecond)
			}
			_, err := s.Write([]byte("data"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	fault := s.Fault()
	re.Error(fault)
	re.ErrorIs(fault, readErr)
	for err := range errs {
		re.Equal(fault, err)
	}

	// the fault stays the same after more failures
	_, err := s.Write([]byte("more"))
	re.Equal(fault, err)
	_, err = s.Read(make([]byte, 1))
	re.Equal(fault, err)
}

func TestBufferedStream_ConcurrentFaults(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	readErr := errors.New("connection reset")
	writeErr := errors.New("broken pipe")
	tr := newBrokenTransport(readErr, writeErr)
	s := NewBufferedStream(tr)
	defer func() { _ = s.Close() }()

	// something is queued, so the writer loop is inside the transport when it fails
	_, err := s.Write([]byte("hello"))
	re.NoError(err)

	var wg sync.WaitGroup
	readErrs := make(chan error, 10)
	writeErrs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Read(make([]byte, 4))
			readErrs <- err
		}()
		go func() {
			defer wg.Done()
			for {
				if _, err := s.Write([]byte("data")); err != nil {
					writeErrs <- err
					return
				}
				runtime.Gosched()
			}
		}()
	}
	// both loops fail at once
	close(tr.start)
	wg.Wait()
	close(readErrs)
	close(writeErrs)

	fault := s.Fault()
	re.Error(fault)
	re.True(errors.Is(fault, readErr) != errors.Is(fault, writeErr))
	for err := range readErrs {
		re.Equal(fault, err)
	}
	for err := range writeErrs {
		re.Equal(fault, err)
	}

	_, err = s.Write([]byte("more"))
	re.Equal(fault, err)
	_, err = s.Read(make([]byte, 1))
	re.Equal(fault, err)
}

func TestBufferedStream_SendQueueLimit(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	tr := newStuckTransport()
	s := NewBufferedStream(tr, WithSendQueueLimit(16))

	_, err := s.Write([]byte("first"))
	re.NoError(err)
	// wait for the writer loop to take the first chunk and block in the transport
	<-tr.writing
	re.Equal(5, s.PendingBytes())

	_, err = s.Write(make([]byte, 16))
	re.NoError(err)
	_, err = s.Write([]byte{1})
	re.ErrorIs(err, ErrSendQueueFull)
	// the limit covers queued bytes only, not the chunk being written
	re.Equal(21, s.PendingBytes())
	re.NoError(s.Fault())

	re.NoError(s.Close())
	_, err = s.Write([]byte{1})
	re.ErrorIs(err, ErrStreamClosed)
}

func TestBufferedStream_Close(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()
	s := NewBufferedStream(local)

	done := make(chan error)
	go func() {
		_, err := s.Read(make([]byte, 1))
		done <- err
	}()

	re.False(s.Stopped())
	re.NoError(s.Close())
	re.ErrorIs(<-done, ErrStreamClosed)
	re.True(s.Stopped())
	re.NoError(s.Close())
	re.False(s.IsEOF())
	re.NoError(s.Fault())
}

// faultyTransport fails every read with err
type faultyTransport struct {
	err    error
	closed chan struct{}
	once   sync.Once
}

func newFaultyTransport(err error) *faultyTransport {
	return &faultyTransport{err: err, closed: make(chan struct{})}
}

func (f *faultyTransport) Read([]byte) (int, error) {
	return 0, f.err
}

func (f *faultyTransport) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f *faultyTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// brokenTransport fails every read and write with different errors once start is closed
type brokenTransport struct {
	readErr  error
	writeErr error
	start    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newBrokenTransport(readErr, writeErr error) *brokenTransport {
	return &brokenTransport{readErr: readErr, writeErr: writeErr, start: make(chan struct{}), closed: make(chan struct{})}
}

func (b *brokenTransport) Read([]byte) (int, error) {
	select {
	case <-b.start:
		return 0, b.readErr
	case <-b.closed:
		return 0, net.ErrClosed
	}
}

func (b *brokenTransport) Write([]byte) (int, error) {
	select {
	case <-b.start:
		return 0, b.writeErr
	case <-b.closed:
		return 0, net.ErrClosed
	}
}

func (b *brokenTransport) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// stuckTransport never completes a write until it is closed
type stuckTransport struct {
	writing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newStuckTransport() *stuckTransport {
	return &stuckTransport{writing: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (s *stuckTransport) Read([]byte) (int, error) {
	<-s.closed
	return 0, net.ErrClosed
}

func (s *stuckTransport) Write([]byte) (int, error) {
	select {
	case s.writing <- struct{}{}:
	default:
	}
	<-s.closed
	return 0, net.ErrClosed
}

func (s *stuckTransport) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
