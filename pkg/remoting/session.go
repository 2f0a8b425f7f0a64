package remoting

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting/codec"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/operation"
	"github.com/AutoMQ/remoting/pkg/remoting/protocol"
	"github.com/AutoMQ/remoting/pkg/stream"
	"github.com/AutoMQ/remoting/pkg/util/traceutil"
)

const _goAwayPollInterval = 10 * time.Millisecond

// session is a framed connection to a peer.
// Writes are enqueued into the underlying BufferedStream and never block on the network.
type session struct {
	// Immutable:
	conn     net.Conn
	stream   *stream.BufferedStream
	framer   *codec.Framer
	fmt      format.Format
	outbound bool

	// wmu serializes frame writes, the read side is owned by the goroutine serving the session
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	lg *zap.Logger
}

// newSession wraps conn, logging with the trace id carried by ctx
func newSession(ctx context.Context, conn net.Conn, outbound bool, cfg *Config, logger *zap.Logger) *session {
	lg := logger.With(zap.String("remote-addr", conn.RemoteAddr().String()), zap.Bool("outbound", outbound), traceutil.TraceLogField(ctx))
	opts := []stream.Option{stream.WithLogger(lg)}
	if cfg.SendQueueLimit > 0 {
		opts = append(opts, stream.WithSendQueueLimit(cfg.SendQueueLimit))
	}
	s := stream.NewBufferedStream(conn, opts...)
	return &session{
		conn:     conn,
		stream:   s,
		framer:   codec.NewFramer(s, s, lg),
		fmt:      cfg.HeaderFormat,
		outbound: outbound,
		lg:       lg,
	}
}

// handshake exchanges Hello frames and returns the identity claimed by the peer.
// Under TLS, the claimed identity must match the common name of the peer certificate.
func (s *session) handshake(identity string, timeout time.Duration) (string, error) {
	// the deadline also bounds the TLS handshake, which happens on the first read or write
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", errors.Wrap(err, "set handshake deadline")
	}

	header := protocol.Header{Identity: identity}
	h, err := header.Marshal(s.fmt)
	if err != nil {
		return "", errors.WithMessage(err, "marshal hello")
	}
	if err := s.writeFrame(codec.NewHelloFrame(s.fmt, h)); err != nil {
		return "", errors.WithMessage(err, "write hello")
	}

	f, free, err := s.framer.ReadFrame()
	if err != nil {
		return "", errors.WithMessage(err, "read hello")
	}
	defer free()
	if f.OpCode != operation.Hello() {
		return "", errors.Errorf("expect operation Hello, got %s", f.OpCode)
	}
	var peer protocol.Header
	if err := peer.Unmarshal(f.HeaderFmt, f.Header); err != nil {
		return "", errors.WithMessage(err, "unmarshal hello")
	}
	if peer.Identity == "" {
		return "", errors.New("empty peer identity")
	}

	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		certs := tlsConn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			return "", errors.New("no peer certificate")
		}
		if cn := certs[0].Subject.CommonName; cn != peer.Identity {
			return "", errors.Errorf("peer identity %q does not match certificate common name %q", peer.Identity, cn)
		}
	}

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return "", errors.Wrap(err, "clear handshake deadline")
	}
	return peer.Identity, nil
}

func (s *session) writeFrame(f *codec.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.framer.WriteFrame(f)
}

func (s *session) send(msg protocol.Message) error {
	f, err := protocol.NewFrame(msg, s.fmt)
	if err != nil {
		return err
	}
	return s.writeFrame(f)
}

func (s *session) sendSubscriptions(topics []string) error {
	header := protocol.Header{Topics: topics}
	h, err := header.Marshal(s.fmt)
	if err != nil {
		return errors.WithMessage(err, "marshal subscriptions")
	}
	return s.writeFrame(codec.NewSubscriptionsFrame(s.fmt, h))
}

// goAway sends a GoAway frame and waits until it is handed to the transport.
// It returns early if ctx is done or the stream can no longer write.
func (s *session) goAway(ctx context.Context) {
	logger := s.lg
	if err := s.writeFrame(codec.NewGoAwayFrame()); err != nil {
		logger.Debug("failed to write go away frame", zap.Error(err))
		return
	}

	ticker := time.NewTicker(_goAwayPollInterval)
	defer ticker.Stop()
	for s.stream.PendingBytes() > 0 && s.stream.Fault() == nil && !s.stream.Stopped() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *session) close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// isClosedErr reports whether err is the expected result of reading from a session closed by either side
func isClosedErr(err error) bool {
	cause := errors.Cause(err)
	return cause == io.EOF || cause == io.ErrUnexpectedEOF || cause == stream.ErrStreamClosed || errors.Is(err, net.ErrClosed)
}
