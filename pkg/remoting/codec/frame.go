package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/operation"
)

const (
	_fixedHeaderLen = 16
	_minFrameLen    = _fixedHeaderLen - 4 + 4 // fixed header - header length + checksum
	_maxFrameLen    = 16 * 1024 * 1024

	_magicCode uint8 = 0x17
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum frame length
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	// FlagResponse indicates whether the frame is a response frame.
	// If set, the frame carries the response to the request with the same message ID.
	// If not set, the frame represents a request or a control frame.
	FlagResponse Flags = 0x1
)

// Flags is a bitmask of frame flags.
type Flags uint8

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return (f & v) == v
}

// Frame is the unit exchanged on a session.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------+-----------------------------------+-----------------+
//	|  Magic Code (8) |        Operation Code (16)        |     Flag (8)    |
//	+-----------------+-----------------------------------+-----------------+
//	|                           Message ID (32)                             |
//	+-----------------+-----------------------------------------------------+
//	|Header Format (8)|                  Header Length (24)                 |
//	+-----------------+-----------------------------------------------------+
//	|                             Header (0...)                           ...
//	+-----------------------------------------------------------------------+
//	|                             Payload (0...)                          ...
//	+-----------------------------------------------------------------------+
//	|                         Payload Checksum (32)                         |
//	+-----------------------------------------------------------------------+
type Frame struct {
	OpCode    operation.Operation // OpCode determines the semantics of the frame
	Flag      Flags               // Flag is reserved for boolean flags specific to the frame type
	MessageID uint32              // MessageID correlates a response with its request, 0 if not correlated
	HeaderFmt format.Format       // HeaderFmt identifies the format of the Header.
	Header    []byte              // nil for no extended header
	Payload   []byte              // nil for no payload
}

// Size returns the number of bytes that the Frame takes after encoding
func (f *Frame) Size() int {
	return _fixedHeaderLen + len(f.Header) + len(f.Payload) + 4
}

// Summarize returns all info of the frame, only for debug use
func (f *Frame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Info())
	_, _ = fmt.Fprintf(&buf, " header=%q", f.Header)
	payload := f.Payload
	const max = 256
	if len(payload) > max {
		payload = payload[:max]
	}
	_, _ = fmt.Fprintf(&buf, " payload=%q", payload)
	if len(f.Payload) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(f.Payload)-max)
	}
	return buf.String()
}

// Info returns fixed header info of the frame
func (f *Frame) Info() string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "size=%d", f.Size())
	_, _ = fmt.Fprintf(&buf, " operation=%s", f.OpCode.String())
	_, _ = fmt.Fprintf(&buf, " flag=%08b", f.Flag)
	_, _ = fmt.Fprintf(&buf, " messageID=%d", f.MessageID)
	_, _ = fmt.Fprintf(&buf, " format=%s", f.HeaderFmt.String())
	return buf.String()
}

// IsResponse returns whether the frame is a response
func (f *Frame) IsResponse() bool {
	return f.Flag.Has(FlagResponse)
}

// NewHelloFrame returns a new Hello frame with the encoded identity header
func NewHelloFrame(headerFmt format.Format, header []byte) *Frame {
	return &Frame{
		OpCode:    operation.Hello(),
		HeaderFmt: headerFmt,
		Header:    header,
	}
}

// NewGoAwayFrame returns a new GoAway frame
func NewGoAwayFrame() *Frame {
	return &Frame{
		OpCode:    operation.GoAway(),
		HeaderFmt: format.Default(),
	}
}

// NewSubscriptionsFrame returns a new Subscriptions frame with the encoded topics header
func NewSubscriptionsFrame(headerFmt format.Format, header []byte) *Frame {
	return &Frame{
		OpCode:    operation.Subscriptions(),
		HeaderFmt: headerFmt,
		Header:    header,
	}
}

// NewMessageFrame returns a new Message frame
func NewMessageFrame(id uint32, isResponse bool, headerFmt format.Format, header []byte, payload []byte) *Frame {
	f := &Frame{
		OpCode:    operation.Message(),
		MessageID: id,
		HeaderFmt: headerFmt,
		Header:    header,
		Payload:   payload,
	}
	if isResponse {
		f.Flag |= FlagResponse
	}
	return f
}

// Framer reads and writes Frames
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_fixedHeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// ReadFrame reads a single frame.
// The returned free func releases the buffer backing Header and Payload, it must
// be called once the frame is no longer needed.
//
// ReadFrame only issues reads of exactly the sizes it needs, so r may be a reader
// that blocks until the requested number of bytes is available.
func (fr *Framer) ReadFrame() (*Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:_fixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read fixed header")
	}
	headerBuf := bytes.NewBuffer(buf)

	frameLen := binary.BigEndian.Uint32(headerBuf.Next(4))
	if frameLen < _minFrameLen {
		logger.Error("illegal frame length, fewer than minimum", zap.Uint32("frame-length", frameLen), zap.Uint32("min-length", _minFrameLen))
		return nil, nil, errors.New("frame too small")
	}
	if frameLen > _maxFrameLen {
		logger.Error("illegal frame length, greater than maximum", zap.Uint32("frame-length", frameLen), zap.Uint32("max-length", _maxFrameLen))
		return nil, nil, ErrFrameTooLarge
	}

	magicCode := headerBuf.Next(1)[0]
	if magicCode != _magicCode {
		logger.Error("illegal magic code", zap.Uint8("expected", _magicCode), zap.Uint8("got", magicCode))
		return nil, nil, errors.New("magic code mismatch")
	}

	opCode := binary.BigEndian.Uint16(headerBuf.Next(2))
	flag := headerBuf.Next(1)[0]
	messageID := binary.BigEndian.Uint32(headerBuf.Next(4))
	headerFmt := headerBuf.Next(1)[0]
	headerLen := uint32(headerBuf.Next(1)[0])<<16 | uint32(binary.BigEndian.Uint16(headerBuf.Next(2)))
	if headerLen > frameLen+4-_fixedHeaderLen-4 {
		logger.Error("illegal header length, greater than frame", zap.Uint32("header-length", headerLen), zap.Uint32("frame-length", frameLen))
		return nil, nil, errors.New("header length out of range")
	}
	payloadLen := frameLen + 4 - _fixedHeaderLen - headerLen - 4 // add frameLength width, sub payloadChecksum width

	tBuf := mcache.Malloc(int(headerLen + payloadLen))
	free := func() { mcache.Free(tBuf) }
	_, err = io.ReadFull(fr.r, tBuf)
	if err != nil {
		free()
		return nil, nil, errors.Wrap(err, "read extended header and payload")
	}

	var header, payload []byte
	if headerLen > 0 {
		header = tBuf[:headerLen]
	}
	if payloadLen > 0 {
		payload = tBuf[headerLen:]
	}

	var checksum uint32
	err = binary.Read(fr.r, binary.BigEndian, &checksum)
	if err != nil {
		free()
		return nil, nil, errors.Wrap(err, "read payload checksum")
	}
	if payloadLen > 0 {
		if ckm := crc32.ChecksumIEEE(payload); ckm != checksum {
			logger.Error("payload checksum mismatch", zap.Uint32("expected", ckm), zap.Uint32("got", checksum))
			free()
			return nil, nil, errors.New("payload checksum mismatch")
		}
	}

	return &Frame{
		OpCode:    operation.NewOperation(opCode),
		Flag:      Flags(flag),
		MessageID: messageID,
		HeaderFmt: format.NewFormat(headerFmt),
		Header:    header,
		Payload:   payload,
	}, free, nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to call WriteFrame concurrently.
func (fr *Framer) WriteFrame(f *Frame) error {
	fr.startWrite(f)

	if f.Header != nil {
		fr.wbuf = append(fr.wbuf, f.Header...)
	}
	if f.Payload != nil {
		fr.wbuf = append(fr.wbuf, f.Payload...)
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, crc32.ChecksumIEEE(f.Payload))
	} else {
		// dummy checksum
		fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0)
	}

	return fr.endWrite()
}

// Write the fixed header
func (fr *Framer) startWrite(f *Frame) {
	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0) // 4 bytes of frame length, will be filled in endWrite
	fr.wbuf = append(fr.wbuf, _magicCode)
	fr.wbuf = binary.BigEndian.AppendUint16(fr.wbuf, f.OpCode.Code())
	fr.wbuf = append(fr.wbuf, uint8(f.Flag))
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, f.MessageID)
	fr.wbuf = append(fr.wbuf, f.HeaderFmt.Code())
	headerLen := len(f.Header)
	fr.wbuf = append(fr.wbuf, byte(headerLen>>16), byte(headerLen>>8), byte(headerLen))
}

func (fr *Framer) endWrite() error {
	logger := fr.lg
	// Now that we know the final size, fill in the frame length in
	// the space previously reserved for it. Abuse append.
	length := len(fr.wbuf) - 4 // sub frameLen width
	if length > (_maxFrameLen) {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length), zap.Uint32("max-length", _maxFrameLen))
		return ErrFrameTooLarge
	}
	_ = binary.BigEndian.AppendUint32(fr.wbuf[:0], uint32(length))

	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
