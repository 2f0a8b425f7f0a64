package protocol

import (
	"github.com/pkg/errors"

	"github.com/AutoMQ/remoting/pkg/remoting/codec"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
	"github.com/AutoMQ/remoting/pkg/remoting/codec/operation"
)

// Message is a request or a response exchanged between endpoints.
// A Message must not be modified once it has been sent.
type Message interface {
	// MessageID returns the correlation id, 0 if the message is not correlated
	MessageID() uint32
	// IsResponse returns whether the message is a response
	IsResponse() bool
}

// Request is a message addressed to a method (topic) with opaque params
type Request struct {
	Method string
	Params []byte
	// ID is set by the sender when a response is expected, 0 otherwise
	ID uint32
}

// MessageID implements Message
func (r *Request) MessageID() uint32 {
	return r.ID
}

// IsResponse implements Message
func (r *Request) IsResponse() bool {
	return false
}

// WithID returns a copy of the request stamped with id.
// The params are shared with the original.
func (r *Request) WithID(id uint32) *Request {
	stamped := *r
	stamped.ID = id
	return &stamped
}

// Response answers the request with the same ID
type Response struct {
	ID     uint32
	Result []byte
	// Error is empty if the call succeeded
	Error string
}

// MessageID implements Message
func (r *Response) MessageID() uint32 {
	return r.ID
}

// IsResponse implements Message
func (r *Response) IsResponse() bool {
	return true
}

// NewFrame encodes a message into a Message frame, with the header in the specified format
func NewFrame(msg Message, fmt format.Format) (*codec.Frame, error) {
	var header Header
	var payload []byte
	switch m := msg.(type) {
	case *Request:
		header.Method = m.Method
		payload = m.Params
	case *Response:
		header.Error = m.Error
		payload = m.Result
	default:
		return nil, errors.Errorf("unsupported message type %T", msg)
	}

	h, err := header.Marshal(fmt)
	if err != nil {
		return nil, errors.WithMessage(err, "marshal message header")
	}
	return codec.NewMessageFrame(msg.MessageID(), msg.IsResponse(), fmt, h, payload), nil
}

// ParseFrame decodes a Message frame into a Request or a Response.
// The returned message does not reference the frame's buffers.
func ParseFrame(f *codec.Frame) (Message, error) {
	if f.OpCode != operation.Message() {
		return nil, errors.Errorf("unexpected operation %s", f.OpCode)
	}

	var header Header
	if err := header.Unmarshal(f.HeaderFmt, f.Header); err != nil {
		return nil, errors.WithMessage(err, "unmarshal message header")
	}
	payload := clone(f.Payload)

	if f.IsResponse() {
		return &Response{ID: f.MessageID, Result: payload, Error: header.Error}, nil
	}
	if header.Method == "" {
		return nil, errors.New("request without method")
	}
	return &Request{Method: header.Method, Params: payload, ID: f.MessageID}, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
