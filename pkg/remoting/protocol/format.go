package protocol

import (
	"github.com/pkg/errors"

	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
)

const (
	_unsupportedFmtErrMsg = "unsupported format: %s"
)

type marshaller interface {
	protoBufferMarshaller
	jsonMarshaller
}

type protoBufferMarshaller interface {
	marshalProtoBuffer() ([]byte, error)
}

type jsonMarshaller interface {
	marshalJSON() ([]byte, error)
}

func marshal(m marshaller, fmt format.Format) ([]byte, error) {
	switch fmt {
	case format.ProtoBuffer():
		return m.marshalProtoBuffer()
	case format.JSON():
		return m.marshalJSON()
	default:
		return nil, errors.Errorf(_unsupportedFmtErrMsg, fmt)
	}
}

type unmarshaler interface {
	protoBufferUnmarshaler
	jsonUnmarshaler
}

type protoBufferUnmarshaler interface {
	unmarshalProtoBuffer(data []byte) error
}

type jsonUnmarshaler interface {
	unmarshalJSON(data []byte) error
}

func unmarshal(m unmarshaler, fmt format.Format, data []byte) error {
	switch fmt {
	case format.ProtoBuffer():
		return m.unmarshalProtoBuffer(data)
	case format.JSON():
		return m.unmarshalJSON(data)
	default:
		return errors.Errorf(_unsupportedFmtErrMsg, fmt)
	}
}
