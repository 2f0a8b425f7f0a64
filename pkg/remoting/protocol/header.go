package protocol

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
)

const (
	_keyMethod   = "method"
	_keyError    = "error"
	_keyIdentity = "identity"
	_keyTopics   = "topics"
)

var _json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header is the extended header of a frame.
// Which fields are set depends on the operation of the frame:
//   - Hello: Identity
//   - Subscriptions: Topics
//   - Message: Method for requests, Error for failed responses
type Header struct {
	Method   string   `json:"method,omitempty"`
	Error    string   `json:"error,omitempty"`
	Identity string   `json:"identity,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// Marshal encodes the Header using the specified format.
// An empty Header is encoded as nil.
func (h *Header) Marshal(fmt format.Format) ([]byte, error) {
	if h.empty() {
		if !fmt.Valid() {
			return nil, errors.Errorf(_unsupportedFmtErrMsg, fmt)
		}
		return nil, nil
	}
	return marshal(h, fmt)
}

// Unmarshal decodes data into the Header using the specified format.
// data is expired after the call, the Header does not reference it.
func (h *Header) Unmarshal(fmt format.Format, data []byte) error {
	if len(data) == 0 {
		*h = Header{}
		return nil
	}
	return unmarshal(h, fmt, data)
}

func (h *Header) empty() bool {
	return h.Method == "" && h.Error == "" && h.Identity == "" && len(h.Topics) == 0
}

func (h *Header) marshalJSON() ([]byte, error) {
	b, err := _json.Marshal(h)
	if err != nil {
		return nil, errors.Wrap(err, "marshal header to json")
	}
	return b, nil
}

func (h *Header) unmarshalJSON(data []byte) error {
	*h = Header{}
	if err := _json.Unmarshal(data, h); err != nil {
		return errors.Wrap(err, "unmarshal header from json")
	}
	return nil
}

func (h *Header) marshalProtoBuffer() ([]byte, error) {
	fields := make(map[string]*structpb.Value, 4)
	if h.Method != "" {
		fields[_keyMethod] = structpb.NewStringValue(h.Method)
	}
	if h.Error != "" {
		fields[_keyError] = structpb.NewStringValue(h.Error)
	}
	if h.Identity != "" {
		fields[_keyIdentity] = structpb.NewStringValue(h.Identity)
	}
	if len(h.Topics) > 0 {
		values := make([]*structpb.Value, 0, len(h.Topics))
		for _, topic := range h.Topics {
			values = append(values, structpb.NewStringValue(topic))
		}
		fields[_keyTopics] = structpb.NewListValue(&structpb.ListValue{Values: values})
	}

	b, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, errors.Wrap(err, "marshal header to protobuf")
	}
	return b, nil
}

func (h *Header) unmarshalProtoBuffer(data []byte) error {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return errors.Wrap(err, "unmarshal header from protobuf")
	}

	fields := s.GetFields()
	*h = Header{
		Method:   fields[_keyMethod].GetStringValue(),
		Error:    fields[_keyError].GetStringValue(),
		Identity: fields[_keyIdentity].GetStringValue(),
	}
	for _, v := range fields[_keyTopics].GetListValue().GetValues() {
		topic, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return errors.Errorf("topic is not a string: %v", v.AsInterface())
		}
		h.Topics = append(h.Topics, topic.StringValue)
	}
	return nil
}
