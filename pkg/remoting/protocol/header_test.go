package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AutoMQ/remoting/pkg/remoting/codec/format"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHeader(t *testing.T) {
	tests := []struct {
		name   string
		fmt    format.Format
		header Header
	}{
		{name: "json hello", fmt: format.JSON(), header: Header{Identity: "node-a"}},
		{name: "json subscriptions", fmt: format.JSON(), header: Header{Topics: []string{"config::Update", "event::CheckResult"}}},
		{name: "protobuf request", fmt: format.ProtoBuffer(), header: Header{Method: "config::Update"}},
		{name: "protobuf response", fmt: format.ProtoBuffer(), header: Header{Error: "no such object"}},
		{name: "protobuf subscriptions", fmt: format.ProtoBuffer(), header: Header{Topics: []string{"a", "b", "c"}}},
		{name: "empty", fmt: format.JSON(), header: Header{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			data, err := tt.header.Marshal(tt.fmt)
			re.NoError(err)

			got := Header{Method: "stale"}
			err = got.Unmarshal(tt.fmt, data)
			re.NoError(err)
			re.Equal(tt.header, got)
		})
	}
}

func TestHeader_JSONWire(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	data, err := (&Header{Method: "m", Topics: []string{"t"}}).Marshal(format.JSON())
	re.NoError(err)
	re.JSONEq(`{"method":"m","topics":["t"]}`, string(data))
}

func TestHeader_UnsupportedFormat(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	_, err := (&Header{Method: "m"}).Marshal(format.NewFormat(0))
	re.ErrorContains(err, "unsupported format: Unknown")

	_, err = (&Header{}).Marshal(format.NewFormat(0))
	re.ErrorContains(err, "unsupported format: Unknown")

	err = (&Header{}).Unmarshal(format.NewFormat(0), []byte("{}"))
	re.ErrorContains(err, "unsupported format: Unknown")
}

func TestHeader_Malformed(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var h Header
	re.ErrorContains(h.Unmarshal(format.JSON(), []byte("{")), "unmarshal header from json")
	re.ErrorContains(h.Unmarshal(format.ProtoBuffer(), []byte{0xff, 0xff}), "unmarshal header from protobuf")

	list, err := structpb.NewList([]interface{}{"a", 1.0})
	re.NoError(err)
	data, err := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		_keyTopics: structpb.NewListValue(list),
	}})
	re.NoError(err)
	re.ErrorContains(h.Unmarshal(format.ProtoBuffer(), data), "topic is not a string")
}
