package rpc

import (
	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype of every call of the service.
const CodecName = "kvrepair"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec encodes protobuf messages as protobuf and anything else as JSON.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal json")
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ewrap.Wrap(err, "failed to unmarshal json")
	}
	return nil
}

func (codec) Name() string { return CodecName }
