package transport

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype both ends of a stream agree on.
const CodecName = "peerlock-msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

var msgpackHandle = &codec.MsgpackHandle{}

// msgpackCodec frames envelopes with go-msgpack instead of protobuf, so the
// wire needs no generated message types.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (msgpackCodec) Name() string {
	return CodecName
}
