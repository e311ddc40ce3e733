// Package transport carries prepare traffic between nodes over gRPC. Messages
// are plain Go structs encoded with msgpack, so no generated stubs are needed.
package transport

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the msgpack codec.
const CodecName = "msgpack"

var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", v, err)
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode %T: %w", v, err)
	}
	return nil
}

func (msgpackCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
