package rpcgateway

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype a client must dial with
// (grpc.CallContentSubtype(codecName)) to exchange the hand-written
// structs in messages.go over the wire. There is no .proto in this
// tree, so the usual protobuf codec has nothing to marshal; a tiny
// JSON codec keeps genuine gRPC framing, flow control, and deadline
// propagation while payloads stay plain tagged Go structs.
const codecName = "hookd-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return codecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcgateway: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcgateway: unmarshal into %T: %w", v, err)
	}
	return nil
}
