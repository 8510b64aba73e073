package rpc

import (
	"bytes"
	"encoding/json"

	"connectrpc.com/connect"
)

// jsonCodec serializes plain Go structs. It is registered under "json" and
// replaces connect's protobuf JSON codec, which only accepts proto messages.
type jsonCodec struct{}

var _ connect.Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(msg)
}

// Codec returns the codec clients of the desk service must use.
func Codec() connect.Codec { return jsonCodec{} }
