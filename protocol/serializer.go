package protocol

import "encoding/json"

// Serializer defines the contract for serializing and deserializing command payloads.
// This allows transport layers to choose their preferred format (JSON, Protobuf, SBE, etc.)
// while interacting with the exchange.
type Serializer interface {
	// Marshal serializes a Go struct (e.g. PlaceOrderRequest) into bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a Go struct.
	// v must be a pointer to the target struct.
	Unmarshal(data []byte, v any) error
}

// DefaultJSONSerializer implements Serializer with encoding/json.
type DefaultJSONSerializer struct{}

func (s *DefaultJSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *DefaultJSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
