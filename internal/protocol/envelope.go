package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire wrapper for every frame except heartbeats.
type Envelope struct {
	Type      Kind            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode wraps f in its envelope. Ping and Pong are flat {type, timestamp}.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Ping:
		return json.Marshal(Envelope{Type: KindPing, Timestamp: v.Timestamp})
	case *Pong:
		return json.Marshal(Envelope{Type: KindPong, Timestamp: v.Timestamp})
	}
	return EncodeData(f.Kind(), f)
}

// EncodeData wraps an arbitrary payload, used for frames such as the
// conversation roster that have no Frame type of their own.
func EncodeData(kind Kind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

// MustEncode is Encode for frames built by the hub itself, whose shapes
// are known to marshal.
func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}
