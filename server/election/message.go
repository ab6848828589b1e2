package election

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageType discriminates envelopes on the heartbeat port.
type MessageType uint8

const (
	TypeHeartbeat MessageType = iota + 1
	TypeCoordinatorNotification
	// Reserved types: accepted and ignored.
	TypeClientRequest
	TypeCoordinationIntent
)

// Envelope is the CBOR-encoded coordination message exchanged between
// servers on the heartbeat port.
type Envelope struct {
	Sender    string      `cbor:"sender"`
	Receiver  string      `cbor:"receiver"`
	Type      MessageType `cbor:"msg_type"`
	Priority  float32     `cbor:"priority,omitempty"`
	RequestID string      `cbor:"request_id,omitempty"`
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope off the wire.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
