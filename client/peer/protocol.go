// Package peer implements the peer-to-peer rights protocol: requesting,
// granting, rejecting, and increasing view rights directly between
// clients, with server-backed forwarding when the peer is offline.
package peer

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types exchanged between peers.
const (
	TypeImageRequest         = "image_request"
	TypeImageRejection       = "image_rejection"
	TypeRejectionAck         = "rejection_ack"
	TypeIncreaseViewsRequest = "increase_views_request"
	TypeIncreaseApproved     = "increase_approved"
	TypeIncreaseRejected     = "increase_rejected"
	TypeIncreaseApprovedAck  = "increase_approved_ack"
	TypeIncreaseRejectedAck  = "increase_rejected_ack"
)

// Timeouts of the ack handshakes.
const (
	// ReplyTimeout bounds the wait for the first response to an
	// outgoing request.
	ReplyTimeout = 6 * time.Second
	// RejectionAckTimeout bounds the responder's wait for a
	// rejection_ack; on expiry the responder gives up silently.
	RejectionAckTimeout = 5 * time.Second
	// GrantAckTimeout bounds the wait for increase_*_ack; an approved
	// grant that times out is forwarded to the servers.
	GrantAckTimeout = 10 * time.Second
)

// Message is the union of all single-datagram peer messages.
type Message struct {
	Type               string `json:"type"`
	ImageID            string `json:"image_id"`
	Views              uint16 `json:"views,omitempty"`
	RequestingClientID int64  `json:"requesting_client_id,omitempty"`
	UserID             int64  `json:"user_id,omitempty"`
	Status             string `json:"status,omitempty"`
}

// CarrierPayload is the reassembled chunked grant: the outer carrier
// travels base64-encoded inside a JSON wrapper, never as a bare blob.
type CarrierPayload struct {
	ImageID        string `json:"image_id"`
	RequestedViews uint16 `json:"requested_views"`
	Data           string `json:"data"`
}

// ParseMessage decodes a peer message, requiring type and image_id.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse peer message: %w", err)
	}
	if msg.Type == "" || msg.ImageID == "" {
		return nil, fmt.Errorf("peer message missing type or image_id")
	}
	return &msg, nil
}

// encode marshals a message; the schemas are small enough that failure
// is a programming error surfaced to the caller.
func encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode peer message: %w", err)
	}
	return data, nil
}
