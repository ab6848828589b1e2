package dispatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stegoshare/backend/internal/validation"
	"github.com/stegoshare/backend/server/directory"
)

// Message types accepted on the service port.
const (
	TypeRegister    = "register"
	TypeSignIn      = "sign_in"
	TypeActiveUsers = "active_users"
	TypeShutdown    = "shutdown"
	TypeChangeView  = "change-view"
	// typeUpload labels the comma-triplet upload request in logs and
	// metrics; it never appears on the wire.
	typeUpload = "upload"
)

// Request is the union of all JSON control requests. Handlers read only
// the fields their type defines; missing required fields are a log-and-
// drop, never a panic.
type Request struct {
	Type           string          `json:"type"`
	UserID         json.Number     `json:"user_id,omitempty"`
	Nonce          json.Number     `json:"randam_number,omitempty"`
	P2PSocket      json.RawMessage `json:"p2p_socket,omitempty"`
	ImageID        string          `json:"image_id,omitempty"`
	RequestedViews uint16          `json:"requested_views,omitempty"`
	PeerAddress    string          `json:"peer_address,omitempty"`
}

// p2pSocket is the shape of the sign_in payload's socket description.
type p2pSocket struct {
	Port uint16 `json:"port"`
}

// Reply is the JSON response sent back on the service port.
type Reply struct {
	Status    string                    `json:"status"`
	UserID    int64                     `json:"user_id,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Resources []directory.PendingRights `json:"resources,omitempty"`
	Data      []directory.PeerInfo      `json:"data,omitempty"`
}

func successReply() Reply {
	return Reply{Status: "success"}
}

func failureReply(err error) Reply {
	return Reply{Status: "failure", Error: err.Error()}
}

// uploadRequest is the comma-triplet form "client_id,image_id,nonce"
// announcing an image upload.
type uploadRequest struct {
	ClientID int64
	ImageID  string
	Nonce    string
}

// parseUploadTriplet parses the triplet form.
func parseUploadTriplet(payload []byte) (*uploadRequest, error) {
	parts := strings.Split(string(payload), ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	clientID, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}
	imageID := strings.TrimSpace(parts[1])
	if err := validation.ValidateImageID(imageID); err != nil {
		return nil, err
	}
	return &uploadRequest{
		ClientID: clientID,
		ImageID:  imageID,
		Nonce:    strings.TrimSpace(parts[2]),
	}, nil
}

// classify reports the message type and the nonce used for the request
// id. JSON payloads start with '{'; anything else is tried as an upload
// triplet.
func classify(payload []byte) (msgType string, req *Request, upload *uploadRequest, nonce string, err error) {
	if len(payload) > 0 && payload[0] == '{' {
		var r Request
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", nil, nil, "", fmt.Errorf("parse request: %w", err)
		}
		if r.Type == "" {
			return "", nil, nil, "", fmt.Errorf("request missing type")
		}
		return r.Type, &r, nil, r.Nonce.String(), nil
	}

	u, err := parseUploadTriplet(payload)
	if err != nil {
		return "", nil, nil, "", err
	}
	return typeUpload, nil, u, u.Nonce, nil
}
