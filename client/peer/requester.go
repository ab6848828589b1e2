package peer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/stegoshare/backend/client/rights"
	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
)

var (
	ErrRequestRejected = errors.New("image request rejected by owner")
	ErrReplyTimeout    = errors.New("no reply from peer")
)

// Requester drives the viewer's side of the rights protocol. Each
// exchange runs on a fresh ephemeral socket so the long-running listener
// socket never sees a chunked carrier stream.
type Requester struct {
	tr     *transport.Transport
	store  *rights.Store
	logger *observability.Logger
}

// NewRequester creates a requester storing granted carriers in store.
func NewRequester(tr *transport.Transport, store *rights.Store, logger *observability.Logger) *Requester {
	return &Requester{tr: tr, store: store, logger: logger}
}

// RequestImage asks the owner at ownerAddr for views of imageID. On a
// grant the carrier lands in the rights store and the granted views are
// returned; on a rejection it acks the rejection and returns zero views
// with ErrRequestRejected.
func (r *Requester) RequestImage(ownerAddr string, requestingClientID int64, imageID string, views uint16) (uint16, error) {
	dst, err := net.ResolveUDPAddr("udp", ownerAddr)
	if err != nil {
		return 0, fmt.Errorf("resolve owner: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return 0, fmt.Errorf("bind exchange socket: %w", err)
	}
	defer conn.Close()

	request, err := encode(&Message{
		Type:               TypeImageRequest,
		ImageID:            imageID,
		Views:              views,
		RequestingClientID: requestingClientID,
	})
	if err != nil {
		return 0, err
	}
	if err := r.tr.SendControl(conn, dst, request); err != nil {
		return 0, err
	}

	// The owner answers with either a single-datagram rejection or a
	// chunked carrier; RecvControl accepts both forms.
	_ = conn.SetReadDeadline(time.Now().Add(ReplyTimeout))
	data, src, err := r.tr.RecvControl(conn)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, ErrReplyTimeout
		}
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if msg, err := ParseMessage(data); err == nil && msg.Type == TypeImageRejection {
		ack, err := encode(&Message{Type: TypeRejectionAck, ImageID: msg.ImageID, Status: "received"})
		if err == nil {
			_ = r.tr.SendControl(conn, src, ack)
		}
		if r.logger != nil {
			r.logger.WithImage(imageID).Info("image request rejected")
		}
		return 0, ErrRequestRejected
	}

	var payload CarrierPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("parse carrier payload: %w", err)
	}
	if payload.ImageID == "" || payload.Data == "" {
		return 0, fmt.Errorf("carrier payload missing image_id or data")
	}
	carrier, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return 0, fmt.Errorf("decode carrier payload: %w", err)
	}

	granted, err := r.store.Store(payload.ImageID, carrier)
	if err != nil {
		return 0, err
	}
	if r.logger != nil {
		r.logger.WithImage(payload.ImageID).Info("carrier stored")
	}
	return granted, nil
}

// SendIncreaseRequest asks the owner for additional views of an already
// held image. Fire-and-forget from the p2p listener socket: the approval
// or rejection arrives on the listener, which routes it to the rights
// store and acks it.
func (r *Requester) SendIncreaseRequest(conn *net.UDPConn, ownerAddr string, userID int64, imageID string, views uint16) error {
	dst, err := net.ResolveUDPAddr("udp", ownerAddr)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	request, err := encode(&Message{
		Type:    TypeIncreaseViewsRequest,
		ImageID: imageID,
		Views:   views,
		UserID:  userID,
	})
	if err != nil {
		return err
	}
	return r.tr.SendControl(conn, dst, request)
}
