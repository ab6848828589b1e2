package peer

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/stego"
	"github.com/stegoshare/backend/internal/transport"
)

// ClusterForwarder forwards a grant to the server cluster when the
// viewer cannot be reached directly.
type ClusterForwarder interface {
	ChangeView(imageID string, views uint16, peerAddr string) error
}

// Responder drives the owner's side of the rights protocol. Every
// response runs on a fresh ephemeral socket; the viewer acks to that
// socket, so the listener loop is never blocked on a handshake.
type Responder struct {
	tr        *transport.Transport
	saveDir   string // where the owner's own carriers live
	forwarder ClusterForwarder
	logger    *observability.Logger
	metrics   *observability.Metrics

	grantAckTimeout     time.Duration
	rejectionAckTimeout time.Duration
}

// NewResponder creates a responder serving carriers from saveDir.
func NewResponder(tr *transport.Transport, saveDir string, forwarder ClusterForwarder, logger *observability.Logger, metrics *observability.Metrics) *Responder {
	return &Responder{
		tr:                  tr,
		saveDir:             saveDir,
		forwarder:           forwarder,
		logger:              logger,
		metrics:             metrics,
		grantAckTimeout:     GrantAckTimeout,
		rejectionAckTimeout: RejectionAckTimeout,
	}
}

// carrierFile is where an owner's inner carrier for an uploaded image is
// kept, as returned by the cluster at upload time.
func (r *Responder) carrierFile(imageID string) string {
	return fmt.Sprintf("%s/encrypted_%s.png", r.saveDir, imageID)
}

// RespondToRequest answers an image_request. Approved: build the outer
// carrier with the requested view budget and send it chunked to the
// requester. Rejected: send a single-datagram rejection and wait briefly
// for its ack.
func (r *Responder) RespondToRequest(requesterAddr string, imageID string, views uint16, approved bool) error {
	dst, err := net.ResolveUDPAddr("udp", requesterAddr)
	if err != nil {
		return fmt.Errorf("resolve requester: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("bind response socket: %w", err)
	}
	defer conn.Close()

	if !approved {
		return r.sendRejection(conn, dst, imageID, views)
	}

	payload, err := r.buildGrantPayload(imageID, views)
	if err != nil {
		return err
	}
	if err := r.tr.SendMessage(conn, dst, payload); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RightsGrantedTotal.Inc()
	}
	if r.logger != nil {
		r.logger.RightsGranted(imageID, requesterAddr, views)
	}
	return nil
}

// buildGrantPayload loads the owner's inner carrier, stamps the view
// budget as the access-rights row, and wraps the result for the wire.
func (r *Responder) buildGrantPayload(imageID string, views uint16) ([]byte, error) {
	innerBytes, err := os.ReadFile(r.carrierFile(imageID))
	if err != nil {
		return nil, fmt.Errorf("load carrier for %s: %w", imageID, err)
	}
	inner, err := stego.DecodePNG(innerBytes)
	if err != nil {
		return nil, err
	}
	outer := stego.EncodeAccessRights(inner, views)
	outerBytes, err := stego.EncodePNG(outer)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&CarrierPayload{
		ImageID:        imageID,
		RequestedViews: views,
		Data:           base64.StdEncoding.EncodeToString(outerBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("encode grant payload: %w", err)
	}
	return payload, nil
}

// sendRejection sends image_rejection and waits up to 5 s for the
// rejection_ack; on timeout it gives up silently.
func (r *Responder) sendRejection(conn *net.UDPConn, dst *net.UDPAddr, imageID string, views uint16) error {
	rejection, err := encode(&Message{Type: TypeImageRejection, ImageID: imageID, Views: views})
	if err != nil {
		return err
	}
	if err := r.tr.SendControl(conn, dst, rejection); err != nil {
		return err
	}
	if _, err := r.awaitAck(conn, TypeRejectionAck, imageID, r.rejectionAckTimeout); err != nil {
		// Rejection is idempotent from the viewer's standpoint.
		if r.logger != nil {
			r.logger.WithImage(imageID).Debug("rejection ack timed out")
		}
	}
	return nil
}

// RespondToIncrease answers an increase_views_request. Approved grants
// must be acked within 10 s; a silent viewer is presumed offline and the
// grant is forwarded to the servers as change-view, which queue it for
// the viewer's next sign-in. Rejections that time out are dropped.
func (r *Responder) RespondToIncrease(viewerAddr string, imageID string, views uint16, approved bool) error {
	dst, err := net.ResolveUDPAddr("udp", viewerAddr)
	if err != nil {
		return fmt.Errorf("resolve viewer: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("bind response socket: %w", err)
	}
	defer conn.Close()

	msgType := TypeIncreaseApproved
	ackType := TypeIncreaseApprovedAck
	if !approved {
		msgType = TypeIncreaseRejected
		ackType = TypeIncreaseRejectedAck
	}

	response, err := encode(&Message{Type: msgType, ImageID: imageID, Views: views})
	if err != nil {
		return err
	}
	if err := r.tr.SendControl(conn, dst, response); err != nil {
		return err
	}

	if _, err := r.awaitAck(conn, ackType, imageID, r.grantAckTimeout); err != nil {
		if !approved {
			return nil
		}
		// Eventual success through the coordination plane.
		if r.metrics != nil {
			r.metrics.RightsForwardedTotal.Inc()
		}
		if r.logger != nil {
			r.logger.RightsForwarded(imageID, viewerAddr, views)
		}
		if r.forwarder == nil {
			return fmt.Errorf("grant ack timed out and no forwarder configured")
		}
		return r.forwarder.ChangeView(imageID, views, viewerAddr)
	}

	if approved {
		if r.metrics != nil {
			r.metrics.RightsGrantedTotal.Inc()
		}
		if r.logger != nil {
			r.logger.RightsGranted(imageID, viewerAddr, views)
		}
	}
	return nil
}

var errAckTimeout = errors.New("ack timeout")

// awaitAck waits for a matching ack on conn, ignoring stray datagrams.
func (r *Responder) awaitAck(conn *net.UDPConn, ackType, imageID string, timeout time.Duration) (*Message, error) {
	defer conn.SetReadDeadline(time.Time{})
	deadline := time.Now().Add(timeout)
	buf := make([]byte, transport.PacketSize)

	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, errAckTimeout
			}
			return nil, err
		}
		msg, err := ParseMessage(buf[:n])
		if err != nil {
			continue
		}
		if msg.Type == ackType && msg.ImageID == imageID {
			return msg, nil
		}
	}
}
