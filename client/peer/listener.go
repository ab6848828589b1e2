package peer

import (
	"context"
	"net"
	"time"

	"github.com/stegoshare/backend/client/rights"
	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
)

// InboundRequest is a peer request needing a user decision, handed off
// to the interactive layer through the bounded queue.
type InboundRequest struct {
	Message *Message
	Src     *net.UDPAddr
}

// Listener is the client's long-running P2P loop. It classifies every
// inbound datagram: increase grant responses are applied to the rights
// store and acked immediately; requests needing a decision go onto the
// queue; everything else is dropped.
type Listener struct {
	conn     *net.UDPConn
	tr       *transport.Transport
	store    *rights.Store
	logger   *observability.Logger
	requests chan InboundRequest
}

// NewListener wraps a bound P2P socket. queueDepth bounds the hand-off
// queue to the interactive layer; when it is full further requests are
// dropped rather than blocking the loop.
func NewListener(conn *net.UDPConn, tr *transport.Transport, store *rights.Store, logger *observability.Logger, queueDepth int) *Listener {
	return &Listener{
		conn:     conn,
		tr:       tr,
		store:    store,
		logger:   logger,
		requests: make(chan InboundRequest, queueDepth),
	}
}

// Requests is the queue of inbound peer requests awaiting a decision.
func (l *Listener) Requests() <-chan InboundRequest {
	return l.requests
}

// Addr returns the listener's bound address, as registered in the
// directory at sign-in.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Run consumes datagrams until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	buf := make([]byte, transport.PacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			l.logger.Error(err, "p2p socket read failed")
			continue
		}
		if n == 0 {
			continue
		}

		msg, err := ParseMessage(buf[:n])
		if err != nil {
			// Malformed datagram; drop without disrupting the loop.
			l.logger.WithPeer(src.String()).Debug("dropping malformed p2p datagram")
			continue
		}

		switch msg.Type {
		case TypeIncreaseApproved:
			if err := l.store.AddViews(msg.ImageID, uint32(msg.Views)); err != nil {
				l.logger.Error(err, "increase grant merge failed")
				continue
			}
			l.ack(src, TypeIncreaseApprovedAck, msg.ImageID)
			l.logger.WithImage(msg.ImageID).Info("increase grant applied")

		case TypeIncreaseRejected:
			l.ack(src, TypeIncreaseRejectedAck, msg.ImageID)
			l.logger.WithImage(msg.ImageID).Info("increase request rejected by owner")

		case TypeImageRequest, TypeIncreaseViewsRequest:
			select {
			case l.requests <- InboundRequest{Message: msg, Src: src}:
			default:
				l.logger.WithPeer(src.String()).Warn("request queue full, dropping peer request")
			}

		default:
			l.logger.WithPeer(src.String()).Warn("unknown p2p message type, dropping")
		}
	}
}

// ack sends a handshake ack back to the response socket.
func (l *Listener) ack(dst *net.UDPAddr, ackType, imageID string) {
	ack, err := encode(&Message{Type: ackType, ImageID: imageID, Status: "received"})
	if err != nil {
		return
	}
	if err := l.tr.SendControl(l.conn, dst, ack); err != nil {
		l.logger.Error(err, "p2p ack send failed")
	}
}
