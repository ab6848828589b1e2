// Package workflow implements the client's operations against the
// server cluster: registration, sign-in, discovery, upload, and the
// change-view fallback used when a peer grant cannot be acked.
package workflow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stegoshare/backend/client/config"
	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
	"github.com/stegoshare/backend/server/directory"
	"github.com/stegoshare/backend/server/dispatch"
)

var (
	ErrNoServerReply = errors.New("no reply from any server")
	ErrServerFailure = errors.New("server reported failure")
	ErrBadPortReply  = errors.New("malformed port reply")
)

// ReplyTimeout bounds the wait for the first server reply. The request
// is multicast to every server; the first reply is used and any later
// duplicate is not read.
const ReplyTimeout = 6 * time.Second

// Client talks to the replicated server cluster.
type Client struct {
	cfg    *config.Config
	tr     *transport.Transport
	logger *observability.Logger
}

// NewClient creates a cluster client.
func NewClient(cfg *config.Config, tr *transport.Transport, logger *observability.Logger) *Client {
	return &Client{cfg: cfg, tr: tr, logger: logger}
}

// nonce derives a fresh numeric request nonce.
func nonce() json.Number {
	id := uuid.New()
	n := binary.BigEndian.Uint32(id[:4])
	return json.Number(fmt.Sprintf("%d", n))
}

// multicast sends payload to every server and returns the first reply.
// Replies may be single-datagram or chunked; both are accepted.
func (c *Client) multicast(payload []byte) ([]byte, *net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, nil, fmt.Errorf("bind request socket: %w", err)
	}
	defer conn.Close()
	return c.multicastOn(conn, payload)
}

func (c *Client) multicastOn(conn *net.UDPConn, payload []byte) ([]byte, *net.UDPAddr, error) {
	for _, server := range c.cfg.ServerAddrs() {
		dst, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			continue
		}
		if err := c.tr.SendControl(conn, dst, payload); err != nil {
			c.logger.WithPeer(server).Error(err, "request send failed")
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(ReplyTimeout))
	data, src, err := c.tr.RecvControl(conn)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil, nil, ErrNoServerReply
		}
		return nil, nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return data, src, nil
}

// roundTrip multicasts a JSON request and parses the reply.
func (c *Client) roundTrip(req *dispatch.Request) (*dispatch.Reply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data, _, err := c.multicast(payload)
	if err != nil {
		return nil, err
	}
	var reply dispatch.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("parse reply: %w", err)
	}
	if reply.Status != "success" {
		return &reply, fmt.Errorf("%w: %s", ErrServerFailure, reply.Error)
	}
	return &reply, nil
}

// Register obtains a fresh client id from the cluster.
func (c *Client) Register() (int64, error) {
	reply, err := c.roundTrip(&dispatch.Request{
		Type:  dispatch.TypeRegister,
		Nonce: nonce(),
	})
	if err != nil {
		return 0, err
	}
	return reply.UserID, nil
}

// SignIn announces the client's p2p port and returns any view grants
// queued while it was offline.
func (c *Client) SignIn(userID int64, p2pPort uint16) ([]directory.PendingRights, error) {
	sock, err := json.Marshal(map[string]uint16{"port": p2pPort})
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(&dispatch.Request{
		Type:      dispatch.TypeSignIn,
		UserID:    json.Number(fmt.Sprintf("%d", userID)),
		Nonce:     nonce(),
		P2PSocket: sock,
	})
	if err != nil {
		return nil, err
	}
	return reply.Resources, nil
}

// ActiveUsers snapshots the other reachable clients and their images.
func (c *Client) ActiveUsers(userID int64) ([]directory.PeerInfo, error) {
	reply, err := c.roundTrip(&dispatch.Request{
		Type:   dispatch.TypeActiveUsers,
		UserID: json.Number(fmt.Sprintf("%d", userID)),
		Nonce:  nonce(),
	})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Shutdown marks this client offline in the directory.
func (c *Client) Shutdown(userID int64) error {
	_, err := c.roundTrip(&dispatch.Request{
		Type:   dispatch.TypeShutdown,
		UserID: json.Number(fmt.Sprintf("%d", userID)),
		Nonce:  nonce(),
	})
	return err
}

// ChangeView queues a grant for an offline viewer through the cluster.
// Implements peer.ClusterForwarder.
func (c *Client) ChangeView(imageID string, views uint16, peerAddr string) error {
	_, err := c.roundTrip(&dispatch.Request{
		Type:           dispatch.TypeChangeView,
		ImageID:        imageID,
		RequestedViews: views,
		PeerAddress:    peerAddr,
		Nonce:          nonce(),
	})
	return err
}

// UploadImage sends an image to the cluster for encoding and saves the
// returned carrier as encrypted_<imageID>.png in the save directory.
// The image id is stamped with the owner's id: client{id}-{stem}.
func (c *Client) UploadImage(userID int64, imagePath string) (string, string, error) {
	payload, err := os.ReadFile(imagePath)
	if err != nil {
		return "", "", fmt.Errorf("read image: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	imageID := fmt.Sprintf("client%d-%s", userID, stem)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return "", "", fmt.Errorf("bind upload socket: %w", err)
	}
	defer conn.Close()

	// Announce the upload with the comma-triplet form; the coordinator
	// replies with the ephemeral session port as two big-endian bytes.
	triplet := fmt.Sprintf("%d,%s,%s", userID, imageID, nonce())
	port, serverIP, err := c.awaitPortReply(conn, []byte(triplet))
	if err != nil {
		return "", "", err
	}

	session := &net.UDPAddr{IP: serverIP, Port: int(port)}
	if err := c.tr.SendMessageWithPreamble(conn, session, filepath.Base(imagePath), payload); err != nil {
		return "", "", err
	}

	carrier, _, err := c.tr.RecvMessage(conn)
	if err != nil {
		return "", "", err
	}

	carrierPath := filepath.Join(c.cfg.SaveDir, fmt.Sprintf("encrypted_%s.png", imageID))
	if err := os.MkdirAll(c.cfg.SaveDir, 0755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(carrierPath, carrier, 0644); err != nil {
		return "", "", fmt.Errorf("save carrier: %w", err)
	}
	c.logger.WithImage(imageID).Info("carrier received from cluster")
	return imageID, carrierPath, nil
}

// awaitPortReply multicasts the upload triplet and waits for the 2-byte
// port reply from the coordinator.
func (c *Client) awaitPortReply(conn *net.UDPConn, triplet []byte) (uint16, net.IP, error) {
	for _, server := range c.cfg.ServerAddrs() {
		dst, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			continue
		}
		if err := c.tr.SendControl(conn, dst, triplet); err != nil {
			c.logger.WithPeer(server).Error(err, "upload announce failed")
		}
	}

	defer conn.SetReadDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Now().Add(ReplyTimeout))
	buf := make([]byte, transport.PacketSize)
	n, src, err := conn.ReadFromUDP(buf)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return 0, nil, ErrNoServerReply
		}
		return 0, nil, err
	}
	if n != 2 {
		return 0, nil, ErrBadPortReply
	}
	port := uint16(buf[0])<<8 | uint16(buf[1])
	return port, src.IP, nil
}
