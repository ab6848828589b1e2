// Package dispatch accepts client datagrams on the service port,
// classifies them, runs the per-request election, and executes the
// selected handler.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/ratelimit"
	"github.com/stegoshare/backend/internal/transport"
	"github.com/stegoshare/backend/server/config"
	"github.com/stegoshare/backend/server/directory"
	"github.com/stegoshare/backend/server/election"
)

// Dispatcher owns the service socket and the request handlers.
type Dispatcher struct {
	cfg     *config.Config
	dir     directory.Service
	coord   *election.Coordinator
	tr      *transport.Transport
	alloc   *transport.PortAllocator
	cache   *CarrierCache
	logger  *observability.Logger
	metrics *observability.Metrics
	conn    *net.UDPConn

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// uploadLimiter bounds the rate of new upload sessions across all
	// clients; each session holds a socket and a goroutine.
	uploadLimiter *ratelimit.TokenBucket
}

// NewDispatcher wires the dispatcher onto its collaborators. The carrier
// cache may be nil, in which case every upload is encoded fresh.
func NewDispatcher(
	cfg *config.Config,
	dir directory.Service,
	coord *election.Coordinator,
	tr *transport.Transport,
	alloc *transport.PortAllocator,
	cache *CarrierCache,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		dir:           dir,
		coord:         coord,
		tr:            tr,
		alloc:         alloc,
		cache:         cache,
		logger:        logger,
		metrics:       metrics,
		limiters:      make(map[string]*rate.Limiter),
		uploadLimiter: ratelimit.NewTokenBucket(50, 100), // 50 sessions/s, burst 100
	}
}

// Run binds the service port and serves requests until ctx is done. Each
// accepted request is handled in its own goroutine; the accept loop never
// stops on a bad datagram.
func (d *Dispatcher) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: int(d.cfg.ServicePort)})
	if err != nil {
		return fmt.Errorf("bind service port: %w", err)
	}
	d.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, transport.PacketSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error(err, "service socket read failed")
			continue
		}
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go d.handle(ctx, payload, src)
	}
}

// Bound reports whether the service socket is up, for health checks.
func (d *Dispatcher) Bound() bool {
	return d.conn != nil
}

// Addr returns the bound service address, nil before Run binds it.
func (d *Dispatcher) Addr() *net.UDPAddr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr().(*net.UDPAddr)
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte, src *net.UDPAddr) {
	tracer := otel.Tracer("stegoshare-server")

	msgType, req, upload, nonce, err := classify(payload)
	if err != nil {
		// Malformed or missing fields: log and drop, no reply.
		d.logger.WithPeer(src.String()).Error(err, "dropping unparseable request")
		if d.metrics != nil {
			d.metrics.RequestsDropped.WithLabelValues("malformed").Inc()
		}
		return
	}

	requestID := RequestID(src, payload, nonce)
	if !d.coord.TryAcquire(requestID) {
		// Another server answers, or this request is already in flight.
		if d.metrics != nil {
			d.metrics.RequestsDropped.WithLabelValues("not_coordinator").Inc()
		}
		return
	}
	// An upload stays in flight for its whole session; the session
	// goroutine releases it. Everything else releases on return.
	releaseOnReturn := true
	defer func() {
		if releaseOnReturn {
			d.coord.Release(requestID)
		}
	}()

	ctx, span := tracer.Start(ctx, "dispatch.handle")
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("msg_type", msgType),
	)
	defer span.End()

	log := d.logger.WithRequest(requestID).WithPeer(src.String())

	if msgType == typeUpload {
		releaseOnReturn = false
		d.handleUpload(ctx, upload, src, log, func() { d.coord.Release(requestID) })
		return
	}

	var reply Reply
	switch msgType {
	case TypeRegister:
		reply = d.handleRegister(ctx, src)
	case TypeSignIn:
		reply = d.handleSignIn(ctx, req, src)
	case TypeActiveUsers:
		reply = d.handleActiveUsers(ctx, req)
	case TypeShutdown:
		reply = d.handleShutdown(ctx, req)
	case TypeChangeView:
		reply = d.handleChangeView(ctx, req)
	default:
		log.Warn("unknown message type, dropping")
		if d.metrics != nil {
			d.metrics.RequestsDropped.WithLabelValues("unknown_type").Inc()
		}
		return
	}

	// A zero-status reply marks a payload missing a required field:
	// logged and dropped, never answered.
	if reply.Status == "" {
		log.Warn("request missing required field, dropping")
		if d.metrics != nil {
			d.metrics.RequestsDropped.WithLabelValues("missing_field").Inc()
		}
		return
	}

	if d.metrics != nil {
		d.metrics.RecordRequest(msgType, reply.Status == "success")
	}
	if err := d.sendReply(src, reply); err != nil {
		log.Error(err, "reply send failed")
	}
}

// sendReply serializes a reply and sends it single-datagram when it fits,
// chunked otherwise. Clients accept either form on their control socket.
// The chunked path needs to read acks, which must not race the accept
// loop on the service socket, so it runs on a throwaway socket.
func (d *Dispatcher) sendReply(dst *net.UDPAddr, reply Reply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	if len(data) <= transport.ChunkPayloadSize {
		return d.tr.SendControl(d.conn, dst, data)
	}
	replyConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("bind reply socket: %w", err)
	}
	defer replyConn.Close()
	return d.tr.SendMessage(replyConn, dst, data)
}

func (d *Dispatcher) handleRegister(ctx context.Context, src *net.UDPAddr) Reply {
	if !d.registerLimiter(src.IP.String()).Allow() {
		return failureReply(fmt.Errorf("registration rate limit exceeded"))
	}
	id, err := d.dir.Register(ctx, src.String())
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("register", err)
	}
	if err != nil {
		return failureReply(err)
	}
	reply := successReply()
	reply.UserID = id
	return reply
}

func (d *Dispatcher) handleSignIn(ctx context.Context, req *Request, src *net.UDPAddr) Reply {
	userID, err := req.UserID.Int64()
	if err != nil {
		return Reply{}
	}
	var sock p2pSocket
	if len(req.P2PSocket) == 0 || json.Unmarshal(req.P2PSocket, &sock) != nil || sock.Port == 0 {
		return Reply{}
	}

	// Drain before the address changes: queued grants are keyed by the
	// address the viewer had when they were forwarded.
	resources, err := d.dir.DrainPendingRights(ctx, userID)
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("drain_pending_rights", err)
	}
	if err != nil {
		return failureReply(err)
	}

	addr := net.JoinHostPort(src.IP.String(), fmt.Sprintf("%d", sock.Port))
	if err := d.dir.SignIn(ctx, userID, addr); err != nil {
		if d.metrics != nil {
			d.metrics.RecordDirectoryOperation("sign_in", err)
		}
		return failureReply(err)
	}
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("sign_in", nil)
	}

	reply := successReply()
	reply.Resources = resources
	return reply
}

func (d *Dispatcher) handleActiveUsers(ctx context.Context, req *Request) Reply {
	userID, err := req.UserID.Int64()
	if err != nil {
		return Reply{}
	}
	peers, err := d.dir.ActivePeers(ctx, userID)
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("active_peers", err)
	}
	if err != nil {
		return failureReply(err)
	}
	reply := successReply()
	reply.Data = peers
	return reply
}

func (d *Dispatcher) handleShutdown(ctx context.Context, req *Request) Reply {
	userID, err := req.UserID.Int64()
	if err != nil {
		return Reply{}
	}
	if err := d.dir.Shutdown(ctx, userID); err != nil {
		if d.metrics != nil {
			d.metrics.RecordDirectoryOperation("shutdown", err)
		}
		return failureReply(err)
	}
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("shutdown", nil)
	}
	return successReply()
}

func (d *Dispatcher) handleChangeView(ctx context.Context, req *Request) Reply {
	if req.PeerAddress == "" || req.ImageID == "" {
		return Reply{}
	}
	err := d.dir.QueuePendingRights(ctx, req.PeerAddress, req.ImageID, req.RequestedViews)
	if d.metrics != nil {
		d.metrics.RecordDirectoryOperation("queue_pending_rights", err)
	}
	if err != nil {
		return failureReply(err)
	}
	// The viewer missed the grant ack, so it is presumed offline until
	// its next sign-in.
	if err := d.dir.ShutdownByAddr(ctx, req.PeerAddress); err != nil {
		d.logger.Error(err, "change-view offline mark failed")
	}
	return successReply()
}

// registerLimiter returns the per-IP limiter for registration requests.
func (d *Dispatcher) registerLimiter(ip string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	limiter, ok := d.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(20.0/60.0), 20) // 20 per minute
		d.limiters[ip] = limiter
	}
	return limiter
}

// uploadSessionTimeout bounds the receive phase of an upload session; the
// transport itself retries forever. The carrier send back to the client
// runs without an overall bound.
const uploadSessionTimeout = 2 * time.Minute
