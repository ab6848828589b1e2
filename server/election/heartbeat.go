package election

import (
	"context"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/load"

	"github.com/stegoshare/backend/internal/observability"
)

// staleFactor times the period gives the liveness window: a peer silent
// for longer is marked dead before the next broadcast.
const staleFactor = 1.5

// Tracker broadcasts this server's load-derived priority and maintains
// the peer priority table from incoming heartbeats. There is no
// join/leave protocol; a returning peer is re-learned from its next
// heartbeat.
type Tracker struct {
	state   *State
	conn    *net.UDPConn
	period  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	coord   *Coordinator

	// loadAvg is swappable for tests.
	loadAvg func() (float64, error)
}

// NewTracker creates a heartbeat tracker over the given socket.
func NewTracker(state *State, conn *net.UDPConn, period time.Duration, coord *Coordinator, logger *observability.Logger, metrics *observability.Metrics) *Tracker {
	return &Tracker{
		state:   state,
		conn:    conn,
		period:  period,
		coord:   coord,
		logger:  logger,
		metrics: metrics,
		loadAvg: sampleLoad,
	}
}

// sampleLoad reads the 1-minute load average.
func sampleLoad() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Priority converts a load sample into an election priority. Higher is
// preferred; an idle machine gets the highest score.
func Priority(load1 float64) float32 {
	if load1 < 0.01 {
		load1 = 0.01
	}
	return float32(1.0 / load1)
}

// Run drives the send tick until ctx is done. Before each broadcast the
// stale peers are reaped, so priority changes and deaths take effect at
// the next election.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Tracker) tick() {
	now := time.Now()
	window := time.Duration(float64(t.period) * staleFactor)
	for _, peer := range t.state.ReapStale(window, now) {
		if t.logger != nil {
			t.logger.PeerDead(peer, now.Add(-window))
		}
	}
	if t.metrics != nil {
		t.metrics.PeersAlive.Set(float64(t.state.LivePeerCount()))
	}

	load1, err := t.loadAvg()
	if err != nil {
		if t.logger != nil {
			t.logger.Error(err, "load average sample failed")
		}
		return
	}
	priority := Priority(load1)
	t.state.SetSelfPriority(priority)

	// The peer list is a copy of the static configuration; sends happen
	// outside the state lock.
	peers := t.state.Peers()
	for _, peer := range peers {
		env := &Envelope{
			Sender:   t.state.SelfAddr(),
			Receiver: peer,
			Type:     TypeHeartbeat,
			Priority: priority,
		}
		data, err := EncodeEnvelope(env)
		if err != nil {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			continue
		}
		if _, err := t.conn.WriteToUDP(data, addr); err != nil {
			if t.logger != nil {
				t.logger.Error(err, "heartbeat send failed")
			}
			continue
		}
		if t.metrics != nil {
			t.metrics.HeartbeatsSentTotal.Inc()
		}
	}
}

// Listen consumes envelopes on the heartbeat socket until ctx is done:
// heartbeats feed the priority table, coordinator notifications feed the
// in-flight set, reserved types are accepted and ignored.
func (t *Tracker) Listen(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.period))
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if t.logger != nil {
				t.logger.Error(err, "heartbeat socket read failed")
			}
			continue
		}

		env, err := DecodeEnvelope(buf[:n])
		if err != nil {
			// Malformed datagram; never disrupt the loop.
			continue
		}

		switch env.Type {
		case TypeHeartbeat:
			t.state.ObserveHeartbeat(env.Sender, env.Priority, time.Now())
			if t.metrics != nil {
				t.metrics.HeartbeatsReceivedTotal.Inc()
			}
		case TypeCoordinatorNotification:
			if t.coord != nil {
				t.coord.NoteRemote(env.RequestID)
			}
		case TypeClientRequest, TypeCoordinationIntent:
			// Reserved by the wire protocol; ignored.
		default:
			if t.logger != nil {
				t.logger.Warn("unknown heartbeat message type")
			}
		}
	}
}
