package election

import (
	"net"

	"github.com/stegoshare/backend/internal/observability"
)

// candidate is one entry in the election's candidate set.
type candidate struct {
	addr     string
	priority float32
}

// Coordinator runs the per-request election and the best-effort
// notification fan-out. The algorithm is deterministic and stateless:
// given the same priority snapshot, every live server picks the same
// winner.
type Coordinator struct {
	state   *State
	conn    *net.UDPConn // heartbeat socket, shared with the tracker
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewCoordinator wires the election onto the server state and the
// heartbeat socket used for notifications.
func NewCoordinator(state *State, conn *net.UDPConn, logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{state: state, conn: conn, logger: logger, metrics: metrics}
}

// Winner computes the election winner over the current priority
// snapshot: maximum priority, ties broken by the greater address.
func (c *Coordinator) Winner() string {
	cands := c.state.snapshotCandidates()
	best := cands[0]
	for _, cand := range cands[1:] {
		if cand.priority > best.priority ||
			(cand.priority == best.priority && cand.addr > best.addr) {
			best = cand
		}
	}
	return best.addr
}

// TryAcquire runs the election for a request. It returns true when this
// server is the coordinator and the request was not already in flight; in
// that case the caller must Release when done. Losing the election, or
// having already seen the request (locally or via a peer's notification),
// returns false.
func (c *Coordinator) TryAcquire(requestID string) bool {
	winner := c.Winner()
	if winner != c.state.SelfAddr() {
		if c.logger != nil {
			c.logger.ElectionLost(requestID, winner)
		}
		if c.metrics != nil {
			c.metrics.RecordElection(false)
		}
		return false
	}

	if !c.state.MarkInFlight(requestID) {
		// Already handled here or claimed by a peer's notification.
		return false
	}

	if c.logger != nil {
		c.logger.ElectionWon(requestID, c.state.SelfPriority(), c.state.LivePeerCount()+1)
	}
	if c.metrics != nil {
		c.metrics.RecordElection(true)
	}

	c.notifyPeers(requestID)
	return true
}

// Release clears a completed request from the in-flight set.
func (c *Coordinator) Release(requestID string) {
	c.state.ClearInFlight(requestID)
}

// NoteRemote records that a peer claimed coordination of a request.
// Receiving the same notification twice leaves the set unchanged.
func (c *Coordinator) NoteRemote(requestID string) {
	c.state.MarkInFlight(requestID)
}

// notifyPeers sends CoordinatorNotification to every configured peer
// (dead ones included),
// fire-and-forget over the heartbeat socket. Peers that miss it at worst
// answer a duplicated client datagram; the client keeps the first reply.
func (c *Coordinator) notifyPeers(requestID string) {
	for _, peer := range c.state.Peers() {
		env := &Envelope{
			Sender:    c.state.SelfAddr(),
			Receiver:  peer,
			Type:      TypeCoordinatorNotification,
			RequestID: requestID,
		}
		data, err := EncodeEnvelope(env)
		if err != nil {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			continue
		}
		if _, err := c.conn.WriteToUDP(data, addr); err != nil && c.logger != nil {
			c.logger.Error(err, "coordinator notification send failed")
		}
	}
}
