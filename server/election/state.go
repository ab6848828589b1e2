package election

import (
	"sync"
	"time"
)

// DeadPriority marks a peer that missed its heartbeat window.
const DeadPriority float32 = -1

// State is the per-server view of the cluster. Each server exclusively
// owns its State; all access goes through the single mutex, and critical
// sections stay short so heartbeat I/O happens outside the lock.
type State struct {
	mu           sync.Mutex
	selfAddr     string
	selfPriority float32
	peers        []string
	peerPriority map[string]float32
	peerLastSeen map[string]time.Time
	inFlight     map[string]struct{}
}

// NewState creates the state for a server at selfAddr with the given
// static peer list.
func NewState(selfAddr string, peers []string) *State {
	return &State{
		selfAddr:     selfAddr,
		peers:        append([]string(nil), peers...),
		peerPriority: make(map[string]float32),
		peerLastSeen: make(map[string]time.Time),
		inFlight:     make(map[string]struct{}),
	}
}

// SelfAddr returns this server's coordination address.
func (s *State) SelfAddr() string {
	return s.selfAddr
}

// Peers returns the configured peer list.
func (s *State) Peers() []string {
	return append([]string(nil), s.peers...)
}

// SetSelfPriority records this server's freshly sampled priority.
func (s *State) SetSelfPriority(priority float32) {
	s.mu.Lock()
	s.selfPriority = priority
	s.mu.Unlock()
}

// SelfPriority returns the last sampled priority.
func (s *State) SelfPriority() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfPriority
}

// ObserveHeartbeat records a peer's priority. Heartbeats from self are
// ignored.
func (s *State) ObserveHeartbeat(peer string, priority float32, now time.Time) {
	if peer == s.selfAddr {
		return
	}
	s.mu.Lock()
	s.peerPriority[peer] = priority
	s.peerLastSeen[peer] = now
	s.mu.Unlock()
}

// ReapStale marks peers dead whose last heartbeat is older than the
// window, and returns them. Only the local clock is compared; skew
// between servers is irrelevant.
func (s *State) ReapStale(window time.Duration, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dead []string
	for peer, last := range s.peerLastSeen {
		if s.peerPriority[peer] != DeadPriority && now.Sub(last) > window {
			s.peerPriority[peer] = DeadPriority
			dead = append(dead, peer)
		}
	}
	return dead
}

// LastHeartbeat returns the most recent heartbeat instant across peers.
func (s *State) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, t := range s.peerLastSeen {
		if t.After(last) {
			last = t
		}
	}
	return last
}

// LivePeerCount returns the size of the effective peer set.
func (s *State) LivePeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pr := range s.peerPriority {
		if pr != DeadPriority {
			n++
		}
	}
	return n
}

// snapshotCandidates returns the candidate set for an election: self plus
// every peer not marked dead.
func (s *State) snapshotCandidates() []candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	cands := make([]candidate, 0, len(s.peerPriority)+1)
	cands = append(cands, candidate{addr: s.selfAddr, priority: s.selfPriority})
	for peer, pr := range s.peerPriority {
		if pr != DeadPriority {
			cands = append(cands, candidate{addr: peer, priority: pr})
		}
	}
	return cands
}

// MarkInFlight inserts a request id, returning false if it was already
// present. Idempotent by construction.
func (s *State) MarkInFlight(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inFlight[requestID]; exists {
		return false
	}
	s.inFlight[requestID] = struct{}{}
	return true
}

// ClearInFlight removes a completed request id.
func (s *State) ClearInFlight(requestID string) {
	s.mu.Lock()
	delete(s.inFlight, requestID)
	s.mu.Unlock()
}

// InFlightCount returns the number of requests currently being handled.
func (s *State) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}
