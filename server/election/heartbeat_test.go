package election

import (
	"context"
	"net"
	"testing"
	"time"
)

func hbSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Failed to bind heartbeat socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Sender:   "10.0.0.1:8085",
		Receiver: "10.0.0.2:8085",
		Type:     TypeHeartbeat,
		Priority: 0.75,
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if decoded.Sender != env.Sender || decoded.Type != env.Type || decoded.Priority != env.Priority {
		t.Errorf("Round trip mismatch: %+v vs %+v", decoded, env)
	}
}

func TestHeartbeatExchange(t *testing.T) {
	connA := hbSocket(t)
	connB := hbSocket(t)
	addrA := connA.LocalAddr().String()
	addrB := connB.LocalAddr().String()

	stateA := NewState(addrA, []string{addrB})
	stateB := NewState(addrB, []string{addrA})

	trackerA := NewTracker(stateA, connA, 100*time.Millisecond, nil, nil, nil)
	trackerA.loadAvg = func() (float64, error) { return 2.0, nil }

	coordB := NewCoordinator(stateB, connB, nil, nil)
	trackerB := NewTracker(stateB, connB, 100*time.Millisecond, coordB, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trackerB.Listen(ctx)

	// One tick from A: B learns A's priority.
	trackerA.tick()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stateB.LivePeerCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stateB.LivePeerCount() != 1 {
		t.Fatal("B never observed A's heartbeat")
	}

	// A advertised priority 1/2.0 = 0.5; B at 0.1 loses.
	stateB.SetSelfPriority(0.1)
	if winner := coordB.Winner(); winner != addrA {
		t.Errorf("Expected %s to win, got %s", addrA, winner)
	}
}

func TestCoordinatorNotificationOverWire(t *testing.T) {
	connA := hbSocket(t)
	connB := hbSocket(t)
	addrA := connA.LocalAddr().String()
	addrB := connB.LocalAddr().String()

	stateA := NewState(addrA, []string{addrB})
	stateA.SetSelfPriority(1.0)
	coordA := NewCoordinator(stateA, connA, nil, nil)

	stateB := NewState(addrB, []string{addrA})
	coordB := NewCoordinator(stateB, connB, nil, nil)
	trackerB := NewTracker(stateB, connB, 100*time.Millisecond, coordB, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trackerB.Listen(ctx)

	// A wins (no live peers in its table) and notifies B.
	if !coordA.TryAcquire("req-42") {
		t.Fatal("A should have acquired the request")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stateB.InFlightCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stateB.InFlightCount() != 1 {
		t.Fatal("B never recorded the coordinator notification")
	}

	// The notification suppresses B's own handling of the same request.
	stateB.SetSelfPriority(100)
	if coordB.TryAcquire("req-42") {
		t.Error("B must not acquire a request a peer already claimed")
	}
}

func TestReservedTypesIgnored(t *testing.T) {
	connA := hbSocket(t)
	connB := hbSocket(t)
	addrB := connB.LocalAddr().String()

	stateB := NewState(addrB, nil)
	trackerB := NewTracker(stateB, connB, 100*time.Millisecond, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go trackerB.Listen(ctx)

	for _, msgType := range []MessageType{TypeClientRequest, TypeCoordinationIntent} {
		data, err := EncodeEnvelope(&Envelope{
			Sender:    connA.LocalAddr().String(),
			Receiver:  addrB,
			Type:      msgType,
			RequestID: "ignored",
		})
		if err != nil {
			t.Fatalf("EncodeEnvelope failed: %v", err)
		}
		if _, err := connA.WriteToUDP(data, connB.LocalAddr().(*net.UDPAddr)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	// Malformed datagram must not disrupt the loop either.
	connA.WriteToUDP([]byte{0x01, 0x02}, connB.LocalAddr().(*net.UDPAddr))

	time.Sleep(200 * time.Millisecond)
	if stateB.InFlightCount() != 0 || stateB.LivePeerCount() != 0 {
		t.Error("Reserved or malformed messages mutated state")
	}
}
