package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/transport"
	"github.com/stegoshare/backend/server/config"
	"github.com/stegoshare/backend/server/directory"
	"github.com/stegoshare/backend/server/election"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("test", "0.0.0", io.Discard)
}

func TestRequestIDDeterministic(t *testing.T) {
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 4242}
	payload := []byte(`{"type":"register","randam_number":42}`)

	// Two servers computing the id from the same datagram agree.
	id1 := RequestID(src, payload, "42")
	id2 := RequestID(src, payload, "42")
	if id1 != id2 {
		t.Errorf("Same inputs produced different ids: %s vs %s", id1, id2)
	}

	// Distinct payloads from the same client never collide.
	other := RequestID(src, []byte(`{"type":"shutdown","user_id":7}`), "42")
	if other == id1 {
		t.Error("Distinct payloads collided")
	}

	// Distinct nonces separate identical payloads.
	if RequestID(src, payload, "43") == id1 {
		t.Error("Distinct nonces collided")
	}
}

func TestClassifyJSONRequest(t *testing.T) {
	msgType, req, upload, nonce, err := classify([]byte(`{"type":"register","randam_number":42}`))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if msgType != TypeRegister || upload != nil {
		t.Errorf("Expected register, got %s", msgType)
	}
	if req.Type != TypeRegister {
		t.Errorf("Request type mismatch: %s", req.Type)
	}
	if nonce != "42" {
		t.Errorf("Expected nonce 42, got %q", nonce)
	}
}

func TestClassifyUploadTriplet(t *testing.T) {
	msgType, req, upload, nonce, err := classify([]byte("7,client7-cat,42"))
	if err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	if msgType != typeUpload || req != nil {
		t.Fatalf("Expected upload triplet, got %s", msgType)
	}
	if upload.ClientID != 7 || upload.ImageID != "client7-cat" || upload.Nonce != "42" {
		t.Errorf("Triplet fields mismatch: %+v", upload)
	}
	if nonce != "42" {
		t.Errorf("Expected nonce 42, got %q", nonce)
	}
}

func TestClassifyRejectsGarbage(t *testing.T) {
	for _, payload := range []string{
		`{"randam_number":42}`, // no type
		`{"type":`,             // truncated JSON
		"not,atriplet",         // two fields
		"x,client7-cat,1",      // non-numeric client id
		"",
	} {
		if _, _, _, _, err := classify([]byte(payload)); err == nil {
			t.Errorf("classify accepted %q", payload)
		}
	}
}

func TestCarrierCache(t *testing.T) {
	cache, err := OpenCarrierCache(filepath.Join(t.TempDir(), "carriers.db"))
	if err != nil {
		t.Fatalf("OpenCarrierCache failed: %v", err)
	}
	defer cache.Close()

	payload := []byte("payload image bytes")
	digest := Digest(payload)

	if _, ok := cache.Get(digest); ok {
		t.Fatal("Empty cache reported a hit")
	}
	carrier := []byte("encoded carrier")
	if err := cache.Put(digest, carrier); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok := cache.Get(digest)
	if !ok || string(got) != string(carrier) {
		t.Errorf("Cache miss or mismatch after Put: %q", got)
	}

	// Same bytes, same key.
	if Digest(payload) != digest {
		t.Error("Digest is not deterministic")
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *directory.MemStore) {
	t.Helper()
	dir := directory.NewMemStore()
	state := election.NewState("127.0.0.1:8085", nil)
	state.SetSelfPriority(1.0)
	coord := election.NewCoordinator(state, nil, nil, nil)
	cfg := &config.Config{
		SaveDir:     t.TempDir(),
		ServicePort: 0,
	}
	d := NewDispatcher(cfg, dir, coord, transport.New(nil, nil), transport.NewPortAllocator(0, 0), nil, testLogger(), nil)
	return d, dir
}

func TestHandleRegisterAndSignIn(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}

	reply := d.handleRegister(ctx, src)
	if reply.Status != "success" || reply.UserID == 0 {
		t.Fatalf("Register reply: %+v", reply)
	}

	sock, _ := json.Marshal(map[string]uint16{"port": 6000})
	signIn := d.handleSignIn(ctx, &Request{
		Type:      TypeSignIn,
		UserID:    json.Number("1"),
		P2PSocket: sock,
	}, src)
	if signIn.Status != "success" {
		t.Fatalf("SignIn reply: %+v", signIn)
	}
	if len(signIn.Resources) != 0 {
		t.Errorf("Fresh client has queued grants: %+v", signIn.Resources)
	}
}

func TestHandleSignInMissingFields(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}

	// Missing required fields are dropped without a reply.
	if reply := d.handleSignIn(ctx, &Request{Type: TypeSignIn}, src); reply.Status != "" {
		t.Error("SignIn without user_id must be dropped")
	}
	if reply := d.handleSignIn(ctx, &Request{Type: TypeSignIn, UserID: json.Number("1")}, src); reply.Status != "" {
		t.Error("SignIn without p2p_socket must be dropped")
	}
}

func TestChangeViewQueuesAndDelivers(t *testing.T) {
	d, dir := newTestDispatcher(t)
	ctx := context.Background()
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}

	// Viewer registers and signs in with its p2p port.
	reg := d.handleRegister(ctx, src)
	sock, _ := json.Marshal(map[string]uint16{"port": 7000})
	d.handleSignIn(ctx, &Request{Type: TypeSignIn, UserID: json.Number("1"), P2PSocket: sock}, src)

	// An owner forwards a grant the viewer never acked.
	viewerAddr := "127.0.0.1:7000"
	reply := d.handleChangeView(ctx, &Request{
		Type:           TypeChangeView,
		ImageID:        "client7-cat",
		RequestedViews: 2,
		PeerAddress:    viewerAddr,
	})
	if reply.Status != "success" {
		t.Fatalf("change-view reply: %+v", reply)
	}

	// The viewer is now presumed offline.
	peers, _ := dir.ActivePeers(ctx, 999)
	for _, p := range peers {
		if p.ClientID == reg.UserID {
			t.Error("Viewer still active after change-view")
		}
	}

	// Next sign-in delivers the queued grant exactly once.
	signIn := d.handleSignIn(ctx, &Request{Type: TypeSignIn, UserID: json.Number("1"), P2PSocket: sock}, src)
	if len(signIn.Resources) != 1 || signIn.Resources[0].ImageID != "client7-cat" || signIn.Resources[0].Views != 2 {
		t.Fatalf("Expected queued grant in resources, got %+v", signIn.Resources)
	}
	again := d.handleSignIn(ctx, &Request{Type: TypeSignIn, UserID: json.Number("1"), P2PSocket: sock}, src)
	if len(again.Resources) != 0 {
		t.Errorf("Grant delivered twice: %+v", again.Resources)
	}
}

func TestHandleActiveUsersAndShutdown(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	srcA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
	srcB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5556}
	d.handleRegister(ctx, srcA)
	d.handleRegister(ctx, srcB)

	reply := d.handleActiveUsers(ctx, &Request{Type: TypeActiveUsers, UserID: json.Number("1")})
	if reply.Status != "success" || len(reply.Data) != 1 {
		t.Fatalf("ActiveUsers reply: %+v", reply)
	}

	if reply := d.handleShutdown(ctx, &Request{Type: TypeShutdown, UserID: json.Number("2")}); reply.Status != "success" {
		t.Fatalf("Shutdown reply: %+v", reply)
	}
	reply = d.handleActiveUsers(ctx, &Request{Type: TypeActiveUsers, UserID: json.Number("1")})
	if len(reply.Data) != 0 {
		t.Errorf("Shut-down client still listed: %+v", reply.Data)
	}
}

func TestRegisterRateLimited(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	src := &net.UDPAddr{IP: net.IPv4(10, 1, 1, 1), Port: 5555}

	failures := 0
	for i := 0; i < 40; i++ {
		if reply := d.handleRegister(ctx, src); reply.Status == "failure" {
			failures++
		}
	}
	if failures == 0 {
		t.Error("Burst of registrations never hit the rate limit")
	}
}
