package workflow

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	clientconfig "github.com/stegoshare/backend/client/config"
	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/stego"
	"github.com/stegoshare/backend/internal/transport"
	serverconfig "github.com/stegoshare/backend/server/config"
	"github.com/stegoshare/backend/server/directory"
	"github.com/stegoshare/backend/server/dispatch"
	"github.com/stegoshare/backend/server/election"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("test", "0.0.0", io.Discard)
}

// startCluster brings up a single-server cluster on ephemeral ports and
// returns a client wired to it.
func startCluster(t *testing.T) (*Client, *directory.MemStore) {
	t.Helper()
	dir := directory.NewMemStore()
	state := election.NewState("127.0.0.1:8085", nil)
	state.SetSelfPriority(1.0)
	coord := election.NewCoordinator(state, nil, nil, nil)
	cfg := &serverconfig.Config{SaveDir: t.TempDir(), ServicePort: 0}
	d := dispatch.NewDispatcher(cfg, dir, coord, transport.New(nil, nil), transport.NewPortAllocator(0, 0), nil, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !d.Bound() {
		time.Sleep(10 * time.Millisecond)
	}
	addr := d.Addr()
	if addr == nil {
		t.Fatal("Dispatcher never bound")
	}

	ccfg := &clientconfig.Config{
		SaveDir:       t.TempDir(),
		PeerImagesDir: t.TempDir(),
		ServicePort:   uint16(addr.Port),
		ServerIPs:     []string{"127.0.0.1"},
	}
	return NewClient(ccfg, transport.New(nil, nil), testLogger()), dir
}

func TestRegisterAndSignIn(t *testing.T) {
	client, _ := startCluster(t)

	userID, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if userID == 0 {
		t.Error("Expected nonzero user id")
	}

	resources, err := client.SignIn(userID, 9100)
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if len(resources) != 0 {
		t.Errorf("Fresh client has queued resources: %+v", resources)
	}
}

func TestSignInDeliversQueuedGrant(t *testing.T) {
	client, _ := startCluster(t)

	userID, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := client.SignIn(userID, 9100); err != nil {
		t.Fatalf("First SignIn failed: %v", err)
	}

	// The owner-side fallback queues a grant against the viewer's
	// registered p2p address.
	if err := client.ChangeView("client7-cat", 2, "127.0.0.1:9100"); err != nil {
		t.Fatalf("ChangeView failed: %v", err)
	}

	resources, err := client.SignIn(userID, 9100)
	if err != nil {
		t.Fatalf("Second SignIn failed: %v", err)
	}
	if len(resources) != 1 || resources[0].ImageID != "client7-cat" || resources[0].Views != 2 {
		t.Fatalf("Expected queued grant, got %+v", resources)
	}
}

func TestActiveUsersAndShutdown(t *testing.T) {
	client, _ := startCluster(t)

	a, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	b, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	peers, err := client.ActiveUsers(a)
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(peers) != 1 || peers[0].ClientID != b {
		t.Fatalf("Expected peer %d, got %+v", b, peers)
	}

	if err := client.Shutdown(b); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	peers, err = client.ActiveUsers(a)
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Shut-down peer still listed: %+v", peers)
	}
}

func TestUploadImageRoundTrip(t *testing.T) {
	client, _ := startCluster(t)

	userID, err := client.Register()
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	imagePath := filepath.Join(t.TempDir(), "cat.jpg")
	image := []byte("pretend this is cat.jpg")
	if err := os.WriteFile(imagePath, image, 0644); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}

	imageID, carrierPath, err := client.UploadImage(userID, imagePath)
	if err != nil {
		t.Fatalf("UploadImage failed: %v", err)
	}
	if imageID != "client1-cat" {
		t.Errorf("Expected image id client1-cat, got %s", imageID)
	}

	carrier, err := os.ReadFile(carrierPath)
	if err != nil {
		t.Fatalf("Failed to read saved carrier: %v", err)
	}
	img, err := stego.DecodePNG(carrier)
	if err != nil {
		t.Fatalf("Carrier is not a PNG: %v", err)
	}
	revealed, err := stego.Reveal(img)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if !bytes.Equal(revealed, image) {
		t.Error("Revealed payload differs from the uploaded image")
	}
}

func TestNoServerReply(t *testing.T) {
	// A port nobody listens on: the multicast times out and the error
	// surfaces to the caller.
	dead, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := uint16(dead.LocalAddr().(*net.UDPAddr).Port)
	dead.Close()

	cfg := &clientconfig.Config{
		SaveDir:       t.TempDir(),
		PeerImagesDir: t.TempDir(),
		ServicePort:   port,
		ServerIPs:     []string{"127.0.0.1"},
	}
	client := NewClient(cfg, transport.New(nil, nil), testLogger())
	if _, err := client.Register(); err == nil {
		t.Error("Expected timeout error with no servers")
	}
}
