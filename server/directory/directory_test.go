package directory

import (
	"context"
	"path/filepath"
	"testing"
)

// The two backends must honor the same contract; every test runs against
// both.
func withStores(t *testing.T, fn func(t *testing.T, store Service)) {
	t.Helper()
	t.Run("mem", func(t *testing.T) {
		store := NewMemStore()
		defer store.Close()
		fn(t, store)
	})
	t.Run("sql", func(t *testing.T) {
		store, err := NewSQLStore(filepath.Join(t.TempDir(), "directory.db"))
		if err != nil {
			t.Fatalf("Failed to open SQL store: %v", err)
		}
		defer store.Close()
		fn(t, store)
	})
}

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		id1, err := store.Register(ctx, "10.0.0.5:9000")
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		id2, err := store.Register(ctx, "10.0.0.6:9001")
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if id2 <= id1 {
			t.Errorf("Expected monotonic ids, got %d then %d", id1, id2)
		}
	})
}

func TestSignInUnknownClient(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		err := store.SignIn(context.Background(), 999, "10.0.0.5:9000")
		if err != ErrClientNotFound {
			t.Errorf("Expected ErrClientNotFound, got %v", err)
		}
	})
}

func TestSignInUpdatesAddress(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		id, _ := store.Register(ctx, "10.0.0.5:9000")
		observer, _ := store.Register(ctx, "10.0.0.9:9009")

		if err := store.SignIn(ctx, id, "10.0.0.5:9100"); err != nil {
			t.Fatalf("SignIn failed: %v", err)
		}
		peers, err := store.ActivePeers(ctx, observer)
		if err != nil {
			t.Fatalf("ActivePeers failed: %v", err)
		}
		if len(peers) != 1 || peers[0].Addr != "10.0.0.5:9100" {
			t.Errorf("Expected updated address, got %+v", peers)
		}
	})
}

func TestActivePeersExcludesCallerAndOffline(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		self, _ := store.Register(ctx, "10.0.0.1:9000")
		up, _ := store.Register(ctx, "10.0.0.2:9000")
		down, _ := store.Register(ctx, "10.0.0.3:9000")
		if err := store.Shutdown(ctx, down); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		if err := store.AddResource(ctx, up, "client2-cat"); err != nil {
			t.Fatalf("AddResource failed: %v", err)
		}

		peers, err := store.ActivePeers(ctx, self)
		if err != nil {
			t.Fatalf("ActivePeers failed: %v", err)
		}
		if len(peers) != 1 {
			t.Fatalf("Expected 1 peer, got %d", len(peers))
		}
		if peers[0].ClientID != up {
			t.Errorf("Expected client %d, got %d", up, peers[0].ClientID)
		}
		if len(peers[0].ImageIDs) != 1 || peers[0].ImageIDs[0] != "client2-cat" {
			t.Errorf("Expected [client2-cat], got %v", peers[0].ImageIDs)
		}
	})
}

func TestAddResourceIdempotent(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		id, _ := store.Register(ctx, "10.0.0.2:9000")
		observer, _ := store.Register(ctx, "10.0.0.9:9009")

		if err := store.AddResource(ctx, id, "client1-cat"); err != nil {
			t.Fatalf("First AddResource failed: %v", err)
		}
		if err := store.AddResource(ctx, id, "client1-cat"); err != nil {
			t.Fatalf("Duplicate AddResource must not error: %v", err)
		}

		peers, _ := store.ActivePeers(ctx, observer)
		if len(peers) != 1 || len(peers[0].ImageIDs) != 1 {
			t.Errorf("Duplicate upsert changed the resource set: %+v", peers)
		}
	})
}

func TestDrainPendingRightsExactlyOnce(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		viewer, _ := store.Register(ctx, "10.0.0.7:9007")

		if err := store.QueuePendingRights(ctx, "10.0.0.7:9007", "client7-cat", 2); err != nil {
			t.Fatalf("QueuePendingRights failed: %v", err)
		}
		if err := store.QueuePendingRights(ctx, "10.0.0.7:9007", "client7-dog", 5); err != nil {
			t.Fatalf("QueuePendingRights failed: %v", err)
		}
		// A grant for someone else must stay queued.
		if err := store.QueuePendingRights(ctx, "10.0.0.8:9008", "client8-bird", 1); err != nil {
			t.Fatalf("QueuePendingRights failed: %v", err)
		}

		drained, err := store.DrainPendingRights(ctx, viewer)
		if err != nil {
			t.Fatalf("DrainPendingRights failed: %v", err)
		}
		if len(drained) != 2 {
			t.Fatalf("Expected 2 drained grants, got %d", len(drained))
		}
		if drained[0].ImageID != "client7-cat" || drained[0].Views != 2 {
			t.Errorf("First grant mismatch: %+v", drained[0])
		}

		// Exactly once: the second drain is empty.
		again, err := store.DrainPendingRights(ctx, viewer)
		if err != nil {
			t.Fatalf("Second drain failed: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("Grants delivered twice: %+v", again)
		}
	})
}

func TestDrainUnknownClient(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		_, err := store.DrainPendingRights(context.Background(), 12345)
		if err != ErrClientNotFound {
			t.Errorf("Expected ErrClientNotFound, got %v", err)
		}
	})
}

func TestShutdownByAddr(t *testing.T) {
	withStores(t, func(t *testing.T, store Service) {
		ctx := context.Background()
		id, _ := store.Register(ctx, "10.0.0.4:9004")
		observer, _ := store.Register(ctx, "10.0.0.9:9009")

		if err := store.ShutdownByAddr(ctx, "10.0.0.4:9004"); err != nil {
			t.Fatalf("ShutdownByAddr failed: %v", err)
		}
		peers, _ := store.ActivePeers(ctx, observer)
		for _, p := range peers {
			if p.ClientID == id {
				t.Error("Client still active after ShutdownByAddr")
			}
		}
	})
}
