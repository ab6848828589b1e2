package rights

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stegoshare/backend/internal/stego"
)

// buildCarrier produces an outer carrier hiding payload with the given
// view budget, the way an owner's grant arrives on the wire.
func buildCarrier(t *testing.T, payload []byte, views uint16) []byte {
	t.Helper()
	inner, err := stego.Hide(stego.GenerateCover(len(payload)), payload)
	if err != nil {
		t.Fatalf("Hide failed: %v", err)
	}
	outer := stego.EncodeAccessRights(inner, views)
	carrier, err := stego.EncodePNG(outer)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	return carrier
}

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestStoreMergesViews(t *testing.T) {
	store := newStore(t)
	payload := []byte("the hidden picture")

	views, err := store.Store("client7-cat", buildCarrier(t, payload, 3))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if views != 3 {
		t.Errorf("Expected 3 decoded views, got %d", views)
	}
	remaining, err := store.Remaining("client7-cat")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 3 {
		t.Errorf("Expected 3 remaining views, got %d", remaining)
	}

	// A second grant merges by addition.
	if _, err := store.Store("client7-cat", buildCarrier(t, payload, 2)); err != nil {
		t.Fatalf("Second Store failed: %v", err)
	}
	remaining, _ = store.Remaining("client7-cat")
	if remaining != 5 {
		t.Errorf("Expected merged total 5, got %d", remaining)
	}
}

func TestConsumeViewRevealsHiddenImage(t *testing.T) {
	store := newStore(t)
	payload := []byte("the hidden picture")
	if _, err := store.Store("client7-cat", buildCarrier(t, payload, 1)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	result, err := store.ConsumeView("client7-cat")
	if err != nil {
		t.Fatalf("ConsumeView failed: %v", err)
	}
	if result.Status != ViewOK {
		t.Fatalf("Expected ViewOK, got %v", result.Status)
	}
	if result.Remaining != 0 {
		t.Errorf("Expected 0 remaining, got %d", result.Remaining)
	}

	revealed, err := os.ReadFile(result.ImagePath)
	if err != nil {
		t.Fatalf("Failed to read revealed image: %v", err)
	}
	if !bytes.Equal(revealed, payload) {
		t.Error("Revealed image differs from original payload")
	}
	// The revealed file is hidden, per the persisted layout.
	if base := filepath.Base(result.ImagePath); base[0] != '.' {
		t.Errorf("Revealed image is not a hidden file: %s", base)
	}
}

func TestConsumeViewExhausted(t *testing.T) {
	store := newStore(t)
	payload := []byte("the hidden picture")
	if _, err := store.Store("client7-cat", buildCarrier(t, payload, 1)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if _, err := store.ConsumeView("client7-cat"); err != nil {
		t.Fatalf("First ConsumeView failed: %v", err)
	}

	// Exhausted: the user sees only the uninformative outer carrier.
	result, err := store.ConsumeView("client7-cat")
	if err != nil {
		t.Fatalf("Second ConsumeView failed: %v", err)
	}
	if result.Status != ViewNoRights {
		t.Fatalf("Expected ViewNoRights, got %v", result.Status)
	}
	if result.ImagePath != store.CarrierPath("client7-cat") {
		t.Errorf("Expected carrier path, got %s", result.ImagePath)
	}
	if _, err := os.Stat(result.ImagePath); err != nil {
		t.Error("Carrier must remain on disk after exhaustion")
	}
}

func TestConsumeViewUnknownImage(t *testing.T) {
	store := newStore(t)
	if _, err := store.ConsumeView("client9-nope"); err == nil {
		t.Error("Expected error for unknown image")
	}
}

func TestAddViewsMonotonic(t *testing.T) {
	store := newStore(t)
	payload := []byte("the hidden picture")
	if _, err := store.Store("client7-cat", buildCarrier(t, payload, 0)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// A zero-view grant leaves the carrier viewable only after a
	// recharge.
	result, err := store.ConsumeView("client7-cat")
	if err != nil {
		t.Fatalf("ConsumeView failed: %v", err)
	}
	if result.Status != ViewNoRights {
		t.Fatalf("Expected ViewNoRights for zero budget, got %v", result.Status)
	}

	if err := store.AddViews("client7-cat", 4); err != nil {
		t.Fatalf("AddViews failed: %v", err)
	}
	remaining, _ := store.Remaining("client7-cat")
	if remaining != 4 {
		t.Errorf("Expected 4 after recharge, got %d", remaining)
	}

	result, err = store.ConsumeView("client7-cat")
	if err != nil {
		t.Fatalf("ConsumeView after recharge failed: %v", err)
	}
	if result.Status != ViewOK || result.Remaining != 3 {
		t.Errorf("Expected ViewOK with 3 remaining, got %v/%d", result.Status, result.Remaining)
	}
}

func TestMappingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	payload := []byte("persistent")
	if _, err := store.Store("client7-cat", buildCarrier(t, payload, 6)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	reopened, err := NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	remaining, err := reopened.Remaining("client7-cat")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 6 {
		t.Errorf("Expected 6 after reopen, got %d", remaining)
	}
}
