// Package rights keeps each client's local view budget: the mapping of
// image id to remaining views, the carriers on disk, and the
// consume-on-view semantics.
package rights

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stegoshare/backend/internal/observability"
	"github.com/stegoshare/backend/internal/stego"
)

var ErrUnknownImage = errors.New("no carrier stored for image")

// ViewStatus is the outcome of ConsumeView.
type ViewStatus int

const (
	// ViewOK means a view was consumed and the hidden image revealed.
	ViewOK ViewStatus = iota
	// ViewNoRights means the budget is exhausted; only the outer
	// carrier is presentable.
	ViewNoRights
)

// ViewResult carries the outcome and the image path to present: the
// revealed hidden image on success, the uninformative outer carrier when
// rights are exhausted.
type ViewResult struct {
	Status    ViewStatus
	ImagePath string
	Remaining uint32
}

// Store is the on-disk rights store. The mapping lives in
// images_views.json inside dir; every update is serialize-then-atomic-
// replace, serialized by an in-process lock.
type Store struct {
	dir     string
	mu      sync.Mutex
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewStore opens (creating if needed) the rights directory.
func NewStore(dir string, logger *observability.Logger, metrics *observability.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create rights dir: %w", err)
	}
	return &Store{dir: dir, logger: logger, metrics: metrics}, nil
}

func (s *Store) mappingPath() string {
	return filepath.Join(s.dir, "images_views.json")
}

// CarrierPath returns where the outer carrier of an image lives.
func (s *Store) CarrierPath(imageID string) string {
	return filepath.Join(s.dir, imageID+"_encrypted.png")
}

// innerPath returns where the stripped inner carrier lives.
func (s *Store) innerPath(imageID string) string {
	return filepath.Join(s.dir, imageID+"_first_layer.png")
}

// revealedPath returns the hidden file holding the revealed image.
func (s *Store) revealedPath(imageID string) string {
	return filepath.Join(s.dir, "."+imageID+".png")
}

// Store writes a received outer carrier to disk, decodes its access
// rights, saves the inner carrier for future viewing, and merges the
// granted views into the mapping by addition.
func (s *Store) Store(imageID string, carrierBytes []byte) (uint16, error) {
	img, err := stego.DecodePNG(carrierBytes)
	if err != nil {
		return 0, err
	}
	views, inner, err := stego.DecodeAccessRights(img)
	if err != nil {
		return 0, err
	}

	if err := os.WriteFile(s.CarrierPath(imageID), carrierBytes, 0644); err != nil {
		return 0, fmt.Errorf("write carrier: %w", err)
	}
	innerBytes, err := stego.EncodePNG(inner)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(s.innerPath(imageID), innerBytes, 0644); err != nil {
		return 0, fmt.Errorf("write inner carrier: %w", err)
	}

	if err := s.AddViews(imageID, uint32(views)); err != nil {
		return 0, err
	}
	return views, nil
}

// AddViews merges delta additional views into the mapping.
func (s *Store) AddViews(imageID string, delta uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	views, err := s.loadMapping()
	if err != nil {
		return err
	}
	views[imageID] += delta
	return s.saveMapping(views)
}

// Remaining returns the current view budget for an image.
func (s *Store) Remaining(imageID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	views, err := s.loadMapping()
	if err != nil {
		return 0, err
	}
	return views[imageID], nil
}

// ConsumeView decrements the budget and reveals the hidden image when a
// view remains; with an exhausted budget it returns the outer carrier
// path instead — the intended "rights exhausted" experience. The carrier
// stays on disk either way, ready for a later recharge.
func (s *Store) ConsumeView(imageID string) (*ViewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	views, err := s.loadMapping()
	if err != nil {
		return nil, err
	}

	if views[imageID] == 0 {
		carrierPath := s.CarrierPath(imageID)
		if _, err := os.Stat(carrierPath); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
		}
		return &ViewResult{Status: ViewNoRights, ImagePath: carrierPath}, nil
	}

	revealed, err := s.revealHidden(imageID)
	if err != nil {
		return nil, err
	}

	views[imageID]--
	if err := s.saveMapping(views); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ViewsConsumedTotal.Inc()
	}
	if s.logger != nil {
		s.logger.ViewConsumed(imageID, views[imageID])
	}
	return &ViewResult{Status: ViewOK, ImagePath: revealed, Remaining: views[imageID]}, nil
}

// revealHidden extracts the payload image from the stored inner carrier
// into the hidden file, reusing the file when it already exists.
func (s *Store) revealHidden(imageID string) (string, error) {
	out := s.revealedPath(imageID)
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	innerBytes, err := os.ReadFile(s.innerPath(imageID))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	inner, err := stego.DecodePNG(innerBytes)
	if err != nil {
		return "", err
	}
	payload, err := stego.Reveal(inner)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(out, payload, 0644); err != nil {
		return "", fmt.Errorf("write revealed image: %w", err)
	}
	return out, nil
}

// loadMapping reads images_views.json; a missing file is an empty map.
func (s *Store) loadMapping() (map[string]uint32, error) {
	data, err := os.ReadFile(s.mappingPath())
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]uint32), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read views mapping: %w", err)
	}
	views := make(map[string]uint32)
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("parse views mapping: %w", err)
	}
	return views, nil
}

// saveMapping writes the mapping with an atomic replace so a crash never
// leaves a torn file.
func (s *Store) saveMapping(views map[string]uint32) error {
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal views mapping: %w", err)
	}
	tmp := s.mappingPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write views mapping: %w", err)
	}
	if err := os.Rename(tmp, s.mappingPath()); err != nil {
		return fmt.Errorf("replace views mapping: %w", err)
	}
	return nil
}
