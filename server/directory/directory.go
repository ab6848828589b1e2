// Package directory is the shared client/resource registry consumed by
// every server in the cluster. Rows carry last-writer-wins semantics; the
// only multi-row guarantee is the atomic read-and-delete of pending
// rights.
package directory

import (
	"context"
	"errors"
)

var (
	ErrBackendUnavailable = errors.New("directory backend unavailable")
	ErrClientNotFound     = errors.New("client not found")
)

// PeerInfo describes one reachable client and the images it owns.
type PeerInfo struct {
	ClientID int64    `json:"client_id"`
	Addr     string   `json:"client_addr"`
	ImageIDs []string `json:"image_ids"`
}

// PendingRights is a view grant queued for an offline viewer.
type PendingRights struct {
	ImageID string `json:"image_id"`
	Views   uint16 `json:"views"`
}

// Service is the directory contract. Every operation may fail with
// ErrBackendUnavailable.
type Service interface {
	// Register inserts a new client record with is_up=true and returns
	// the assigned id. Records are never deleted.
	Register(ctx context.Context, addr string) (int64, error)

	// SignIn updates the client's reachable address and marks it up.
	// Returns ErrClientNotFound for unknown ids.
	SignIn(ctx context.Context, clientID int64, addr string) error

	// ActivePeers snapshots all is_up clients other than the caller,
	// with their owned image ids.
	ActivePeers(ctx context.Context, excluding int64) ([]PeerInfo, error)

	// Shutdown marks the client offline.
	Shutdown(ctx context.Context, clientID int64) error

	// ShutdownByAddr marks offline every client registered at addr.
	// Used by change-view, which knows the viewer only by address.
	ShutdownByAddr(ctx context.Context, addr string) error

	// AddResource records image ownership. Idempotent: duplicates are
	// not errors, and views are never stored here.
	AddResource(ctx context.Context, clientID int64, imageID string) error

	// QueuePendingRights appends a grant for later delivery to an
	// offline viewer.
	QueuePendingRights(ctx context.Context, viewerAddr, imageID string, views uint16) error

	// DrainPendingRights reads and deletes, in one transaction, all
	// grants addressed to the client's currently registered address.
	// Each queued grant is returned exactly once across all drains.
	DrainPendingRights(ctx context.Context, clientID int64) ([]PendingRights, error)

	Close() error
}
