package directory

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory directory service for tests and single-box
// runs. It honors the same contract as SQLStore, including the atomic
// drain.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	clients map[int64]*clientRecord
	pending []pendingRecord
}

type clientRecord struct {
	addr     string
	isUp     bool
	imageIDs map[string]struct{}
}

type pendingRecord struct {
	viewerAddr string
	imageID    string
	views      uint16
}

// NewMemStore creates an empty in-memory directory.
func NewMemStore() *MemStore {
	return &MemStore{
		nextID:  1,
		clients: make(map[int64]*clientRecord),
	}
}

func (m *MemStore) Register(ctx context.Context, addr string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.clients[id] = &clientRecord{addr: addr, isUp: true, imageIDs: make(map[string]struct{})}
	return id, nil
}

func (m *MemStore) SignIn(ctx context.Context, clientID int64, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.addr = addr
	c.isUp = true
	return nil
}

func (m *MemStore) ActivePeers(ctx context.Context, excluding int64) ([]PeerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var peers []PeerInfo
	for _, id := range ids {
		c := m.clients[id]
		if id == excluding || !c.isUp {
			continue
		}
		info := PeerInfo{ClientID: id, Addr: c.addr}
		for imageID := range c.imageIDs {
			info.ImageIDs = append(info.ImageIDs, imageID)
		}
		sort.Strings(info.ImageIDs)
		peers = append(peers, info)
	}
	return peers, nil
}

func (m *MemStore) Shutdown(ctx context.Context, clientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[clientID]; ok {
		c.isUp = false
	}
	return nil
}

func (m *MemStore) ShutdownByAddr(ctx context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.clients {
		if c.addr == addr {
			c.isUp = false
		}
	}
	return nil
}

func (m *MemStore) AddResource(ctx context.Context, clientID int64, imageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.imageIDs[imageID] = struct{}{}
	return nil
}

func (m *MemStore) QueuePendingRights(ctx context.Context, viewerAddr, imageID string, views uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, pendingRecord{viewerAddr: viewerAddr, imageID: imageID, views: views})
	return nil
}

func (m *MemStore) DrainPendingRights(ctx context.Context, clientID int64) ([]PendingRights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}

	var (
		drained []PendingRights
		keep    []pendingRecord
	)
	for _, p := range m.pending {
		if p.viewerAddr == c.addr {
			drained = append(drained, PendingRights{ImageID: p.imageID, Views: p.views})
		} else {
			keep = append(keep, p)
		}
	}
	m.pending = keep
	return drained, nil
}

func (m *MemStore) Close() error {
	return nil
}
