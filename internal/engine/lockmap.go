package engine

import "sync"

// LockBackend optionally persists create claims so that a restarted process
// keeps targeting the remote ids it already negotiated.
type LockBackend interface {
	Load() (map[string]int64, error)
	Put(documentID string, remoteID int64) error
	Close() error
}

// LockMap records, per local document id, the remote contribution id assigned
// during a create. Claims are never removed; once a document has a remote id,
// every later update targets it. Accessed only from the sync worker's
// single-flight section, the mutex just guards the optional backend loader
// and status snapshots.
type LockMap struct {
	mu      sync.Mutex
	claims  map[string]int64
	backend LockBackend
}

func NewLockMap(backend LockBackend) (*LockMap, error) {
	claims := map[string]int64{}
	if backend != nil {
		loaded, err := backend.Load()
		if err != nil {
			return nil, err
		}
		for documentID, remoteID := range loaded {
			claims[documentID] = remoteID
		}
	}
	return &LockMap{claims: claims, backend: backend}, nil
}

func (m *LockMap) Claim(documentID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	remoteID, ok := m.claims[documentID]
	return remoteID, ok
}

func (m *LockMap) SetClaim(documentID string, remoteID int64) {
	m.mu.Lock()
	m.claims[documentID] = remoteID
	backend := m.backend
	m.mu.Unlock()
	if backend != nil {
		_ = backend.Put(documentID, remoteID)
	}
}

func (m *LockMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

func (m *LockMap) Close() error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}
