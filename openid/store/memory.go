package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a non-persistent Store.  It is safe for concurrent use
// within one process; nothing is shared across processes, so it must not be
// used for multi-process deployments.
type MemoryStore struct {
	mu sync.Mutex

	// associations indexed by server URL, then handle
	associations map[string]map[string]*Association

	// nonces indexed by serverURL|timestamp|salt
	nonces map[string]time.Time

	now  func() time.Time
	skew time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
// Supported options: WithNow, WithNonceSkew
func NewMemoryStore(opt ...Option) *MemoryStore {
	opts := getOpts(opt...)
	return &MemoryStore{
		associations: map[string]map[string]*Association{},
		nonces:       map[string]time.Time{},
		now:          opts.withNow,
		skew:         opts.withNonceSkew,
	}
}

// StoreAssociation implements Store.StoreAssociation.
func (s *MemoryStore) StoreAssociation(ctx context.Context, serverURL string, a *Association) error {
	const op = "store.(MemoryStore).StoreAssociation"
	if serverURL == "" {
		return fmt.Errorf("%s: server URL is empty: %w", op, ErrInvalidParameter)
	}
	if a == nil {
		return fmt.Errorf("%s: association is nil: %w", op, ErrNilParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byHandle, ok := s.associations[serverURL]
	if !ok {
		byHandle = map[string]*Association{}
		s.associations[serverURL] = byHandle
	}
	byHandle[a.Handle] = a.clone()
	return nil
}

// GetAssociation implements Store.GetAssociation.
func (s *MemoryStore) GetAssociation(ctx context.Context, serverURL, handle string) (*Association, error) {
	const op = "store.(MemoryStore).GetAssociation"
	if serverURL == "" {
		return nil, fmt.Errorf("%s: server URL is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byHandle := s.associations[serverURL]
	if len(byHandle) == 0 {
		return nil, nil
	}
	now := s.now()
	if handle != "" {
		a, ok := byHandle[handle]
		if !ok || !a.IsValid(now) {
			return nil, nil
		}
		return a.clone(), nil
	}
	var newest *Association
	for _, a := range byHandle {
		if !a.IsValid(now) {
			continue
		}
		if newest == nil || a.IssuedAt.After(newest.IssuedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.clone(), nil
}

// RemoveAssociation implements Store.RemoveAssociation.
func (s *MemoryStore) RemoveAssociation(ctx context.Context, serverURL, handle string) (bool, error) {
	const op = "store.(MemoryStore).RemoveAssociation"
	if serverURL == "" || handle == "" {
		return false, fmt.Errorf("%s: server URL or handle is empty: %w", op, ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byHandle := s.associations[serverURL]
	if _, ok := byHandle[handle]; !ok {
		return false, nil
	}
	delete(byHandle, handle)
	return true, nil
}

// UseNonce implements Store.UseNonce.  The check and the set happen under
// one lock, so the same nonce can never be accepted twice.
func (s *MemoryStore) UseNonce(ctx context.Context, serverURL string, ts time.Time, salt string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if ts.Before(now.Add(-s.skew)) || ts.After(now.Add(s.skew)) {
		return false, nil
	}
	key := nonceKey(serverURL, ts, salt)
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = ts
	return true, nil
}

// CleanupNonces implements Store.CleanupNonces.
func (s *MemoryStore) CleanupNonces(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.skew)
	var removed int
	for key, ts := range s.nonces {
		if ts.Before(cutoff) {
			delete(s.nonces, key)
			removed++
		}
	}
	return removed, nil
}

// CleanupAssociations implements Store.CleanupAssociations.
func (s *MemoryStore) CleanupAssociations(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var removed int
	for serverURL, byHandle := range s.associations {
		for handle, a := range byHandle {
			if !a.IsValid(now) {
				delete(byHandle, handle)
				removed++
			}
		}
		if len(byHandle) == 0 {
			delete(s.associations, serverURL)
		}
	}
	return removed, nil
}

func nonceKey(serverURL string, ts time.Time, salt string) string {
	return fmt.Sprintf("%s|%d|%s", serverURL, ts.Unix(), salt)
}
