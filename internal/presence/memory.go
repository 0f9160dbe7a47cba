package presence

import (
	"context"
	"sync"
	"time"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

type memRecord struct {
	node      domain.NodeID
	user      domain.UserID
	expiresAt time.Time
	subs      map[string]struct{} // "<event>:<target>"
}

// MemoryRegistry is the in-process Registry used by tests and single-node
// dev mode. Expiry is checked on read; Now is injectable for tests.
type MemoryRegistry struct {
	ttl time.Duration
	Now func() time.Time

	mu      sync.RWMutex
	sockets map[domain.SocketID]*memRecord
	users   map[domain.UserID]map[domain.SocketID]struct{}
	subs    map[string]map[domain.SocketID]struct{}
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryRegistry{
		ttl:     ttl,
		Now:     time.Now,
		sockets: make(map[domain.SocketID]*memRecord),
		users:   make(map[domain.UserID]map[domain.SocketID]struct{}),
		subs:    make(map[string]map[domain.SocketID]struct{}),
	}
}

func (r *MemoryRegistry) live(rec *memRecord) bool {
	return rec != nil && r.Now().Before(rec.expiresAt)
}

func (r *MemoryRegistry) AddConnection(_ context.Context, user domain.UserID, socket domain.SocketID, node domain.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[socket] = &memRecord{
		node:      node,
		user:      user,
		expiresAt: r.Now().Add(r.ttl),
		subs:      make(map[string]struct{}),
	}
	if r.users[user] == nil {
		r.users[user] = make(map[domain.SocketID]struct{})
	}
	r.users[user][socket] = struct{}{}
	return nil
}

func (r *MemoryRegistry) RefreshConnection(_ context.Context, user domain.UserID, socket domain.SocketID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sockets[socket]; ok {
		rec.expiresAt = r.Now().Add(r.ttl)
	}
	return nil
}

func (r *MemoryRegistry) RemoveConnection(_ context.Context, user domain.UserID, socket domain.SocketID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(user, socket)
	return nil
}

func (r *MemoryRegistry) removeLocked(user domain.UserID, socket domain.SocketID) {
	if rec, ok := r.sockets[socket]; ok {
		for key := range rec.subs {
			if set := r.subs[key]; set != nil {
				delete(set, socket)
				if len(set) == 0 {
					delete(r.subs, key)
				}
			}
		}
	}
	delete(r.sockets, socket)
	if set := r.users[user]; set != nil {
		delete(set, socket)
		if len(set) == 0 {
			delete(r.users, user)
		}
	}
}

func (r *MemoryRegistry) GetUserConnections(_ context.Context, user domain.UserID) ([]domain.SocketID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SocketID
	for socket := range r.users[user] {
		if r.live(r.sockets[socket]) {
			out = append(out, socket)
		}
	}
	return out, nil
}

func (r *MemoryRegistry) GetConnectionNode(_ context.Context, socket domain.SocketID) (domain.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sockets[socket]
	if !ok || !r.live(rec) {
		return "", ErrUnknownSocket
	}
	return rec.node, nil
}

func (r *MemoryRegistry) Subscribe(_ context.Context, eventType, targetID string, socket domain.SocketID) error {
	key := eventType + ":" + targetID
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sockets[socket]
	if !ok {
		return ErrUnknownSocket
	}
	rec.subs[key] = struct{}{}
	if r.subs[key] == nil {
		r.subs[key] = make(map[domain.SocketID]struct{})
	}
	r.subs[key][socket] = struct{}{}
	return nil
}

func (r *MemoryRegistry) GetEventSubscribers(_ context.Context, eventType, targetID string) ([]domain.SocketID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.SocketID
	for socket := range r.subs[eventType+":"+targetID] {
		if r.live(r.sockets[socket]) {
			out = append(out, socket)
		}
	}
	return out, nil
}
