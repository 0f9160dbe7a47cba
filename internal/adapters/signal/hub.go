package signal

import (
	"sync"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/presence"
)

type hubEntry struct {
	user domain.UserID
	conn *wsConn
}

// Hub tracks every socket attached to this process. It is the local half of
// the fanout router and the source for presence TTL renewal.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.SocketID]hubEntry
}

func NewHub() *Hub {
	return &Hub{conns: make(map[domain.SocketID]hubEntry)}
}

func (h *Hub) Add(socket domain.SocketID, user domain.UserID, conn *wsConn) {
	h.mu.Lock()
	h.conns[socket] = hubEntry{user: user, conn: conn}
	h.mu.Unlock()
}

func (h *Hub) Remove(socket domain.SocketID) {
	h.mu.Lock()
	delete(h.conns, socket)
	h.mu.Unlock()
}

// Send implements fanout.LocalSender.
func (h *Hub) Send(socket domain.SocketID, data []byte) bool {
	h.mu.RLock()
	entry, ok := h.conns[socket]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return entry.conn.TrySend(data) == nil
}

// LocalConnections implements presence.ConnectionLister.
func (h *Hub) LocalConnections() []presence.LocalConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]presence.LocalConn, 0, len(h.conns))
	for socket, entry := range h.conns {
		out = append(out, presence.LocalConn{User: entry.user, Socket: socket})
	}
	return out
}
