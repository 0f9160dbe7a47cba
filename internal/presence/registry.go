// Package presence is the distributed connection and subscription registry:
// which gateway node holds which user's sockets, plus per-target event
// subscriptions. Records carry a TTL so a crashed node's sockets age out.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

type Registry interface {
	// AddConnection records a socket's placement and starts its TTL.
	AddConnection(ctx context.Context, user domain.UserID, socket domain.SocketID, node domain.NodeID) error
	// RefreshConnection extends the TTL of everything the socket owns.
	RefreshConnection(ctx context.Context, user domain.UserID, socket domain.SocketID) error
	// RemoveConnection drops one socket; the user's presence clears with the
	// last socket, and the socket's subscriptions go with it.
	RemoveConnection(ctx context.Context, user domain.UserID, socket domain.SocketID) error

	GetUserConnections(ctx context.Context, user domain.UserID) ([]domain.SocketID, error)
	GetConnectionNode(ctx context.Context, socket domain.SocketID) (domain.NodeID, error)

	Subscribe(ctx context.Context, eventType, targetID string, socket domain.SocketID) error
	GetEventSubscribers(ctx context.Context, eventType, targetID string) ([]domain.SocketID, error)
}

// ErrUnknownSocket is returned by GetConnectionNode for expired or never
// registered sockets.
var ErrUnknownSocket = errUnknownSocket{}

type errUnknownSocket struct{}

func (errUnknownSocket) Error() string { return "presence: unknown socket" }

// ConnectionLister exposes the sockets attached to this process, for TTL
// renewal. Implemented by the signaling hub.
type ConnectionLister interface {
	LocalConnections() []LocalConn
}

type LocalConn struct {
	User   domain.UserID
	Socket domain.SocketID
}

// Heartbeat periodically re-extends presence records for every local socket
// so long-lived connections never age out while still connected. Runs until
// ctx is done.
func Heartbeat(ctx context.Context, reg Registry, conns ConnectionLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range conns.LocalConnections() {
				if err := reg.RefreshConnection(ctx, c.User, c.Socket); err != nil {
					log.Warn().Err(err).Str("module", "presence").
						Str("socket", string(c.Socket)).Msg("presence refresh failed")
				}
			}
		}
	}
}
