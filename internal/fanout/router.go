// Package fanout routes domain events to the sockets that should receive
// them, wherever those sockets live. Local sockets get the event directly;
// sockets owned by another gateway node go through the backplane.
package fanout

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/presence"
)

// Event is the gateway's domain event envelope.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// LocalSender delivers raw frames to sockets attached to this process.
// Implemented by the signaling hub.
type LocalSender interface {
	Send(socket domain.SocketID, data []byte) bool
}

// Backplane forwards an envelope to another node's delivery channel.
type Backplane interface {
	Forward(ctx context.Context, node domain.NodeID, env Envelope) error
}

// Envelope is what crosses the backplane: the target sockets on the owning
// node plus the marshaled event.
type Envelope struct {
	Sockets []domain.SocketID `json:"sockets"`
	Event   json.RawMessage   `json:"event"`
}

type Router struct {
	node      domain.NodeID
	registry  presence.Registry
	local     LocalSender
	backplane Backplane
}

func NewRouter(node domain.NodeID, registry presence.Registry, local LocalSender, backplane Backplane) *Router {
	return &Router{node: node, registry: registry, local: local, backplane: backplane}
}

// Fanout resolves each recipient's sockets through the connection registry
// and delivers the event to all of them.
func (r *Router) Fanout(ctx context.Context, eventType string, recipients []domain.UserID, payload any) error {
	var sockets []domain.SocketID
	for _, user := range recipients {
		conns, err := r.registry.GetUserConnections(ctx, user)
		if err != nil {
			return err
		}
		sockets = append(sockets, conns...)
	}
	return r.deliver(ctx, eventType, sockets, payload)
}

// FanoutToSubscribers delivers to every socket subscribed to
// (eventType, targetID) — the secondary addressing mode used for presence
// and profile updates scoped to one entity.
func (r *Router) FanoutToSubscribers(ctx context.Context, eventType, targetID string, payload any) error {
	sockets, err := r.registry.GetEventSubscribers(ctx, eventType, targetID)
	if err != nil {
		return err
	}
	return r.deliver(ctx, eventType, sockets, payload)
}

func (r *Router) deliver(ctx context.Context, eventType string, sockets []domain.SocketID, payload any) error {
	if len(sockets) == 0 {
		return nil
	}
	data, err := json.Marshal(Event{Type: eventType, Data: payload})
	if err != nil {
		return err
	}

	remote := make(map[domain.NodeID][]domain.SocketID)
	for _, socket := range sockets {
		node, err := r.registry.GetConnectionNode(ctx, socket)
		if err != nil {
			log.Debug().Err(err).Str("module", "fanout").
				Str("socket", string(socket)).Msg("no placement for socket")
			continue
		}
		if node == r.node {
			if !r.local.Send(socket, data) {
				log.Debug().Str("module", "fanout").Str("socket", string(socket)).Msg("local socket gone")
			}
			continue
		}
		remote[node] = append(remote[node], socket)
	}

	for node, targets := range remote {
		env := Envelope{Sockets: targets, Event: data}
		if err := r.backplane.Forward(ctx, node, env); err != nil {
			log.Error().Err(err).Str("module", "fanout").
				Str("node", string(node)).Msg("backplane forward failed")
			return err
		}
	}
	return nil
}
