package sfu

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
)

type producerEntry struct {
	producer media.Producer
	owner    domain.SocketID
	user     domain.UserID
	appTag   string
}

type consumerEntry struct {
	consumer   media.Consumer
	owner      domain.SocketID
	producerID string
}

type transportEntry struct {
	transport media.Transport
	owner     domain.SocketID
}

// Room is one channel's media session: the routing context plus id-keyed
// tables of every transport, producer and consumer living in it. The tables
// only ever contain entries whose owning peer is still present.
type Room struct {
	channel domain.ChannelID
	router  media.Router

	mu         sync.RWMutex
	stopped    bool
	peers      map[domain.SocketID]*Peer
	transports map[string]transportEntry
	producers  map[string]producerEntry
	consumers  map[string]consumerEntry
}

func newRoom(channel domain.ChannelID, router media.Router) *Room {
	return &Room{
		channel:    channel,
		router:     router,
		peers:      make(map[domain.SocketID]*Peer),
		transports: make(map[string]transportEntry),
		producers:  make(map[string]producerEntry),
		consumers:  make(map[string]consumerEntry),
	}
}

func (r *Room) Channel() domain.ChannelID { return r.channel }

func (r *Room) Capabilities() media.RTPCapabilities { return r.router.Capabilities() }

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// addPeer registers the peer; reports false when the room was already torn
// down, in which case the caller must take a fresh room from the registry.
func (r *Room) addPeer(p *Peer) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.peers[p.Socket] = p
	r.mu.Unlock()
	log.Info().Str("module", "sfu.room").Str("channel", string(r.channel)).
		Str("socket", string(p.Socket)).Str("user", string(p.User)).Msg("peer added")
	return true
}

// markStoppedIfEmpty flips the room into its terminal state when no peers
// remain. Terminal rooms reject addPeer, so teardown and a late join can
// never both win on the same room.
func (r *Room) markStoppedIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || len(r.peers) > 0 {
		return false
	}
	r.stopped = true
	return true
}

func (r *Room) removePeer(socket domain.SocketID) {
	r.mu.Lock()
	delete(r.peers, socket)
	r.mu.Unlock()
	log.Info().Str("module", "sfu.room").Str("channel", string(r.channel)).
		Str("socket", string(socket)).Msg("peer removed")
}

func (r *Room) peer(socket domain.SocketID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[socket]
	return p, ok
}

func (r *Room) addTransport(t media.Transport, owner domain.SocketID) {
	r.mu.Lock()
	r.transports[t.Info().ID] = transportEntry{transport: t, owner: owner}
	r.mu.Unlock()
}

func (r *Room) transport(id string) (media.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.transports[id]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

func (r *Room) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Room) addProducer(p media.Producer, owner domain.SocketID, user domain.UserID, appTag string) {
	r.mu.Lock()
	r.producers[p.ID()] = producerEntry{producer: p, owner: owner, user: user, appTag: appTag}
	r.mu.Unlock()
}

func (r *Room) producer(id string) (producerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.producers[id]
	return e, ok
}

func (r *Room) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Room) addConsumer(c media.Consumer, owner domain.SocketID) {
	r.mu.Lock()
	r.consumers[c.ID()] = consumerEntry{consumer: c, owner: owner, producerID: c.ProducerID()}
	r.mu.Unlock()
}

func (r *Room) consumer(id string) (consumerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.consumers[id]
	return e, ok
}

func (r *Room) removeConsumer(id string) {
	r.mu.Lock()
	delete(r.consumers, id)
	r.mu.Unlock()
}

// consumersOf returns all consumer ids in the room sourced from a producer.
func (r *Room) consumersOf(producerID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.consumers {
		if e.producerID == producerID {
			out = append(out, id)
		}
	}
	return out
}

// ProducerInfo is the roster entry a freshly joined peer consumes from.
type ProducerInfo struct {
	UserID     domain.UserID `json:"userId"`
	ProducerID string        `json:"producerId"`
}

// producersExcept lists live producers not owned by the given socket.
func (r *Room) producersExcept(socket domain.SocketID) []ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProducerInfo, 0, len(r.producers))
	for id, e := range r.producers {
		if e.owner == socket {
			continue
		}
		out = append(out, ProducerInfo{UserID: e.user, ProducerID: id})
	}
	return out
}

// Publish fans an event out to every peer in the room except the sender.
// One primitive serves producer-joined, pause/resume, close notifications
// and the active-speaker relay. Returns sockets whose send buffer was full.
func (r *Room) Publish(from domain.SocketID, event any) []domain.SocketID {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("module", "sfu.room").Msg("publish marshal")
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var dropped []domain.SocketID
	for socket, p := range r.peers {
		if socket == from {
			continue
		}
		if err := p.Conn.TrySend(data); err != nil {
			dropped = append(dropped, socket)
		}
	}
	return dropped
}
