package sfu

import (
	"sync"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

type PeerState int32

const (
	PeerDisconnected PeerState = iota
	PeerJoining
	PeerJoined
	PeerClosed
)

// Peer is one connected client's membership in a room. It holds only ids of
// the resources it owns; the room's tables are the authoritative arena.
type Peer struct {
	Socket domain.SocketID
	User   domain.UserID
	Conn   SignalConnection

	mu             sync.Mutex
	state          PeerState
	roomID         domain.ChannelID
	engineFailures int
	transports     map[string]struct{}
	producers      map[string]struct{}
	consumers      map[string]struct{}
}

func NewPeer(socket domain.SocketID, user domain.UserID, conn SignalConnection) *Peer {
	return &Peer{
		Socket:     socket,
		User:       user,
		Conn:       conn,
		transports: make(map[string]struct{}),
		producers:  make(map[string]struct{}),
		consumers:  make(map[string]struct{}),
	}
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) RoomID() domain.ChannelID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.roomID
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// beginClose transitions to Closed; reports false if the peer was already
// closed so a second teardown becomes a no-op.
func (p *Peer) beginClose() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerClosed {
		return false
	}
	p.state = PeerClosed
	return true
}

// engineFailed counts one more consecutive engine failure.
func (p *Peer) engineFailed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engineFailures++
	return p.engineFailures
}

func (p *Peer) engineOK() {
	p.mu.Lock()
	p.engineFailures = 0
	p.mu.Unlock()
}

func (p *Peer) bindRoom(roomID domain.ChannelID) {
	p.mu.Lock()
	p.roomID = roomID
	p.state = PeerJoining
	p.mu.Unlock()
}

func (p *Peer) ownTransport(id string) {
	p.mu.Lock()
	p.transports[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) ownProducer(id string) {
	p.mu.Lock()
	p.producers[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) ownConsumer(id string) {
	p.mu.Lock()
	p.consumers[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) disownProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

func (p *Peer) disownConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Peer) ownsTransport(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.transports[id]
	return ok
}

func (p *Peer) ownsProducer(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.producers[id]
	return ok
}

func (p *Peer) ownsConsumer(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.consumers[id]
	return ok
}

func (p *Peer) transportIDs() []string { return p.idSet(&p.transports) }
func (p *Peer) producerIDs() []string  { return p.idSet(&p.producers) }
func (p *Peer) consumerIDs() []string  { return p.idSet(&p.consumers) }

func (p *Peer) idSet(set *map[string]struct{}) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(*set))
	for id := range *set {
		out = append(out, id)
	}
	return out
}
