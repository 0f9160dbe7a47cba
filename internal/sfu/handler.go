package sfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
	"github.com/Laevateinn17/viscord-sub001/internal/perm"
)

// Handler implements the session signaling protocol. It owns the peer table
// and drives rooms and the media engine; every broadcast happens only after
// the local state mutation it announces.
type Handler struct {
	rooms         *Rooms
	perm          perm.Checker
	engineTimeout time.Duration

	mu    sync.RWMutex
	peers map[domain.SocketID]*Peer
}

func NewHandler(rooms *Rooms, checker perm.Checker, engineTimeout time.Duration) *Handler {
	if checker == nil {
		checker = perm.AllowAll{}
	}
	if engineTimeout <= 0 {
		engineTimeout = 10 * time.Second
	}
	return &Handler{
		rooms:         rooms,
		perm:          checker,
		engineTimeout: engineTimeout,
		peers:         make(map[domain.SocketID]*Peer),
	}
}

func (h *Handler) Rooms() *Rooms { return h.rooms }

// engineCtx bounds an engine call so a stalled engine fails the command
// instead of hanging the peer session.
func (h *Handler) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, h.engineTimeout)
}

// engineFailure wraps an engine error, escalating to ErrEngineFailing once
// the peer crosses its consecutive-failure budget so the adapter disconnects
// it. A successful engine call resets the budget.
func (h *Handler) engineFailure(p *Peer, op string, err error) error {
	if p.engineFailed() >= engineFailureLimit {
		log.Warn().Str("module", "sfu").Str("socket", string(p.Socket)).
			Str("op", op).Msg("engine failure budget exhausted")
		return fmt.Errorf("%w: %s: %v", ErrEngineFailing, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrEngine, op, err)
}

func (h *Handler) peer(socket domain.SocketID) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[socket]
	return p, ok
}

// joinedPeer resolves the caller to a peer in Joined state and its room.
func (h *Handler) joinedPeer(socket domain.SocketID) (*Peer, *Room, error) {
	p, ok := h.peer(socket)
	if !ok {
		return nil, nil, ErrNotJoined
	}
	switch p.State() {
	case PeerClosed:
		return nil, nil, ErrAlreadyClosed
	case PeerJoined:
	default:
		return nil, nil, ErrNotJoined
	}
	room, ok := h.rooms.Get(p.RoomID())
	if !ok {
		return nil, nil, ErrNotJoined
	}
	return p, room, nil
}

type JoinResult struct {
	Capabilities media.RTPCapabilities `json:"routingCapabilities"`
}

// JoinRoom registers the socket as a peer of the channel's room, creating
// the room on first join. Re-issuing join for the same room is idempotent
// and returns the same capabilities.
func (h *Handler) JoinRoom(ctx context.Context, socket domain.SocketID, conn SignalConnection, user domain.UserID, guild domain.GuildID, channel domain.ChannelID) (*JoinResult, error) {
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := channel.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if p, ok := h.peer(socket); ok {
		if p.State() == PeerClosed {
			return nil, ErrAlreadyClosed
		}
		if p.RoomID() == channel {
			room, ok := h.rooms.Get(channel)
			if !ok {
				return nil, ErrNotJoined
			}
			return &JoinResult{Capabilities: room.Capabilities()}, nil
		}
		// One room per connection: joining elsewhere leaves the old room.
		h.Close(socket)
	}

	allowed, err := h.perm.CheckPermission(ctx, user, guild, channel)
	if err != nil {
		return nil, fmt.Errorf("%w: permission check: %v", ErrPermissionDenied, err)
	}
	if !allowed {
		return nil, ErrPermissionDenied
	}

	p := NewPeer(socket, user, conn)
	p.bindRoom(channel)

	var room *Room
	for {
		ectx, cancel := h.engineCtx(ctx)
		room, err = h.rooms.GetOrCreate(ectx, channel)
		cancel()
		if err != nil {
			return nil, err
		}
		if room.addPeer(p) {
			break
		}
		// The last peer stopped the room between the fetch and the
		// registration; take a fresh one.
	}

	h.mu.Lock()
	h.peers[socket] = p
	h.mu.Unlock()
	p.setState(PeerJoined)

	log.Info().Str("module", "sfu").Str("socket", string(socket)).
		Str("user", string(user)).Str("channel", string(channel)).Msg("peer joined")
	return &JoinResult{Capabilities: room.Capabilities()}, nil
}

func (h *Handler) CreateTransport(ctx context.Context, socket domain.SocketID, dir media.Direction) (*media.TransportInfo, error) {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return nil, err
	}
	if dir != media.DirectionSend && dir != media.DirectionRecv {
		return nil, fmt.Errorf("%w: bad direction %q", ErrValidation, dir)
	}

	ectx, cancel := h.engineCtx(ctx)
	defer cancel()
	t, err := room.router.CreateTransport(ectx, dir)
	if err != nil {
		return nil, h.engineFailure(p, "create transport", err)
	}
	p.engineOK()

	room.addTransport(t, socket)
	p.ownTransport(t.Info().ID)

	info := t.Info()
	return &info, nil
}

func (h *Handler) ConnectTransport(ctx context.Context, socket domain.SocketID, transportID string, params media.ConnectParams) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}
	if !p.ownsTransport(transportID) {
		return fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}
	t, ok := room.transport(transportID)
	if !ok {
		return fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}

	ectx, cancel := h.engineCtx(ctx)
	defer cancel()
	if err := t.Connect(ectx, params); err != nil {
		return h.engineFailure(p, "connect transport", err)
	}
	p.engineOK()
	return nil
}

type ProduceResult struct {
	ID string `json:"id"`
}

func (h *Handler) Produce(ctx context.Context, socket domain.SocketID, transportID string, kind media.Kind, params media.RTPParameters, appTag string, paused bool) (*ProduceResult, error) {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: bad media kind %q", ErrValidation, kind)
	}
	if !p.ownsTransport(transportID) {
		return nil, fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}
	t, ok := room.transport(transportID)
	if !ok {
		return nil, fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}

	ectx, cancel := h.engineCtx(ctx)
	defer cancel()
	producer, err := t.Produce(ectx, kind, params, paused)
	if err != nil {
		return nil, h.engineFailure(p, "produce", err)
	}
	p.engineOK()

	room.addProducer(producer, socket, p.User, appTag)
	p.ownProducer(producer.ID())

	// The broadcast happens after the table mutation so a get_producers
	// issued by any recipient observes the new stream.
	h.publish(room, socket, ProducerJoinedEvent{
		Type:       OpProducerJoined,
		ProducerID: producer.ID(),
		UserID:     p.User,
	})

	log.Info().Str("module", "sfu").Str("socket", string(socket)).
		Str("producer", producer.ID()).Str("kind", string(kind)).Msg("producer created")
	return &ProduceResult{ID: producer.ID()}, nil
}

type ConsumeResult struct {
	ID         string              `json:"id"`
	ProducerID string              `json:"producerId"`
	Kind       media.Kind          `json:"kind"`
	Params     media.RTPParameters `json:"mediaParams"`
	AppTag     string              `json:"appTag,omitempty"`
	Paused     bool                `json:"paused"`
}

func (h *Handler) Consume(ctx context.Context, socket domain.SocketID, transportID, producerID string, remote media.RTPCapabilities) (*ConsumeResult, error) {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return nil, err
	}
	if !p.ownsTransport(transportID) {
		return nil, fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}
	t, ok := room.transport(transportID)
	if !ok {
		return nil, fmt.Errorf("%w: transport %s", ErrNotFound, transportID)
	}
	entry, ok := room.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
	}
	if !room.Capabilities().Compatible(remote) {
		return nil, fmt.Errorf("%w: no shared codec", ErrIncompatible)
	}

	// Non-screen consumers start paused and are resumed by an explicit
	// follow-up call once the client has wired up playback.
	paused := entry.producer.Kind() != media.KindScreen

	ectx, cancel := h.engineCtx(ctx)
	defer cancel()
	consumer, err := t.Consume(ectx, entry.producer, paused)
	if err != nil {
		return nil, h.engineFailure(p, "consume", err)
	}
	p.engineOK()

	room.addConsumer(consumer, socket)
	p.ownConsumer(consumer.ID())

	log.Info().Str("module", "sfu").Str("socket", string(socket)).
		Str("consumer", consumer.ID()).Str("producer", producerID).Msg("consumer created")
	return &ConsumeResult{
		ID:         consumer.ID(),
		ProducerID: producerID,
		Kind:       consumer.Kind(),
		Params:     consumer.Params(),
		AppTag:     entry.appTag,
		Paused:     paused,
	}, nil
}

// PauseConsumers pauses one consumer by id, or all of the caller's consumers
// when id is empty, and relays the deafened indication to the room.
func (h *Handler) PauseConsumers(socket domain.SocketID, consumerID string) error {
	return h.toggleConsumers(socket, consumerID, true)
}

func (h *Handler) ResumeConsumers(socket domain.SocketID, consumerID string) error {
	return h.toggleConsumers(socket, consumerID, false)
}

func (h *Handler) toggleConsumers(socket domain.SocketID, consumerID string, pause bool) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}

	ids := p.consumerIDs()
	if consumerID != "" {
		if !p.ownsConsumer(consumerID) {
			return fmt.Errorf("%w: consumer %s", ErrNotFound, consumerID)
		}
		ids = []string{consumerID}
	}
	for _, id := range ids {
		if entry, ok := room.consumer(id); ok {
			if pause {
				entry.consumer.Pause()
			} else {
				entry.consumer.Resume()
			}
		}
	}

	op := OpResumeConsumer
	if pause {
		op = OpPauseConsumer
	}
	h.publish(room, socket, PeerStateEvent{Type: op, UserID: p.User})
	return nil
}

func (h *Handler) PauseProducer(socket domain.SocketID, producerID string) error {
	return h.toggleProducer(socket, producerID, true)
}

func (h *Handler) ResumeProducer(socket domain.SocketID, producerID string) error {
	return h.toggleProducer(socket, producerID, false)
}

func (h *Handler) toggleProducer(socket domain.SocketID, producerID string, pause bool) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}
	if !p.ownsProducer(producerID) {
		return fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
	}
	entry, ok := room.producer(producerID)
	if !ok {
		return fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
	}
	if pause {
		entry.producer.Pause()
	} else {
		entry.producer.Resume()
	}

	op := OpResumeProducer
	if pause {
		op = OpPauseProducer
	}
	h.publish(room, socket, PeerStateEvent{Type: op, UserID: p.User})
	return nil
}

// GetProducers lists every live producer in the caller's room except the
// caller's own, so a fresh peer can consume each existing stream.
func (h *Handler) GetProducers(socket domain.SocketID) ([]ProducerInfo, error) {
	_, room, err := h.joinedPeer(socket)
	if err != nil {
		return nil, err
	}
	return room.producersExcept(socket), nil
}

// CloseProducer closes the producer and cascades to every consumer in the
// room sourced from it, then broadcasts close_producer exactly once.
func (h *Handler) CloseProducer(socket domain.SocketID, producerID string) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}
	if !p.ownsProducer(producerID) {
		return fmt.Errorf("%w: producer %s", ErrNotFound, producerID)
	}
	h.closeProducer(room, p, producerID)
	return nil
}

func (h *Handler) closeProducer(room *Room, owner *Peer, producerID string) {
	entry, ok := room.producer(producerID)
	if !ok {
		return
	}

	for _, consumerID := range room.consumersOf(producerID) {
		if ce, ok := room.consumer(consumerID); ok {
			ce.consumer.Close()
			room.removeConsumer(consumerID)
			if cp, ok := room.peer(ce.owner); ok {
				cp.disownConsumer(consumerID)
			}
		}
	}

	entry.producer.Close()
	room.removeProducer(producerID)
	owner.disownProducer(producerID)

	h.publish(room, owner.Socket, CloseProducerEvent{Type: OpCloseProducer, ProducerID: producerID})
	log.Info().Str("module", "sfu").Str("producer", producerID).Msg("producer closed")
}

func (h *Handler) CloseConsumer(socket domain.SocketID, consumerID string) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}
	if !p.ownsConsumer(consumerID) {
		return fmt.Errorf("%w: consumer %s", ErrNotFound, consumerID)
	}
	if entry, ok := room.consumer(consumerID); ok {
		entry.consumer.Close()
		room.removeConsumer(consumerID)
	}
	p.disownConsumer(consumerID)
	return nil
}

// Speaking relays a client-detected speaking toggle to the rest of the room.
// Pure fan-out: nothing is validated or stored.
func (h *Handler) Speaking(socket domain.SocketID, speaking bool) error {
	p, room, err := h.joinedPeer(socket)
	if err != nil {
		return err
	}
	h.publish(room, socket, SpeakerEvent{Type: OpActiveSpeakerState, UserID: p.User, Speaking: speaking})
	return nil
}

// Close tears the peer down: producers (with their room-wide consumer
// cascades and close_producer broadcasts), consumers, transports, then room
// membership. Safe to invoke twice; the second call is a no-op because both
// an explicit close_sfu_client and the socket disconnect fire for one peer.
func (h *Handler) Close(socket domain.SocketID) {
	p, ok := h.peer(socket)
	if !ok {
		return
	}
	if !p.beginClose() {
		return
	}

	room, ok := h.rooms.Get(p.RoomID())
	if ok {
		for _, producerID := range p.producerIDs() {
			h.closeProducer(room, p, producerID)
		}
		for _, consumerID := range p.consumerIDs() {
			if entry, ok := room.consumer(consumerID); ok {
				entry.consumer.Close()
				room.removeConsumer(consumerID)
			}
			p.disownConsumer(consumerID)
		}
		for _, transportID := range p.transportIDs() {
			if t, ok := room.transport(transportID); ok {
				t.Close()
				room.removeTransport(transportID)
			}
		}
		room.removePeer(socket)
		h.rooms.StopIfEmpty(room.Channel())
	}

	h.mu.Lock()
	delete(h.peers, socket)
	h.mu.Unlock()

	log.Info().Str("module", "sfu").Str("socket", string(socket)).Msg("peer closed")
}

// publish fans out and tears down peers whose sockets are dead.
func (h *Handler) publish(room *Room, from domain.SocketID, event any) {
	for _, socket := range room.Publish(from, event) {
		log.Warn().Str("module", "sfu").Str("socket", string(socket)).Msg("backpressure, closing peer")
		h.Close(socket)
	}
}
