package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
)

// Rooms is the room registry: channel id to live room. Creation is
// serialized per registry so two peers joining an empty channel at once
// observe exactly one router.
type Rooms struct {
	engine media.Engine

	mu    sync.RWMutex
	rooms map[domain.ChannelID]*Room
}

func NewRooms(engine media.Engine) *Rooms {
	return &Rooms{
		engine: engine,
		rooms:  make(map[domain.ChannelID]*Room),
	}
}

func (r *Rooms) GetOrCreate(ctx context.Context, channel domain.ChannelID) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[channel]
	r.mu.RUnlock()
	if ok {
		return room, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[channel]; ok {
		return room, nil
	}
	router, err := r.engine.NewRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: new router: %v", ErrEngine, err)
	}
	room = newRoom(channel, router)
	r.rooms[channel] = room
	log.Info().Str("module", "sfu.rooms").Str("channel", string(channel)).Msg("room created")
	return room, nil
}

func (r *Rooms) Get(channel domain.ChannelID) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[channel]
	return room, ok
}

// StopIfEmpty removes and closes the room when its last peer has left.
// Reports whether the room was torn down. The room is marked terminal while
// still registered, so a join racing the teardown either lands before the
// emptiness check or is refused and retries against a fresh room.
func (r *Rooms) StopIfEmpty(channel domain.ChannelID) bool {
	r.mu.Lock()
	room, ok := r.rooms[channel]
	if !ok || !room.markStoppedIfEmpty() {
		r.mu.Unlock()
		return false
	}
	delete(r.rooms, channel)
	r.mu.Unlock()

	room.router.Close()
	log.Info().Str("module", "sfu.rooms").Str("channel", string(channel)).Msg("empty room stopped")
	return true
}

type RoomInfo struct {
	Channel   domain.ChannelID `json:"channel"`
	PeerCount int              `json:"peer_count"`
}

func (r *Rooms) List() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for channel, room := range r.rooms {
		out = append(out, RoomInfo{Channel: channel, PeerCount: room.PeerCount()})
	}
	return out
}
