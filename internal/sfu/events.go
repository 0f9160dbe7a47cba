package sfu

import "github.com/Laevateinn17/viscord-sub001/internal/domain"

// SignalConnection is the transport endpoint a room fans out to.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(data []byte) error
	Close()
}

// Server-to-room event types.
const (
	OpProducerJoined     = "producer_joined"
	OpCloseProducer      = "close_producer"
	OpPauseProducer      = "pause_producer"
	OpResumeProducer     = "resume_producer"
	OpPauseConsumer      = "pause_consumer"
	OpResumeConsumer     = "resume_consumer"
	OpActiveSpeakerState = "active_speaker_state"
)

// ProducerJoinedEvent tells the rest of the room to consume a new stream.
type ProducerJoinedEvent struct {
	Type       string        `json:"type"`
	ProducerID string        `json:"producerId"`
	UserID     domain.UserID `json:"userId"`
}

type CloseProducerEvent struct {
	Type       string `json:"type"`
	ProducerID string `json:"producerId"`
}

// PeerStateEvent relays a peer's pause/resume toggles (muted/deafened
// indication) to the rest of the room.
type PeerStateEvent struct {
	Type   string        `json:"type"`
	UserID domain.UserID `json:"userId"`
}

type SpeakerEvent struct {
	Type     string        `json:"type"`
	UserID   domain.UserID `json:"userId"`
	Speaking bool          `json:"speaking"`
}
