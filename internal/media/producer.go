package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	trackStateOk int32 = iota
	trackStateMuted
	trackStateDelete
)

// pionProducer owns one inbound stream and the relay loop that forwards its
// RTP packets to every attached consumer.
type pionProducer struct {
	id     string
	kind   Kind
	params RTPParameters

	receiver *webrtc.RTPReceiver

	paused int32
	closed int32

	mu        sync.RWMutex
	consumers map[string]*pionConsumer
}

func newPionProducer(kind Kind, params RTPParameters, receiver *webrtc.RTPReceiver, paused bool) *pionProducer {
	p := &pionProducer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		receiver:  receiver,
		consumers: make(map[string]*pionConsumer),
	}
	if paused {
		atomic.StoreInt32(&p.paused, 1)
	}
	return p
}

func (p *pionProducer) ID() string   { return p.id }
func (p *pionProducer) Kind() Kind   { return p.kind }
func (p *pionProducer) Paused() bool { return atomic.LoadInt32(&p.paused) == 1 }

func (p *pionProducer) Pause()  { atomic.StoreInt32(&p.paused, 1) }
func (p *pionProducer) Resume() { atomic.StoreInt32(&p.paused, 0) }

func (p *pionProducer) attach(c *pionConsumer) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrProducerClosed
	}
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
	return nil
}

func (p *pionProducer) detach(consumerID string) {
	p.mu.Lock()
	delete(p.consumers, consumerID)
	p.mu.Unlock()
}

// relayLoop reads RTP from the remote track and forwards to all live
// consumers, skipping paused ones. Runs until the producer closes.
func (p *pionProducer) relayLoop(track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "media.relay").Str("producer", p.id).Logger()
	for {
		if atomic.LoadInt32(&p.closed) == 1 {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 0 {
				logger.Debug().Err(err).Msg("read RTP stopped")
			}
			return
		}
		if p.Paused() {
			continue
		}
		p.forward(pkt, &logger)
	}
}

func (p *pionProducer) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	dirty := false
	for _, c := range p.consumers {
		switch atomic.LoadInt32(&c.state) {
		case trackStateDelete:
			dirty = true
			continue
		case trackStateMuted:
			continue
		}
		if err := c.track.WriteRTP(pkt); err != nil {
			logger.Debug().Err(err).Str("consumer", c.id).Msg("write RTP failed, dropping out-track")
			atomic.StoreInt32(&c.state, trackStateDelete)
			dirty = true
		}
	}
	p.mu.RUnlock()

	if dirty {
		p.cleanupDeleted()
	}
}

func (p *pionProducer) cleanupDeleted() {
	p.mu.Lock()
	for id, c := range p.consumers {
		if atomic.LoadInt32(&c.state) == trackStateDelete {
			delete(p.consumers, id)
		}
	}
	p.mu.Unlock()
}

func (p *pionProducer) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	p.mu.Lock()
	for _, c := range p.consumers {
		atomic.StoreInt32(&c.state, trackStateDelete)
	}
	p.consumers = make(map[string]*pionConsumer)
	p.mu.Unlock()

	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "media").Str("producer", p.id).Msg("receiver stop")
	}
}
