package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// pionTransport is one ICE/DTLS pipe built from the ORTC primitives.
// Gathering happens eagerly at creation so Info() is complete immediately.
type pionTransport struct {
	id     string
	dir    Direction
	router *pionRouter

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	info TransportInfo

	mu        sync.Mutex
	connected bool
	closed    bool
	producers []*pionProducer
	consumers []*pionConsumer
}

func newPionTransport(ctx context.Context, r *pionRouter, dir Direction) (*pionTransport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.iceServers})
	if err != nil {
		return nil, err
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, err
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, err
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	t := &pionTransport{
		id:       uuid.NewString(),
		dir:      dir,
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}
	t.info = TransportInfo{
		ID:             t.id,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
		DTLSParameters: dtlsParams,
	}
	log.Debug().Str("module", "media").Str("transport", t.id).Str("dir", string(dir)).Msg("transport created")
	return t, nil
}

func (t *pionTransport) Info() TransportInfo { return t.info }

// runWithin awaits fn under the command's deadline. The engine call itself
// keeps running past expiry; the command fails instead of hanging the peer.
func runWithin(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pionTransport) Connect(ctx context.Context, params ConnectParams) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	// The ORTC ICE transport needs the remote ufrag/pwd to start; clients of
	// this engine send them alongside the DTLS parameters.
	if params.ICEParameters == nil {
		return ErrICEParamsRequired
	}

	err := runWithin(ctx, func() error {
		role := webrtc.ICERoleControlled
		if err := t.ice.Start(t.gatherer, *params.ICEParameters, &role); err != nil {
			return err
		}
		return t.dtls.Start(params.DTLSParameters)
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	log.Debug().Str("module", "media").Str("transport", t.id).Msg("transport connected")
	return nil
}

func (t *pionTransport) Produce(ctx context.Context, kind Kind, params RTPParameters, paused bool) (Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	receiver, err := t.router.api.NewRTPReceiver(kind.codecType(), t.dtls)
	if err != nil {
		return nil, err
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(params.Encodings))
	for _, enc := range params.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{RTPCodingParameters: enc})
	}
	if err := runWithin(ctx, func() error {
		return receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings})
	}); err != nil {
		return nil, err
	}

	p := newPionProducer(kind, params, receiver, paused)

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	go p.relayLoop(receiver.Track())
	return p, nil
}

func (t *pionTransport) Consume(ctx context.Context, producer Producer, paused bool) (Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, ErrProducerClosed
	}

	var codec webrtc.RTPCodecCapability
	for _, c := range t.router.caps.Codecs {
		if matchesKind(c, producer.Kind()) {
			codec = c
			break
		}
	}

	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, "viscord")
	if err != nil {
		return nil, err
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := runWithin(ctx, func() error {
		return sender.Send(sender.GetParameters())
	}); err != nil {
		return nil, err
	}

	c := newPionConsumer(id, src, track, sender, t.router.caps, paused)
	if err := src.attach(c); err != nil {
		_ = sender.Stop()
		return nil, err
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func matchesKind(c webrtc.RTPCodecCapability, kind Kind) bool {
	isAudio := c.MimeType == webrtc.MimeTypeOpus
	return isAudio == (kind == KindAudio)
}

func (t *pionTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	if err := t.dtls.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "media").Str("transport", t.id).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "media").Str("transport", t.id).Msg("ice stop")
	}
	t.router.dropTransport(t.id)
	log.Debug().Str("module", "media").Str("transport", t.id).Msg("transport closed")
}
