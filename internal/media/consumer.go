package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// pionConsumer is one outbound subscription: a local track fed by its
// producer's relay loop plus the RTP sender pushing it to the subscriber.
// state is the relay-facing flag (ok/muted/delete), accessed atomically.
type pionConsumer struct {
	id       string
	producer *pionProducer
	track    *webrtc.TrackLocalStaticRTP
	sender   *webrtc.RTPSender
	params   RTPParameters

	state  int32
	closed int32
}

func newPionConsumer(
	id string,
	producer *pionProducer,
	track *webrtc.TrackLocalStaticRTP,
	sender *webrtc.RTPSender,
	caps RTPCapabilities,
	paused bool,
) *pionConsumer {
	c := &pionConsumer{
		id:       id,
		producer: producer,
		track:    track,
		sender:   sender,
	}
	if paused {
		atomic.StoreInt32(&c.state, trackStateMuted)
	}

	sendParams := sender.GetParameters()
	for _, codec := range caps.Codecs {
		if matchesKind(codec, producer.Kind()) {
			c.params.Codecs = append(c.params.Codecs, webrtc.RTPCodecParameters{RTPCodecCapability: codec})
		}
	}
	for _, enc := range sendParams.Encodings {
		c.params.Encodings = append(c.params.Encodings, enc.RTPCodingParameters)
	}
	return c
}

func (c *pionConsumer) ID() string            { return c.id }
func (c *pionConsumer) ProducerID() string    { return c.producer.id }
func (c *pionConsumer) Kind() Kind            { return c.producer.kind }
func (c *pionConsumer) Params() RTPParameters { return c.params }

func (c *pionConsumer) Paused() bool {
	return atomic.LoadInt32(&c.state) == trackStateMuted
}

func (c *pionConsumer) Pause() {
	atomic.CompareAndSwapInt32(&c.state, trackStateOk, trackStateMuted)
}

func (c *pionConsumer) Resume() {
	atomic.CompareAndSwapInt32(&c.state, trackStateMuted, trackStateOk)
}

func (c *pionConsumer) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	atomic.StoreInt32(&c.state, trackStateDelete)
	c.producer.detach(c.id)
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "media").Str("consumer", c.id).Msg("sender stop")
	}
}
