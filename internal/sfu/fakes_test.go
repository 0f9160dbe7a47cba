package sfu

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/Laevateinn17/viscord-sub001/internal/media"
)

// fakeEngine implements media.Engine in memory so handler behavior can be
// tested without pion transports. Failure injection is per engine so a test
// can flip it mid-session.
type fakeEngine struct {
	routersCreated int64

	mu           sync.Mutex
	transportErr error
	connectHangs bool
}

func (e *fakeEngine) NewRouter(ctx context.Context) (media.Router, error) {
	atomic.AddInt64(&e.routersCreated, 1)
	return &fakeRouter{eng: e}, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) failTransports(err error) {
	e.mu.Lock()
	e.transportErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) transportFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transportErr
}

func (e *fakeEngine) hangConnects(v bool) {
	e.mu.Lock()
	e.connectHangs = v
	e.mu.Unlock()
}

func (e *fakeEngine) connectHanging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connectHangs
}

func testCaps() media.RTPCapabilities {
	return media.RTPCapabilities{Codecs: []webrtc.RTPCodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{MimeType: "video/VP8", ClockRate: 90000},
	}}
}

type fakeRouter struct {
	eng    *fakeEngine
	closed atomic.Bool
}

func (r *fakeRouter) Capabilities() media.RTPCapabilities { return testCaps() }

func (r *fakeRouter) CreateTransport(ctx context.Context, dir media.Direction) (media.Transport, error) {
	if err := r.eng.transportFailure(); err != nil {
		return nil, err
	}
	return &fakeTransport{id: uuid.NewString(), dir: dir, eng: r.eng}, nil
}

func (r *fakeRouter) Close() { r.closed.Store(true) }

type fakeTransport struct {
	id        string
	dir       media.Direction
	eng       *fakeEngine
	connected atomic.Bool
	closed    atomic.Bool
}

func (t *fakeTransport) Info() media.TransportInfo {
	return media.TransportInfo{ID: t.id}
}

func (t *fakeTransport) Connect(ctx context.Context, params media.ConnectParams) error {
	if t.eng != nil && t.eng.connectHanging() {
		<-ctx.Done()
		return ctx.Err()
	}
	t.connected.Store(true)
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind media.Kind, params media.RTPParameters, paused bool) (media.Producer, error) {
	p := &fakeProducer{id: uuid.NewString(), kind: kind}
	p.paused.Store(paused)
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producer media.Producer, paused bool) (media.Consumer, error) {
	c := &fakeConsumer{id: uuid.NewString(), producerID: producer.ID(), kind: producer.Kind()}
	c.paused.Store(paused)
	return c, nil
}

func (t *fakeTransport) Close() { t.closed.Store(true) }

type fakeProducer struct {
	id     string
	kind   media.Kind
	paused atomic.Bool
	closed atomic.Bool
}

func (p *fakeProducer) ID() string       { return p.id }
func (p *fakeProducer) Kind() media.Kind { return p.kind }
func (p *fakeProducer) Pause()           { p.paused.Store(true) }
func (p *fakeProducer) Resume()          { p.paused.Store(false) }
func (p *fakeProducer) Paused() bool     { return p.paused.Load() }
func (p *fakeProducer) Close()           { p.closed.Store(true) }

type fakeConsumer struct {
	id         string
	producerID string
	kind       media.Kind
	paused     atomic.Bool
	closed     atomic.Bool
}

func (c *fakeConsumer) ID() string                  { return c.id }
func (c *fakeConsumer) ProducerID() string          { return c.producerID }
func (c *fakeConsumer) Kind() media.Kind            { return c.kind }
func (c *fakeConsumer) Params() media.RTPParameters { return media.RTPParameters{} }
func (c *fakeConsumer) Pause()                      { c.paused.Store(true) }
func (c *fakeConsumer) Resume()                     { c.paused.Store(false) }
func (c *fakeConsumer) Paused() bool                { return c.paused.Load() }
func (c *fakeConsumer) Close()                      { c.closed.Store(true) }

// fakeConn records every frame a room publish delivers to the peer.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return ErrBackpressureTest
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// events decodes received frames, optionally filtered by type.
func (c *fakeConn) events(t *testing.T, typ string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		if typ == "" || m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

var ErrBackpressureTest = errBackpressureTest{}

type errBackpressureTest struct{}

func (errBackpressureTest) Error() string { return "send buffer full" }
