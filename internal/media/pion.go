package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type EngineConfig struct {
	ICEServers []string
}

// pionEngine implements Engine on top of pion's ORTC API. Each router gets
// its own MediaEngine so codec negotiation stays isolated per room.
type pionEngine struct {
	cfg    EngineConfig
	mu     sync.Mutex
	closed bool
}

func NewPionEngine(cfg EngineConfig) Engine {
	return &pionEngine{cfg: cfg}
}

// defaultCodecs is the codec set offered by every router: opus for audio,
// VP8 for video and screen-share.
func defaultCodecs() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 96,
		},
	}
}

func (e *pionEngine) NewRouter(ctx context.Context) (Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	me := &webrtc.MediaEngine{}
	codecs := defaultCodecs()
	caps := RTPCapabilities{}
	for _, c := range codecs {
		typ := webrtc.RTPCodecTypeVideo
		if c.MimeType == webrtc.MimeTypeOpus {
			typ = webrtc.RTPCodecTypeAudio
		}
		if err := me.RegisterCodec(c, typ); err != nil {
			return nil, err
		}
		caps.Codecs = append(caps.Codecs, c.RTPCodecCapability)
	}

	se := webrtc.SettingEngine{}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	iceServers := make([]webrtc.ICEServer, 0, len(e.cfg.ICEServers))
	for _, u := range e.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	log.Debug().Str("module", "media").Msg("router created")
	return &pionRouter{
		api:        api,
		caps:       caps,
		iceServers: iceServers,
		transports: make(map[string]*pionTransport),
	}, nil
}

func (e *pionEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type pionRouter struct {
	api        *webrtc.API
	caps       RTPCapabilities
	iceServers []webrtc.ICEServer

	mu         sync.Mutex
	transports map[string]*pionTransport
	closed     bool
}

func (r *pionRouter) Capabilities() RTPCapabilities { return r.caps }

func (r *pionRouter) CreateTransport(ctx context.Context, dir Direction) (Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrEngineClosed
	}
	r.mu.Unlock()

	t, err := newPionTransport(ctx, r, dir)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) dropTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *pionRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ts := make([]*pionTransport, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.transports = make(map[string]*pionTransport)
	r.mu.Unlock()

	for _, t := range ts {
		t.Close()
	}
	log.Debug().Str("module", "media").Msg("router closed")
}
