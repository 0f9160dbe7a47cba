// Package media wraps the SFU media engine behind a small capability surface:
// a router per room, ICE/DTLS transports, producers (inbound streams) and
// consumers (outbound subscriptions). The session layer talks only to these
// interfaces; the pion implementation lives alongside them.
package media

import (
	"context"
	"errors"
	"strings"

	"github.com/pion/webrtc/v4"
)

var (
	ErrEngineClosed    = errors.New("media: engine closed")
	ErrTransportClosed = errors.New("media: transport closed")
	ErrProducerClosed  = errors.New("media: producer closed")
	// ErrICEParamsRequired is returned by Connect when the remote side sent
	// DTLS parameters without the ICE ufrag/pwd the ORTC transport needs.
	ErrICEParamsRequired = errors.New("media: remote ice parameters required")
)

type Kind string

const (
	KindAudio  Kind = "audio"
	KindVideo  Kind = "video"
	KindScreen Kind = "screen"
)

func (k Kind) Valid() bool {
	switch k {
	case KindAudio, KindVideo, KindScreen:
		return true
	}
	return false
}

func (k Kind) codecType() webrtc.RTPCodecType {
	if k == KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// RTPCapabilities is the per-router negotiated codec set. A remote endpoint
// can produce to or consume from the router only with a compatible subset.
type RTPCapabilities struct {
	Codecs []webrtc.RTPCodecCapability `json:"codecs"`
}

// Compatible reports whether the remote capabilities share at least one codec
// with the router.
func (caps RTPCapabilities) Compatible(remote RTPCapabilities) bool {
	for _, rc := range remote.Codecs {
		for _, c := range caps.Codecs {
			if strings.EqualFold(rc.MimeType, c.MimeType) && rc.ClockRate == c.ClockRate {
				return true
			}
		}
	}
	return false
}

// RTPParameters describe one stream: the codecs in use and its encodings
// (SSRC, payload type). Sent by the client on produce, returned on consume.
type RTPParameters struct {
	Codecs    []webrtc.RTPCodecParameters  `json:"codecs"`
	Encodings []webrtc.RTPCodingParameters `json:"encodings"`
}

// TransportInfo carries the server-side connection parameters the client
// needs to complete the ICE/DTLS handshake.
type TransportInfo struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams is the remote half of the transport handshake.
type ConnectParams struct {
	ICEParameters  *webrtc.ICEParameters `json:"iceParameters,omitempty"`
	DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
}

type Engine interface {
	// NewRouter creates an isolated routing context for one room.
	NewRouter(ctx context.Context) (Router, error)
	Close() error
}

type Router interface {
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context, dir Direction) (Transport, error)
	Close()
}

type Transport interface {
	Info() TransportInfo
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind Kind, params RTPParameters, paused bool) (Producer, error)
	// Consume subscribes this transport to a producer created on the same
	// router. The consumer starts in the given paused state.
	Consume(ctx context.Context, producer Producer, paused bool) (Consumer, error)
	Close()
}

type Producer interface {
	ID() string
	Kind() Kind
	Pause()
	Resume()
	Paused() bool
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	// Params returns the stream parameters the consuming client must apply.
	Params() RTPParameters
	Pause()
	Resume()
	Paused() bool
	Close()
}
