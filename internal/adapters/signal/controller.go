package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/fanout"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
	"github.com/Laevateinn17/viscord-sub001/internal/presence"
	"github.com/Laevateinn17/viscord-sub001/internal/sfu"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller speaks the session signaling protocol over one websocket per
// client. Every client command carries a correlation id (rid) echoed in the
// response; server-initiated events carry none.
type Controller struct {
	Sessions *sfu.Handler
	Presence presence.Registry
	Hub      *Hub
	Events   *fanout.Router
	Node     domain.NodeID

	ReadLimit  int64
	PingPeriod time.Duration
}

// presenceChanged tells everyone subscribed to this user's presence about
// the new status.
func (ctl *Controller) presenceChanged(ctx context.Context, user domain.UserID, status string) {
	if ctl.Events == nil || user == "" {
		return
	}
	payload := map[string]any{"userId": user, "status": status}
	if err := ctl.Events.FanoutToSubscribers(ctx, "presence_update", string(user), payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(user)).Msg("presence fanout")
	}
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	socket := domain.SocketID(c.GetString("client_token"))
	user := domain.UserID(c.Query("user_id"))
	log.Info().Str("module", "signal").Str("socket", string(socket)).Msg("new ws connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := newWSConn(ws)
	ctl.Hub.Add(socket, user, conn)
	if user != "" {
		if err := ctl.Presence.AddConnection(ctx, user, socket, ctl.Node); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("socket", string(socket)).Msg("presence add")
		}
		ctl.presenceChanged(ctx, user, "online")
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, socket, user, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, socket domain.SocketID, user domain.UserID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("socket", string(socket)).Msg("connection closing")
		ctl.Sessions.Close(socket)
		ctl.Hub.Remove(socket)
		if user != "" {
			cleanupCtx := context.Background()
			if err := ctl.Presence.RemoveConnection(cleanupCtx, user, socket); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("socket", string(socket)).Msg("presence remove")
			}
			if remaining, err := ctl.Presence.GetUserConnections(cleanupCtx, user); err == nil && len(remaining) == 0 {
				ctl.presenceChanged(cleanupCtx, user, "offline")
			}
		}
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.dispatch(ctx, socket, &user, c, data)
		}
	}
}

type envelope struct {
	Type string `json:"type"`
	Rid  string `json:"rid,omitempty"`
}

func (ctl *Controller) dispatch(ctx context.Context, socket domain.SocketID, user *domain.UserID, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ctl.sendError(c, "", sfu.ErrValidation)
		return
	}

	switch env.Type {
	case "ping":
		ctl.sendJSON(c, map[string]any{"type": "pong", "rid": env.Rid})
		if *user != "" {
			if err := ctl.Presence.RefreshConnection(ctx, *user, socket); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("presence refresh on ping")
			}
		}
	case "join_room":
		ctl.handleJoin(ctx, socket, user, c, env.Rid, data)
	case "create_transport":
		ctl.handleCreateTransport(ctx, socket, c, env.Rid, data)
	case "connect_transport":
		ctl.handleConnectTransport(ctx, socket, c, env.Rid, data)
	case "create_producer":
		ctl.handleProduce(ctx, socket, c, env.Rid, data)
	case "create_consumer":
		ctl.handleConsume(ctx, socket, c, env.Rid, data)
	case "pause_consumer", "resume_consumer":
		ctl.handleToggleConsumer(socket, c, env.Rid, env.Type, data)
	case "pause_producer", "resume_producer":
		ctl.handleToggleProducer(socket, c, env.Rid, env.Type, data)
	case "close_producer":
		ctl.handleCloseProducer(socket, c, env.Rid, data)
	case "close_consumer":
		ctl.handleCloseConsumer(socket, c, env.Rid, data)
	case "get_producers":
		ctl.handleGetProducers(socket, c, env.Rid)
	case "active_speaker_state":
		ctl.handleSpeaking(socket, c, env.Rid, data)
	case "subscribe":
		ctl.handleSubscribe(ctx, socket, c, env.Rid, data)
	case "close_sfu_client":
		ctl.Sessions.Close(socket)
		ctl.ack(c, "close_sfu_client", env.Rid)
	default:
		log.Debug().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.Rid, sfu.ErrValidation)
	}
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal response")
		return
	}
	_ = c.TrySend(data)
}

func (ctl *Controller) ack(c *wsConn, typ, rid string) {
	ctl.sendJSON(c, map[string]any{"type": typ, "rid": rid})
}

func (ctl *Controller) sendError(c *wsConn, rid string, err error) {
	ctl.sendJSON(c, map[string]any{
		"type":    "error",
		"rid":     rid,
		"code":    sfu.Code(err),
		"message": err.Error(),
	})
	// Permission denial and a failing engine end the session; closing the
	// conn makes the read pump run the full teardown.
	if sfu.Fatal(err) {
		c.Close()
	}
}

func (ctl *Controller) handleJoin(ctx context.Context, socket domain.SocketID, user *domain.UserID, c *wsConn, rid string, data []byte) {
	var p struct {
		ChannelID string `json:"channelId"`
		GuildID   string `json:"guildId"`
		UserID    string `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}

	// Identity comes from the connection when present; the join payload
	// fills it for sockets that connected anonymously.
	if *user == "" && p.UserID != "" {
		*user = domain.UserID(p.UserID)
		ctl.Hub.Add(socket, *user, c)
		if err := ctl.Presence.AddConnection(ctx, *user, socket, ctl.Node); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("presence add on join")
		}
		ctl.presenceChanged(ctx, *user, "online")
	}

	res, err := ctl.Sessions.JoinRoom(ctx, socket, c, *user, domain.GuildID(p.GuildID), domain.ChannelID(p.ChannelID))
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.sendJSON(c, map[string]any{
		"type":                "join_room",
		"rid":                 rid,
		"routingCapabilities": res.Capabilities,
	})
}

func (ctl *Controller) handleCreateTransport(ctx context.Context, socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		Direction media.Direction `json:"direction"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if p.Direction == "" {
		p.Direction = media.DirectionSend
	}

	info, err := ctl.Sessions.CreateTransport(ctx, socket, p.Direction)
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.sendJSON(c, map[string]any{
		"type":           "create_transport",
		"rid":            rid,
		"id":             info.ID,
		"iceParameters":  info.ICEParameters,
		"iceCandidates":  info.ICECandidates,
		"dtlsParameters": info.DTLSParameters,
	})
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		TransportID string              `json:"transportId"`
		Params      media.ConnectParams `json:"-"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if err := json.Unmarshal(data, &p.Params); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}

	if err := ctl.Sessions.ConnectTransport(ctx, socket, p.TransportID, p.Params); err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, "connect_transport", rid)
}

func (ctl *Controller) handleProduce(ctx context.Context, socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		TransportID string              `json:"transportId"`
		Kind        media.Kind          `json:"kind"`
		MediaParams media.RTPParameters `json:"mediaParams"`
		Paused      bool                `json:"paused"`
		AppTag      string              `json:"appTag"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}

	res, err := ctl.Sessions.Produce(ctx, socket, p.TransportID, p.Kind, p.MediaParams, p.AppTag, p.Paused)
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "create_producer", "rid": rid, "id": res.ID})
}

func (ctl *Controller) handleConsume(ctx context.Context, socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		TransportID        string                `json:"transportId"`
		ProducerID         string                `json:"producerId"`
		RemoteCapabilities media.RTPCapabilities `json:"remoteCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}

	res, err := ctl.Sessions.Consume(ctx, socket, p.TransportID, p.ProducerID, p.RemoteCapabilities)
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.sendJSON(c, map[string]any{
		"type":        "create_consumer",
		"rid":         rid,
		"id":          res.ID,
		"producerId":  res.ProducerID,
		"kind":        res.Kind,
		"mediaParams": res.Params,
		"appTag":      res.AppTag,
		"paused":      res.Paused,
	})
}

func (ctl *Controller) handleToggleConsumer(socket domain.SocketID, c *wsConn, rid, op string, data []byte) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	_ = json.Unmarshal(data, &p) // empty payload means all consumers

	var err error
	if op == "pause_consumer" {
		err = ctl.Sessions.PauseConsumers(socket, p.ConsumerID)
	} else {
		err = ctl.Sessions.ResumeConsumers(socket, p.ConsumerID)
	}
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, op, rid)
}

func (ctl *Controller) handleToggleProducer(socket domain.SocketID, c *wsConn, rid, op string, data []byte) {
	var p struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}

	var err error
	if op == "pause_producer" {
		err = ctl.Sessions.PauseProducer(socket, p.ProducerID)
	} else {
		err = ctl.Sessions.ResumeProducer(socket, p.ProducerID)
	}
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, op, rid)
}

func (ctl *Controller) handleCloseProducer(socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if err := ctl.Sessions.CloseProducer(socket, p.ProducerID); err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, "close_producer", rid)
}

func (ctl *Controller) handleCloseConsumer(socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ConsumerID == "" {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if err := ctl.Sessions.CloseConsumer(socket, p.ConsumerID); err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, "close_consumer", rid)
}

func (ctl *Controller) handleGetProducers(socket domain.SocketID, c *wsConn, rid string) {
	producers, err := ctl.Sessions.GetProducers(socket)
	if err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.sendJSON(c, map[string]any{"type": "get_producers", "rid": rid, "producers": producers})
}

func (ctl *Controller) handleSpeaking(socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		Speaking bool `json:"speaking"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if err := ctl.Sessions.Speaking(socket, p.Speaking); err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, "active_speaker_state", rid)
}

func (ctl *Controller) handleSubscribe(ctx context.Context, socket domain.SocketID, c *wsConn, rid string, data []byte) {
	var p struct {
		Event    string `json:"event"`
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Event == "" || p.TargetID == "" {
		ctl.sendError(c, rid, sfu.ErrValidation)
		return
	}
	if err := ctl.Presence.Subscribe(ctx, p.Event, p.TargetID, socket); err != nil {
		ctl.sendError(c, rid, err)
		return
	}
	ctl.ack(c, "subscribe", rid)
}
