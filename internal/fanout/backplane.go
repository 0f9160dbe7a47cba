package fanout

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

const nodeChannelPrefix = "gw:node:"

// RedisBackplane carries cross-node envelopes over one pub/sub channel per
// gateway node.
type RedisBackplane struct {
	client *redis.Client
	node   domain.NodeID
	local  LocalSender
}

func NewRedisBackplane(client *redis.Client, node domain.NodeID, local LocalSender) *RedisBackplane {
	return &RedisBackplane{client: client, node: node, local: local}
}

func (b *RedisBackplane) Forward(ctx context.Context, node domain.NodeID, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, nodeChannelPrefix+string(node), payload).Err()
}

// Run subscribes to this node's channel and delivers incoming envelopes to
// local sockets. Blocks until ctx is done.
func (b *RedisBackplane) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, nodeChannelPrefix+string(b.node))
	defer sub.Close()

	log.Info().Str("module", "fanout.backplane").Str("node", string(b.node)).Msg("backplane listening")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Str("module", "fanout.backplane").Msg("bad envelope")
				continue
			}
			for _, socket := range env.Sockets {
				if !b.local.Send(socket, env.Event) {
					log.Debug().Str("module", "fanout.backplane").
						Str("socket", string(socket)).Msg("socket gone, dropping forwarded event")
				}
			}
		}
	}
}
