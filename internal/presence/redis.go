package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Laevateinn17/viscord-sub001/internal/domain"
)

const (
	keyUserSockets = "gw:user:%s"    // set of socket ids
	keySocketNode  = "gw:sock:%s"    // owning node id
	keySubscribers = "gw:sub:%s:%s"  // set of socket ids per (event, target)
	keySocketSubs  = "gw:socksub:%s" // reverse index: "<event>:<target>" per socket
)

// RedisRegistry implements Registry on a shared Redis so every gateway node
// observes the same placement. All writes go through transactional
// pipelines; TTLs are (re)applied on every touch.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) AddConnection(ctx context.Context, user domain.UserID, socket domain.SocketID, node domain.NodeID) error {
	userKey := fmt.Sprintf(keyUserSockets, user)
	sockKey := fmt.Sprintf(keySocketNode, socket)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, userKey, string(socket))
		pipe.Expire(ctx, userKey, r.ttl)
		pipe.Set(ctx, sockKey, string(node), r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) RefreshConnection(ctx context.Context, user domain.UserID, socket domain.SocketID) error {
	subsKey := fmt.Sprintf(keySocketSubs, socket)
	subs, err := r.client.SMembers(ctx, subsKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, fmt.Sprintf(keyUserSockets, user), r.ttl)
		pipe.Expire(ctx, fmt.Sprintf(keySocketNode, socket), r.ttl)
		if len(subs) > 0 {
			pipe.Expire(ctx, subsKey, r.ttl)
			for _, s := range subs {
				pipe.Expire(ctx, "gw:sub:"+s, r.ttl)
			}
		}
		return nil
	})
	return err
}

func (r *RedisRegistry) RemoveConnection(ctx context.Context, user domain.UserID, socket domain.SocketID) error {
	subsKey := fmt.Sprintf(keySocketSubs, socket)
	subs, err := r.client.SMembers(ctx, subsKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, fmt.Sprintf(keyUserSockets, user), string(socket))
		pipe.Del(ctx, fmt.Sprintf(keySocketNode, socket))
		for _, s := range subs {
			pipe.SRem(ctx, "gw:sub:"+s, string(socket))
		}
		pipe.Del(ctx, subsKey)
		return nil
	})
	return err
}

func (r *RedisRegistry) GetUserConnections(ctx context.Context, user domain.UserID) ([]domain.SocketID, error) {
	members, err := r.client.SMembers(ctx, fmt.Sprintf(keyUserSockets, user)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.SocketID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.SocketID(m))
	}
	return out, nil
}

func (r *RedisRegistry) GetConnectionNode(ctx context.Context, socket domain.SocketID) (domain.NodeID, error) {
	node, err := r.client.Get(ctx, fmt.Sprintf(keySocketNode, socket)).Result()
	if err == redis.Nil {
		return "", ErrUnknownSocket
	}
	if err != nil {
		return "", err
	}
	return domain.NodeID(node), nil
}

func (r *RedisRegistry) Subscribe(ctx context.Context, eventType, targetID string, socket domain.SocketID) error {
	subKey := fmt.Sprintf(keySubscribers, eventType, targetID)
	revKey := fmt.Sprintf(keySocketSubs, socket)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, subKey, string(socket))
		pipe.Expire(ctx, subKey, r.ttl)
		pipe.SAdd(ctx, revKey, eventType+":"+targetID)
		pipe.Expire(ctx, revKey, r.ttl)
		return nil
	})
	return err
}

func (r *RedisRegistry) GetEventSubscribers(ctx context.Context, eventType, targetID string) ([]domain.SocketID, error) {
	members, err := r.client.SMembers(ctx, fmt.Sprintf(keySubscribers, eventType, targetID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	out := make([]domain.SocketID, 0, len(members))
	for _, m := range members {
		out = append(out, domain.SocketID(m))
	}
	return out, nil
}
