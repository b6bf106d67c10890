package unread

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/karthikraju391/greenmarket-chat/backend"
)

// Redis stores one hash per user: field = conversation id, value = count.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "unread:"}
}

// Dial connects to addr and verifies the server responds.
func Dial(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedis(client), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

func (r *Redis) Increment(ctx context.Context, conversationID, userID string) error {
	if err := r.client.HIncrBy(ctx, r.key(userID), conversationID, 1).Err(); err != nil {
		return fmt.Errorf("increment unread %s/%s: %w: %w", userID, conversationID, backend.ErrTransientIO, err)
	}
	return nil
}

func (r *Redis) Reset(ctx context.Context, conversationID, userID string) error {
	if err := r.client.HDel(ctx, r.key(userID), conversationID).Err(); err != nil {
		return fmt.Errorf("reset unread %s/%s: %w: %w", userID, conversationID, backend.ErrTransientIO, err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context, conversationID, userID string) (int64, error) {
	n, err := r.client.HGet(ctx, r.key(userID), conversationID).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read unread %s/%s: %w: %w", userID, conversationID, backend.ErrTransientIO, err)
	}
	return n, nil
}

func (r *Redis) Totals(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read unread totals %s: %w: %w", userID, backend.ErrTransientIO, err)
	}
	out := make(map[string]int64, len(raw))
	for conv, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		out[conv] = n
	}
	return out, nil
}
