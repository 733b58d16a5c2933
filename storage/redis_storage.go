package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/contexthelper"
	"github.com/vultisig/multisigner/internal/types"
)

const (
	idempotencyPrefix = "idempotency:"
	eventStreamPrefix = "events:"
	eventStreamMaxLen = 1000
)

type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return NewRedisStorageFromClient(client), nil
}

func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// CachedResponse is a response replayed for a repeated idempotency key.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// ClaimIdempotencyKey reserves key for ttl. It returns false when another
// request already holds or completed it.
func (r *RedisStorage) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return false, ctx.Err()
	}
	ok, err := r.client.SetNX(ctx, idempotencyPrefix+key, "", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("fail to claim idempotency key, err: %w", err)
	}
	return ok, nil
}

func (r *RedisStorage) SaveIdempotentResponse(ctx context.Context, key string, resp CachedResponse, ttl time.Duration) error {
	buf, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("fail to serialize response, err: %w", err)
	}
	return r.client.Set(ctx, idempotencyPrefix+key, buf, ttl).Err()
}

// GetIdempotentResponse returns nil while the first request is still running.
func (r *RedisStorage) GetIdempotentResponse(ctx context.Context, key string) (*CachedResponse, error) {
	raw, err := r.client.Get(ctx, idempotencyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("fail to get idempotent response, err: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var resp CachedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("fail to deserialize idempotent response, err: %w", err)
	}
	return &resp, nil
}

// ReleaseIdempotencyKey frees a key whose request failed before producing a
// response worth replaying.
func (r *RedisStorage) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyPrefix+key).Err()
}

// eventStream names the stream of a wallet. Events raised before a wallet
// exists share the operator stream.
func eventStream(walletID uuid.UUID) string {
	if walletID == uuid.Nil {
		return eventStreamPrefix + "operator"
	}
	return eventStreamPrefix + walletID.String()
}

// PublishEvent appends event to the wallet's capped event stream.
func (r *RedisStorage) PublishEvent(ctx context.Context, event types.Event) error {
	buf, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fail to serialize event, err: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream(event.WalletID),
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":     string(event.Type),
			"priority": string(event.Priority),
			"event":    string(buf),
		},
	}).Err()
}

// StreamEvent is an event with its stream position, used as the cursor for
// the next read.
type StreamEvent struct {
	StreamID string      `json:"stream_id"`
	Event    types.Event `json:"event"`
}

// ReadEvents returns up to count events after the given stream id. An empty
// after reads from the beginning.
func (r *RedisStorage) ReadEvents(ctx context.Context, walletID uuid.UUID, after string, count int64) ([]StreamEvent, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	msgs, err := r.client.XRangeN(ctx, eventStream(walletID), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to read events, err: %w", err)
	}
	out := make([]StreamEvent, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := getStr(m.Values, "event")
		if !ok {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("fail to deserialize event %s, err: %w", m.ID, err)
		}
		out = append(out, StreamEvent{StreamID: m.ID, Event: ev})
	}
	return out, nil
}

func getStr(m map[string]interface{}, key string) (string, bool) {
	if v, ok := m[key]; ok {
		switch t := v.(type) {
		case string:
			return t, true
		case []byte:
			return string(t), true
		}
	}
	return "", false
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
