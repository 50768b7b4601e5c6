package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	objPrefix = "fp:obj:"
	valPrefix = "fp:val:"
	evChannel = "fp:events"
)

// RedisStore persists the state tree in Redis so sessions and the PKCE
// verifier survive process restarts. Object metadata lives under fp:obj:*,
// values under fp:val:*, and every SetValue is published on fp:events for
// subscribers.
type RedisStore struct {
	client *redis.Client
	logger zerolog.Logger
}

type event struct {
	Path string `json:"path"`
	Value
}

func NewRedisStore(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With().Str("component", "redisstore").Logger()}
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, path string, kind Kind, meta Metadata) error {
	obj := struct {
		Kind Kind     `json:"kind"`
		Meta Metadata `json:"meta"`
	}{kind, meta}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	// SETNX gives the create-if-absent semantics without a round trip.
	return s.client.SetNX(ctx, objPrefix+path, raw, 0).Err()
}

func (s *RedisStore) SetValue(ctx context.Context, path string, val any, ack bool) error {
	raw, err := json.Marshal(Value{Val: val, Ack: ack})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, valPrefix+path, raw, 0).Err(); err != nil {
		return err
	}
	ev, err := json.Marshal(event{Path: path, Value: Value{Val: val, Ack: ack}})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, evChannel, ev).Err()
}

func (s *RedisStore) GetValue(ctx context.Context, path string) (Value, error) {
	raw, err := s.client.Get(ctx, valPrefix+path).Bytes()
	if err == redis.Nil {
		return Value{}, ErrNotFound
	}
	if err != nil {
		return Value{}, fmt.Errorf("statestore: redis get %s: %w", path, err)
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}

func (s *RedisStore) DeleteSubtree(ctx context.Context, path string) error {
	for _, prefix := range []string{objPrefix, valPrefix} {
		iter := s.client.Scan(ctx, 0, prefix+path+"*", 0).Iterator()
		var keys []string
		for iter.Next(ctx) {
			key := strings.TrimPrefix(iter.Val(), prefix)
			if key == path || strings.HasPrefix(key, path+".") {
				keys = append(keys, iter.Val())
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, prefix string, fn func(path string, v Value)) (func(), error) {
	pubsub := s.client.Subscribe(ctx, evChannel)
	// Force the subscription before returning so callers don't miss writes
	// issued immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn().Err(err).Msg("dropping malformed event")
					continue
				}
				if strings.HasPrefix(ev.Path, prefix) {
					fn(ev.Path, ev.Value)
				}
			}
		}
	}()
	return func() {
		close(done)
		pubsub.Close()
	}, nil
}
