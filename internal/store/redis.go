package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"github.com/stellarlinkco/leasebroker/internal/session"
)

const redisKeyPrefix = "leasebroker:negotiation:"

var cborEnc cbor.EncMode

func init() {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	cborEnc = em
}

func encodeState(st session.State) ([]byte, error) {
	return cborEnc.Marshal(st)
}

func decodeState(data []byte) (session.State, error) {
	var st session.State
	err := cbor.Unmarshal(data, &st)
	return st, err
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// RedisStore keeps one CBOR-encoded value per session.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis accepts a redis:// URL or a bare host:port.
func OpenRedis(dsn string) (*RedisStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "localhost:6379"
	}
	var opts *redis.Options
	if strings.Contains(dsn, "://") {
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: dsn}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Save(ctx context.Context, id string, st session.State) error {
	data, err := encodeState(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", id, err)
	}
	if err := r.client.Set(ctx, redisKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (*session.State, error) {
	data, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &st, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// scan decodes every checkpoint key in turn.
func (r *RedisStore) scan(ctx context.Context, fn func(key string, st session.State)) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan checkpoints: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			st, err := decodeState(data)
			if err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			fn(key, st)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (r *RedisStore) List(ctx context.Context, status session.Status) ([]session.State, error) {
	var out []session.State
	err := r.scan(ctx, func(_ string, st session.State) {
		if status == "" || st.Status == status {
			out = append(out, st)
		}
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *RedisStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	var stale []string
	err := r.scan(ctx, func(key string, st session.State) {
		if st.Status.Terminal() && st.UpdatedAt.Before(olderThan) {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
