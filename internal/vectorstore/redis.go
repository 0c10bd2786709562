package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps one hash per item under prefix+"item:"+id and the set of
// ids under prefix+"ids".
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, prefix string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBackend{client: rdb, prefix: prefix, owned: true}, nil
}

// NewRedis wraps an existing client. Close leaves the client open.
func NewRedis(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) itemKey(id string) string { return b.prefix + "item:" + id }
func (b *RedisBackend) idsKey() string           { return b.prefix + "ids" }

func (b *RedisBackend) Load(ctx context.Context, fn func(Record) error) error {
	ids, err := b.client.SMembers(ctx, b.idsKey()).Result()
	if err != nil {
		return err
	}
	sort.Strings(ids)
	for _, id := range ids {
		h, err := b.client.HGetAll(ctx, b.itemKey(id)).Result()
		if err != nil {
			return err
		}
		if len(h) == 0 {
			// id set and hashes drifted; the hash is authoritative
			continue
		}
		rec := Record{ID: id, Model: h["model"]}
		if rec.Vector, err = decodeVector([]byte(h["vector"])); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		if dim, _ := strconv.Atoi(h["dim"]); dim != len(rec.Vector) {
			return fmt.Errorf("item %s: stored dim %d, vector has %d", id, dim, len(rec.Vector))
		}
		if m := h["metadata"]; m != "" {
			if err := json.Unmarshal([]byte(m), &rec.Metadata); err != nil {
				return fmt.Errorf("item %s metadata: %w", id, err)
			}
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Put(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, b.itemKey(rec.ID),
			"vector", encodeVector(rec.Vector),
			"dim", len(rec.Vector),
			"model", rec.Model,
			"metadata", string(meta),
			"updated_at", rec.UpdatedAt.Format(time.RFC3339Nano),
		)
		p.SAdd(ctx, b.idsKey(), rec.ID)
		return nil
	})
	return err
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.itemKey(id))
		p.SRem(ctx, b.idsKey(), id)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (b *RedisBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}
