package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanCount = 256

// RedisDriver stores entries as plain string keys namespaced by
// "<database>:<collection>:".
type RedisDriver struct{}

func (RedisDriver) Name() string { return DriverRedis }

// Open parses uri as a redis:// or rediss:// URL and pings the server.
func (RedisDriver) Open(ctx context.Context, uri, database string) (Conn, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Unavailable(fmt.Errorf("redis connection failed: %w", err))
	}
	return &RedisConn{client: client, database: database}, nil
}

// RedisConn is a Redis client scoped to one logical database name.
type RedisConn struct {
	client   *redis.Client
	database string
}

func (s *RedisConn) Collection(name string) Collection {
	return &redisCollection{client: s.client, prefix: s.database + ":" + name + ":"}
}

func (s *RedisConn) Ping(ctx context.Context) error {
	return redisErr(s.client.Ping(ctx).Err())
}

func (s *RedisConn) Close(_ context.Context) error {
	return s.client.Close()
}

type redisCollection struct {
	client *redis.Client
	prefix string
}

func (c *redisCollection) FindOne(ctx context.Context, key string) (*Entry, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, redisErr(err)
	}
	return &Entry{Key: key, Value: val}, nil
}

func (c *redisCollection) Upsert(ctx context.Context, key, value string) error {
	return redisErr(c.client.Set(ctx, c.prefix+key, value, 0).Err())
}

func (c *redisCollection) DeleteOne(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Del(ctx, c.prefix+key).Result()
	if err != nil {
		return 0, redisErr(err)
	}
	return n, nil
}

// FindKeys walks the keyspace with SCAN. Keys written while the scan runs
// may or may not be included.
func (c *redisCollection) FindKeys(ctx context.Context) ([]string, error) {
	keys := []string{}
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, escapeGlob(c.prefix)+"*", redisScanCount).Result()
		if err != nil {
			return nil, redisErr(err)
		}
		for _, k := range batch {
			k = strings.TrimPrefix(k, c.prefix)
			// SCAN may return an element more than once.
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }

// redisErr keeps replies from the server as operation errors and tags
// everything else (dial, I/O, pool timeouts) as ErrUnavailable.
func redisErr(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return err
	}
	return Unavailable(err)
}
