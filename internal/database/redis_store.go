package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/utils"
	"github.com/redis/go-redis/v9"
)

const (
	redisTypeHash = "hash"
	redisTypeSet  = "set"
	redisTypeNone = "none"
)

// RedisStore maps sets to Redis sets and record maps to hashes whose field
// values are JSON objects. All keys carry the configured prefix.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, timeout time.Duration) (*RedisStore, error) {
	logger.DebugF("Connecting to redis at %s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  utils.MustParseStringTime(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  utils.MustParseStringTime(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: utils.MustParseStringTime(cfg.WriteTimeout, 3*time.Second),
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: error occured while pinging redis: %v", ErrUnavailable, err)
	}
	return NewRedisStore(client, cfg.Prefix, timeout), nil
}

func (rs *RedisStore) key(name string) string {
	return rs.prefix + name
}

func (rs *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rs.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, rs.timeout)
}

func handleRedisErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%s %s: %w", op, name, ErrWrongType)
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s %s: %w", op, name, ErrStoreClosed)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func (rs *RedisStore) kind(ctx context.Context, name string) (string, error) {
	t, err := rs.client.Type(ctx, rs.key(name)).Result()
	if err != nil {
		return "", handleRedisErr("type", name, err)
	}
	return t, nil
}

func (rs *RedisStore) KeyInsert(ctx context.Context, set, member string) error {
	if set == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return handleRedisErr("sadd", set, rs.client.SAdd(ctx, rs.key(set), member).Err())
}

func (rs *RedisStore) Members(ctx context.Context, set string) ([]string, error) {
	if set == "" {
		return nil, ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	members, err := rs.client.SMembers(ctx, rs.key(set)).Result()
	if err != nil {
		return nil, handleRedisErr("smembers", set, err)
	}
	return members, nil
}

func (rs *RedisStore) Insert(ctx context.Context, table, key string, value Record) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	data, err := marshalRecord(value)
	if err != nil {
		return false, err
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	added, err := rs.client.HSet(ctx, rs.key(table), key, data).Result()
	if err != nil {
		return false, handleRedisErr("hset", table, err)
	}
	return added == 1, nil
}

func (rs *RedisStore) Update(ctx context.Context, table, key string, value Record) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	base, existed, err := rs.Find(ctx, table, key)
	if err != nil {
		return false, err
	}
	data, err := marshalRecord(merge(base, value))
	if err != nil {
		return false, err
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	if err := rs.client.HSet(ctx, rs.key(table), key, data).Err(); err != nil {
		return false, handleRedisErr("hset", table, err)
	}
	return existed, nil
}

func (rs *RedisStore) Get(ctx context.Context, table string) (map[string]Record, error) {
	if table == "" {
		return nil, ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	raw, err := rs.client.HGetAll(ctx, rs.key(table)).Result()
	if err != nil {
		return nil, handleRedisErr("hgetall", table, err)
	}
	result := make(map[string]Record, len(raw))
	for k, v := range raw {
		r, err := unmarshalRecord([]byte(v))
		if err != nil {
			return nil, err
		}
		result[k] = r
	}
	return result, nil
}

func (rs *RedisStore) Find(ctx context.Context, table, key string) (Record, bool, error) {
	if table == "" {
		return nil, false, ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	raw, err := rs.client.HGet(ctx, rs.key(table), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, handleRedisErr("hget", table, err)
	}
	r, err := unmarshalRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (rs *RedisStore) Value(ctx context.Context, table, key, field string) (any, bool, error) {
	r, ok, err := rs.Find(ctx, table, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, ok := valueOf(r, field)
	return v, ok, nil
}

func (rs *RedisStore) Delete(ctx context.Context, table, key string) error {
	if table == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	kind, err := rs.kind(ctx, table)
	if err != nil {
		return err
	}
	switch kind {
	case redisTypeHash:
		return handleRedisErr("hdel", table, rs.client.HDel(ctx, rs.key(table), key).Err())
	case redisTypeSet:
		return handleRedisErr("srem", table, rs.client.SRem(ctx, rs.key(table), key).Err())
	case redisTypeNone:
		return nil
	default:
		return fmt.Errorf("delete %s: %w", table, ErrWrongType)
	}
}

func (rs *RedisStore) Exists(ctx context.Context, table, key string) (bool, error) {
	if table == "" {
		return false, ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	kind, err := rs.kind(ctx, table)
	if err != nil {
		return false, err
	}
	var exists bool
	switch kind {
	case redisTypeHash:
		exists, err = rs.client.HExists(ctx, rs.key(table), key).Result()
	case redisTypeSet:
		exists, err = rs.client.SIsMember(ctx, rs.key(table), key).Result()
	case redisTypeNone:
		return false, nil
	default:
		return false, fmt.Errorf("exists %s: %w", table, ErrWrongType)
	}
	return exists, handleRedisErr("exists", table, err)
}

func (rs *RedisStore) Count(ctx context.Context, table string) (int, error) {
	if table == "" {
		return 0, ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	kind, err := rs.kind(ctx, table)
	if err != nil {
		return 0, err
	}
	var n int64
	switch kind {
	case redisTypeHash:
		n, err = rs.client.HLen(ctx, rs.key(table)).Result()
	case redisTypeSet:
		n, err = rs.client.SCard(ctx, rs.key(table)).Result()
	case redisTypeNone:
		return 0, nil
	default:
		return 0, fmt.Errorf("count %s: %w", table, ErrWrongType)
	}
	return int(n), handleRedisErr("count", table, err)
}

func (rs *RedisStore) Truncate(ctx context.Context, table string) error {
	if table == "" {
		return ErrKeyEmpty
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return handleRedisErr("del", table, rs.client.Del(ctx, rs.key(table)).Err())
}

func (rs *RedisStore) Close(_ context.Context) error {
	logger.InfoF("Closing redis connection")
	return rs.client.Close()
}
