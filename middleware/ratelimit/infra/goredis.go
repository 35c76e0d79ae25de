package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implementa domain.Counter com go-redis: INCR e EXPIRE dentro de
// MULTI/EXEC, então o TTL nunca fica para trás de um incremento.
type RedisCounter struct {
	rdb redis.UniversalClient
}

func NewRedisCounter(rdb redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// NewRedisClient abre um cliente go-redis a partir de uma URL redis:// com os
// timeouts do contador remoto.
func NewRedisClient(rawURL string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	// o fallback local cobre a indisponibilidade; retry só somaria latência.
	opts.MaxRetries = -1
	return redis.NewClient(opts), nil
}
