package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"docuhub-gateway/middleware/ratelimit/domain"
)

// RedisStatsStore agrega as decisões de todas as réplicas em hashes do Redis.
//
// Layout (prefixo padrão "ratelimit:stats"):
//
//	<prefix>:total                  allowed|denied|degraded
//	<prefix>:minute:<yyyymmddhhmm>  idem, com TTL
//	<prefix>:backend                <backend>:allowed|denied
//	<prefix>:fallback               <reason> (só eventos degradados)
//	<prefix>:route                  <METHOD path>:allowed|denied
//	<prefix>:key:<key>              allowed|denied (só com trackKeys), com TTL
type RedisStatsStore struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration // total, backend, fallback e route não expiram
	bucket    string        // "minute" (padrão) ou "none"
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// hashIncr é um HINCRBY 1 (mais EXPIRE quando expires).
type hashIncr struct {
	key     string
	field   string
	expires bool
}

// increments lista os HINCRBY que um evento gera. Separado do Record para o layout
// ser testável sem Redis.
func (s *RedisStatsStore) increments(ev domain.StatsEvent) []hashIncr {
	outcome := "denied"
	if ev.Allowed {
		outcome = "allowed"
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var out []hashIncr
	counted := func(key string, expires bool) {
		out = append(out, hashIncr{key: key, field: outcome, expires: expires})
		if ev.Degraded {
			out = append(out, hashIncr{key: key, field: "degraded", expires: expires})
		}
	}

	counted(s.prefix+":total", false)
	if s.bucket == "minute" {
		counted(s.prefix+":minute:"+at.UTC().Format("200601021504"), true)
	}
	if b := strings.TrimSpace(ev.Backend); b != "" {
		out = append(out, hashIncr{key: s.prefix + ":backend", field: b + ":" + outcome})
	}
	if ev.Degraded && ev.Reason != "" {
		out = append(out, hashIncr{key: s.prefix + ":fallback", field: ev.Reason})
	}
	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		out = append(out, hashIncr{key: s.prefix + ":route", field: route + ":" + outcome})
	}
	if s.trackKeys {
		if k := strings.TrimSpace(string(ev.Key)); k != "" {
			out = append(out, hashIncr{key: s.prefix + ":key:" + k, field: outcome, expires: true})
		}
	}
	return out
}

// Record envia todos os incrementos num único pipeline.
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	pipe := s.rdb.Pipeline()
	expiring := map[string]bool{}
	for _, inc := range s.increments(ev) {
		pipe.HIncrBy(ctx, inc.key, inc.field, 1)
		if inc.expires && s.ttl > 0 && !expiring[inc.key] {
			expiring[inc.key] = true
			pipe.Expire(ctx, inc.key, s.ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}
