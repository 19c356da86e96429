package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dealwatch/models"
)

const defaultKeyPrefix = "dealwatch:proxy:"

var failureScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st == 'excluded' then
  return {tonumber(redis.call('HGET', KEYS[1], 'failures') or '0'), st, redis.call('HGET', KEYS[1], 'cooldown_until') or ''}
end
local f = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if not st or st == 'healthy' then
  st = 'healthy'
  if f >= tonumber(ARGV[1]) then
    st = 'cooling_down'
    redis.call('HSET', KEYS[1], 'state', st, 'cooldown_until', ARGV[2])
  end
end
return {f, st, redis.call('HGET', KEYS[1], 'cooldown_until') or ''}
`)

var successScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'excluded' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'healthy', 'failures', 0)
redis.call('HDEL', KEYS[1], 'cooldown_until')
return 1
`)

var reactivateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'cooling_down' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'healthy', 'failures', 0)
redis.call('HDEL', KEYS[1], 'cooldown_until')
return 1
`)

// RedisStateStore shares endpoint health between worker processes. Each
// endpoint is a hash; counters change only inside Lua scripts.
type RedisStateStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStateStore(rdb redis.UniversalClient, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix}
}

// ConnectRedis parses a redis URL and verifies the connection.
func ConnectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %v: %w", err, models.ErrConfiguration)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStateStore) key(id string) string {
	return s.prefix + "ep:" + id
}

func (s *RedisStateStore) LoadAll(ctx context.Context, ids []string) (map[string]EndpointState, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load proxy state: %w", err)
	}

	out := make(map[string]EndpointState, len(ids))
	for i, id := range ids {
		out[id] = decodeState(cmds[i].Val())
	}
	return out, nil
}

func (s *RedisStateStore) NextCursor(ctx context.Context) (uint64, error) {
	n, err := s.rdb.Incr(ctx, s.prefix+"cursor").Result()
	if err != nil {
		return 0, fmt.Errorf("advance proxy cursor: %w", err)
	}
	return uint64(n - 1), nil
}

func (s *RedisStateStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return s.rdb.HSet(ctx, s.key(id), "last_used_at", at.UnixMilli()).Err()
}

func (s *RedisStateStore) RecordSuccess(ctx context.Context, id string) error {
	return successScript.Run(ctx, s.rdb, []string{s.key(id)}).Err()
}

func (s *RedisStateStore) RecordFailure(ctx context.Context, id string, threshold int, until time.Time) (EndpointState, error) {
	res, err := failureScript.Run(ctx, s.rdb, []string{s.key(id)}, threshold, until.UnixMilli()).Slice()
	if err != nil {
		return EndpointState{}, fmt.Errorf("record proxy failure: %w", err)
	}
	if len(res) != 3 {
		return EndpointState{}, fmt.Errorf("record proxy failure: unexpected reply %v", res)
	}

	raw := map[string]string{
		"failures":       fmt.Sprint(res[0]),
		"state":          fmt.Sprint(res[1]),
		"cooldown_until": fmt.Sprint(res[2]),
	}
	return decodeState(raw), nil
}

func (s *RedisStateStore) Reactivate(ctx context.Context, id string) error {
	return reactivateScript.Run(ctx, s.rdb, []string{s.key(id)}).Err()
}

func (s *RedisStateStore) Exclude(ctx context.Context, id string) error {
	return s.rdb.HSet(ctx, s.key(id), "state", string(models.ProxyExcluded)).Err()
}

func decodeState(h map[string]string) EndpointState {
	st := EndpointState{State: models.ProxyHealthy}
	if v := h["state"]; v != "" {
		st.State = models.ProxyState(v)
	}
	if v, err := strconv.Atoi(h["failures"]); err == nil {
		st.Failures = v
	}
	if t, ok := millis(h["cooldown_until"]); ok {
		st.CooldownUntil = &t
	}
	if t, ok := millis(h["last_used_at"]); ok {
		st.LastUsedAt = &t
	}
	return st
}

func millis(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
