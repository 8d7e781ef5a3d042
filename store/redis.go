package store

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultOpTimeout bounds every call to the store so an outage degrades
// request handling latency predictably instead of stalling it.
const DefaultOpTimeout = 2 * time.Second

var storeErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Subsystem: "store",
	Name:      "errors_total",
	Help:      "Number of ephemeral store operations which failed and degraded to a no-op",
}, []string{"op"})

func init() {
	prometheus.MustRegister(storeErrorsCounter)
}

// RedisStore implements Store against a single redis node. All failures are
// swallowed per the best-effort policy; they increment a prometheus counter
// and emit a burst-sampled warning so an outage doesn't cause a log storm.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	errCount  uint64
	// sampled so a dead redis logs once per period, not once per call
	sampled zerolog.Logger
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		opTimeout: DefaultOpTimeout,
		sampled: logger.Sample(&zerolog.BurstSampler{
			Burst:  1,
			Period: 30 * time.Second,
		}),
	}
}

// SetOpTimeout overrides the per-operation deadline. Tests use short values.
func (s *RedisStore) SetOpTimeout(d time.Duration) {
	s.opTimeout = d
}

// Errors returns how many operations have degraded to a no-op since creation.
func (s *RedisStore) Errors() uint64 {
	return atomic.LoadUint64(&s.errCount)
}

func (s *RedisStore) fail(op string, err error) {
	atomic.AddUint64(&s.errCount, 1)
	storeErrorsCounter.WithLabelValues(op).Inc()
	s.sampled.Warn().Str("op", op).Err(err).Msg("ephemeral store unavailable, presence degraded")
}

func (s *RedisStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) MarkOnline(ctx context.Context, userID string) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, onlineKey(userID), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		s.fail("mark_online", err)
	}
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID string) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Del(ctx, onlineKey(userID)).Err(); err != nil {
		s.fail("mark_offline", err)
	}
}

func (s *RedisStore) TouchLastSeen(ctx context.Context, userID string, ts time.Time) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.client.Set(ctx, lastSeenKey(userID), ts.UTC().Format(time.RFC3339), LastSeenTTL).Err(); err != nil {
		s.fail("touch_last_seen", err)
	}
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) bool {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, onlineKey(userID)).Result()
	if err != nil {
		s.fail("is_online", err)
		return false
	}
	return n == 1
}

func (s *RedisStore) LastSeen(ctx context.Context, userID string) (string, bool) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, lastSeenKey(userID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		s.fail("last_seen", err)
		return "", false
	}
	return val, true
}

// BatchLastSeen is a single MGET regardless of how many users are asked for.
func (s *RedisStore) BatchLastSeen(ctx context.Context, userIDs []string) map[string]string {
	result := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return result
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = lastSeenKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.fail("batch_last_seen", err)
		return result
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			result[userIDs[i]] = str
		}
	}
	return result
}

// BatchIsOnline pipelines one EXISTS per user into a single round trip.
func (s *RedisStore) BatchIsOnline(ctx context.Context, userIDs []string) map[string]bool {
	result := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return result
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, onlineKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		s.fail("batch_is_online", err)
		for _, id := range userIDs {
			result[id] = false
		}
		return result
	}
	for i, cmd := range cmds {
		result[userIDs[i]] = cmd.Val() == 1
	}
	return result
}

// AllLastSeen walks the last-seen keyspace with SCAN then fetches the values
// in one MGET. Only the reconciler calls this.
func (s *RedisStore) AllLastSeen(ctx context.Context) map[string]string {
	result := make(map[string]string)
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, lastSeenKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.fail("all_last_seen", err)
		return result
	}
	if len(keys) == 0 {
		return result
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.fail("all_last_seen", err)
		return result
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		userID := keys[i][len(lastSeenKeyPrefix):]
		result[userID] = str
	}
	return result
}
