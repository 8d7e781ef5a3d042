package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// countingHook counts round trips to the server so tests can assert that the
// batch operations really are single round trips.
type countingHook struct {
	commands  int64
	pipelines int64
}

func (h *countingHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *countingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		atomic.AddInt64(&h.commands, 1)
		return next(ctx, cmd)
	}
}

func (h *countingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		atomic.AddInt64(&h.pipelines, 1)
		return next(ctx, cmds)
	}
}

func (h *countingHook) roundTrips() int64 {
	return atomic.LoadInt64(&h.commands) + atomic.LoadInt64(&h.pipelines)
}

func (h *countingHook) reset() {
	atomic.StoreInt64(&h.commands, 0)
	atomic.StoreInt64(&h.pipelines, 0)
}

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *countingHook) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	hook := &countingHook{}
	client.AddHook(hook)
	return NewRedisStore(client), mr, hook
}

func TestOnlineMarkerLifecycle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	if s.IsOnline(ctx, "u1") {
		t.Fatalf("u1 online before MarkOnline")
	}
	s.MarkOnline(ctx, "u1")
	if !s.IsOnline(ctx, "u1") {
		t.Fatalf("u1 not online after MarkOnline")
	}
	s.MarkOffline(ctx, "u1")
	if s.IsOnline(ctx, "u1") {
		t.Fatalf("u1 still online after MarkOffline")
	}
	// offline is idempotent
	s.MarkOffline(ctx, "u1")
	if got := s.Errors(); got != 0 {
		t.Fatalf("got %d store errors, want 0", got)
	}
}

func TestTouchLastSeenSetsValueAndTTL(t *testing.T) {
	s, mr, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	s.TouchLastSeen(ctx, "u1", now)

	val, ok := s.LastSeen(ctx, "u1")
	if !ok {
		t.Fatalf("no last-seen value after touch")
	}
	parsed, err := time.Parse(time.RFC3339, val)
	if err != nil {
		t.Fatalf("last-seen value %q is not RFC3339: %s", val, err)
	}
	if !parsed.Equal(now) {
		t.Errorf("got last-seen %v want %v", parsed, now)
	}
	if ttl := mr.TTL("presence:lastSeen:u1"); ttl != LastSeenTTL {
		t.Errorf("got TTL %v want %v", ttl, LastSeenTTL)
	}
	// the online marker must not expire
	s.MarkOnline(ctx, "u1")
	if ttl := mr.TTL("presence:online:u1"); ttl != 0 {
		t.Errorf("online marker has TTL %v, want none", ttl)
	}
}

func TestBatchLastSeenSingleRoundTrip(t *testing.T) {
	s, _, hook := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	s.TouchLastSeen(ctx, "u1", now)
	s.TouchLastSeen(ctx, "u2", now.Add(time.Second))

	hook.reset()
	got := s.BatchLastSeen(ctx, []string{"u1", "u2", "u3"})
	if trips := hook.roundTrips(); trips != 1 {
		t.Errorf("BatchLastSeen used %d round trips, want 1", trips)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(got), got)
	}
	if got["u1"] != now.Format(time.RFC3339) {
		t.Errorf("u1: got %q want %q", got["u1"], now.Format(time.RFC3339))
	}
	if _, exists := got["u3"]; exists {
		t.Errorf("u3 has no last-seen but appeared in result")
	}
}

func TestBatchIsOnlineSingleRoundTrip(t *testing.T) {
	s, _, hook := newTestStore(t)
	ctx := context.Background()
	s.MarkOnline(ctx, "u1")

	hook.reset()
	got := s.BatchIsOnline(ctx, []string{"u1", "u2", "u3"})
	if trips := hook.roundTrips(); trips != 1 {
		t.Errorf("BatchIsOnline used %d round trips, want 1", trips)
	}
	want := map[string]bool{"u1": true, "u2": false, "u3": false}
	for id, online := range want {
		if got[id] != online {
			t.Errorf("%s: got online=%v want %v", id, got[id], online)
		}
	}
}

func TestBatchEmptyInput(t *testing.T) {
	s, _, hook := newTestStore(t)
	ctx := context.Background()

	hook.reset()
	if got := s.BatchLastSeen(ctx, nil); len(got) != 0 {
		t.Errorf("BatchLastSeen(nil): got %v want empty", got)
	}
	if got := s.BatchIsOnline(ctx, nil); len(got) != 0 {
		t.Errorf("BatchIsOnline(nil): got %v want empty", got)
	}
	if trips := hook.roundTrips(); trips != 0 {
		t.Errorf("empty batches hit the store %d times", trips)
	}
}

func TestAllLastSeenScansOnlyLastSeenKeys(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	s.TouchLastSeen(ctx, "u1", now)
	s.TouchLastSeen(ctx, "u2", now)
	s.MarkOnline(ctx, "u3") // different prefix, must not appear

	got := s.AllLastSeen(ctx)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %v", len(got), got)
	}
	for _, id := range []string{"u1", "u2"} {
		if got[id] != now.Format(time.RFC3339) {
			t.Errorf("%s: got %q want %q", id, got[id], now.Format(time.RFC3339))
		}
	}
}

// Every operation must degrade to a no-op/empty result when the store is down,
// within the configured timeout, with the failure counted.
func TestDegradesWhenStoreUnavailable(t *testing.T) {
	s, mr, _ := newTestStore(t)
	s.SetOpTimeout(250 * time.Millisecond)
	mr.Close()
	ctx := context.Background()

	start := time.Now()
	s.MarkOnline(ctx, "u1")
	s.MarkOffline(ctx, "u1")
	s.TouchLastSeen(ctx, "u1", time.Now())
	if s.IsOnline(ctx, "u1") {
		t.Errorf("IsOnline returned true against a dead store")
	}
	if _, ok := s.LastSeen(ctx, "u1"); ok {
		t.Errorf("LastSeen returned a value against a dead store")
	}
	if got := s.BatchLastSeen(ctx, []string{"u1"}); len(got) != 0 {
		t.Errorf("BatchLastSeen returned %v against a dead store", got)
	}
	got := s.BatchIsOnline(ctx, []string{"u1"})
	if got["u1"] {
		t.Errorf("BatchIsOnline reported u1 online against a dead store")
	}
	if entries := s.AllLastSeen(ctx); len(entries) != 0 {
		t.Errorf("AllLastSeen returned %v against a dead store", entries)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("degraded operations took %v, want bounded by op timeouts", elapsed)
	}
	if s.Errors() == 0 {
		t.Errorf("expected degraded operations to be counted")
	}
}
