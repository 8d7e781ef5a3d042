package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"

	"github.com/cinelist/presence/auth"
	"github.com/cinelist/presence/broadcast"
	"github.com/cinelist/presence/session"
	"github.com/cinelist/presence/store"
)

const testSecret = "ws-test-secret"

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":    userID,
		"email": userID + "@example.com",
		"role":  role,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signToken: %s", err)
	}
	return signed
}

type wsHarness struct {
	server *httptest.Server
	store  *store.RedisStore
	chans  broadcast.Channels
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	chans := broadcast.NewBroadcaster()
	h := &Handler{
		Verifier: auth.NewVerifier(testSecret),
		Store:    st,
		Channels: chans,
		SessionConfig: session.Config{
			HeartbeatInterval:      time.Hour, // keep heartbeats out of the way
			ActivityThrottleWindow: 20 * time.Millisecond,
		},
	}
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	t.Cleanup(func() { chans.Close() })
	return &wsHarness{server: server, store: st, chans: chans}
}

func (h *wsHarness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s?access_token=%s", h.server.URL, token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %s", err)
	}
	return c
}

// waitFor polls fn until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectMarksOnlineAndCloseMarksOffline(t *testing.T) {
	h := newWSHarness(t)
	c := h.dial(t, signToken(t, "ws-alice", "user"))

	ctx := context.Background()
	waitFor(t, "ws-alice to come online", func() bool {
		return h.store.IsOnline(ctx, "ws-alice")
	})
	if _, ok := h.store.LastSeen(ctx, "ws-alice"); !ok {
		t.Fatalf("expected a last seen timestamp after connect")
	}

	c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "ws-alice to go offline", func() bool {
		return !h.store.IsOnline(ctx, "ws-alice")
	})
	if _, ok := h.store.LastSeen(ctx, "ws-alice"); !ok {
		t.Fatalf("last seen should survive disconnect")
	}
}

func TestActivityMessageRefreshesLastSeen(t *testing.T) {
	h := newWSHarness(t)
	c := h.dial(t, signToken(t, "ws-bob", "user"))
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	waitFor(t, "ws-bob to come online", func() bool {
		return h.store.IsOnline(ctx, "ws-bob")
	})
	before, _ := h.store.LastSeen(ctx, "ws-bob")

	// real writes need the clock to move past the stored RFC3339 value
	time.Sleep(1100 * time.Millisecond)
	err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"activity"}`))
	if err != nil {
		t.Fatalf("Write: %s", err)
	}
	waitFor(t, "activity to refresh last seen", func() bool {
		after, ok := h.store.LastSeen(ctx, "ws-bob")
		return ok && after != before
	})
}

func TestPingGetsPong(t *testing.T) {
	h := newWSHarness(t)
	c := h.dial(t, signToken(t, "ws-carol", "user"))
	defer c.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write: %s", err)
	}
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %s", err)
		}
		// the connect broadcast for carol's own role channel may arrive first
		if string(data) == `{"type":"pong"}` {
			return
		}
	}
}

func TestRejectsInvalidTokenBeforeUpgrade(t *testing.T) {
	h := newWSHarness(t)

	resp, err := http.Get(h.server.URL + "?access_token=not-a-token")
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if h.store.IsOnline(context.Background(), "anyone") {
		t.Fatalf("rejected handshake must not touch presence state")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, dialErr := websocket.Dial(ctx, h.server.URL+"?access_token=not-a-token", nil)
	if dialErr == nil {
		t.Fatalf("expected websocket dial to fail on a bad token")
	}
}

func TestAdminObservesOtherUsersComingOnline(t *testing.T) {
	h := newWSHarness(t)
	admin := h.dial(t, signToken(t, "ws-admin", "admin"))
	defer admin.Close(websocket.StatusNormalClosure, "")

	ctx := context.Background()
	waitFor(t, "ws-admin to come online", func() bool {
		return h.store.IsOnline(ctx, "ws-admin")
	})

	user := h.dial(t, signToken(t, "ws-dave", "user"))
	defer user.Close(websocket.StatusNormalClosure, "")

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		_, data, err := admin.Read(readCtx)
		if err != nil {
			t.Fatalf("admin never saw dave's online event: %s", err)
		}
		var ev broadcast.Event
		if jsonErr := json.Unmarshal(data, &ev); jsonErr != nil {
			t.Fatalf("bad event payload %q: %s", data, jsonErr)
		}
		if ev.UserID == "ws-dave" && ev.Name == broadcast.EventOnline {
			return
		}
	}
}
