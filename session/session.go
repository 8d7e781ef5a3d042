// Package session drives the presence lifecycle of one live connection:
// ACTIVE on start (online marker, role channel membership, online event),
// periodic heartbeat refreshes, throttled activity refreshes, and a single
// terminal teardown on disconnect. Authentication happens before a Session
// exists; the transport's disconnect notification is what ends it.
package session

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinelist/presence/auth"
	"github.com/cinelist/presence/broadcast"
	"github.com/cinelist/presence/internal"
	"github.com/cinelist/presence/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Config holds the refresh policy knobs. They are deployment parameters, not
// design constants.
type Config struct {
	// HeartbeatInterval is how often last-seen is refreshed regardless of
	// activity, so a user who is present but idle stays fresh.
	HeartbeatInterval time.Duration
	// ActivityThrottleWindow bounds how often client activity signals can
	// refresh last-seen.
	ActivityThrottleWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ActivityThrottleWindow == 0 {
		c.ActivityThrottleWindow = time.Second
	}
	return c
}

// Session is the presence state machine for one connection. Identity is bound
// once at construction and immutable for the session's lifetime.
//
// Presence is connection-scoped and last-writer-wins: a user with two
// simultaneous sessions is marked offline as soon as either disconnects.
// Sessions are not reference-counted per user; see DESIGN.md.
type Session struct {
	identity auth.Identity
	store    store.Store
	channels broadcast.Channels
	conn     broadcast.Subscriber
	cfg      Config

	ctx         context.Context
	roleChannel string
	heartbeat   *time.Ticker
	done        chan struct{}
	throttle    *activityThrottle
	closeOnce   sync.Once
	active      int32 // atomic: 1 between Start and Close
}

func New(identity auth.Identity, st store.Store, channels broadcast.Channels, conn broadcast.Subscriber, cfg Config) *Session {
	return &Session{
		identity: identity,
		store:    st,
		channels: channels,
		conn:     conn,
		cfg:      cfg.withDefaults(),
		done:     make(chan struct{}),
	}
}

// Start moves the session to ACTIVE: join the role channel, flip the
// ephemeral state to online, broadcast the online transition and arm the
// heartbeat. The ephemeral store calls are best-effort; a store outage never
// blocks the connection.
func (s *Session) Start(ctx context.Context) {
	s.ctx = ctx
	s.roleChannel = broadcast.RoleChannel(s.identity.Role)
	s.channels.Join(s.roleChannel, s.conn)

	now := time.Now().UTC()
	s.store.MarkOnline(ctx, s.identity.UserID)
	s.store.TouchLastSeen(ctx, s.identity.UserID, now)
	atomic.StoreInt32(&s.active, 1)
	s.channels.Fanout(broadcast.AdminChannel, broadcast.Event{
		Name:       broadcast.EventOnline,
		UserID:     s.identity.UserID,
		LastSeenAt: now.Format(time.RFC3339),
	})

	s.throttle = newActivityThrottle(s.cfg.ActivityThrottleWindow, s.refresh)
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	go s.runHeartbeat()

	logger.Info().Str("user", s.identity.UserID).Str("channel", s.roleChannel).Msg("session active")
}

func (s *Session) runHeartbeat() {
	for {
		select {
		case <-s.done:
			return
		case <-s.heartbeat.C:
			s.refresh()
		}
	}
}

// Activity records a client-originated activity signal. Refreshes are
// throttled; signals inside the window coalesce into one delayed refresh.
func (s *Session) Activity() {
	if atomic.LoadInt32(&s.active) != 1 {
		return
	}
	s.throttle.Signal()
}

// Active reports whether the session is between Start and Close.
func (s *Session) Active() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// Identity returns the identity bound at construction.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// refresh advances last-seen and tells the admin channel plus the session's
// own connection, so a user can observe their own recorded state.
func (s *Session) refresh() {
	if atomic.LoadInt32(&s.active) != 1 {
		return
	}
	now := time.Now().UTC()
	s.store.TouchLastSeen(s.ctx, s.identity.UserID, now)
	ev := broadcast.Event{
		Name:       broadcast.EventUpdate,
		UserID:     s.identity.UserID,
		LastSeenAt: now.Format(time.RFC3339),
	}
	s.channels.Fanout(broadcast.AdminChannel, ev)
	s.channels.SendTo(s.conn, ev)
}

// Close is the single terminal transition, triggered by the transport's
// disconnect notification (graceful close and abrupt loss look the same).
// Timers are cancelled synchronously before any other cleanup so nothing can
// fire against a session already torn down. Safe to call more than once; only
// the first call does anything.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		internal.Assert("session was started before close", s.heartbeat != nil)
		if s.heartbeat == nil {
			return
		}
		atomic.StoreInt32(&s.active, 0)
		s.heartbeat.Stop()
		close(s.done)
		s.throttle.Stop()

		s.channels.Leave(s.roleChannel, s.conn)

		now := time.Now().UTC()
		s.store.MarkOffline(s.ctx, s.identity.UserID)
		s.store.TouchLastSeen(s.ctx, s.identity.UserID, now)
		s.channels.Fanout(broadcast.AdminChannel, broadcast.Event{
			Name:       broadcast.EventOffline,
			UserID:     s.identity.UserID,
			LastSeenAt: now.Format(time.RFC3339),
		})

		logger.Info().Str("user", s.identity.UserID).Msg("session closed")
	})
}
