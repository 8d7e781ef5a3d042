// Package broadcast owns the mapping from channel name to the set of
// connections subscribed to it, and fans presence events out to them. It is
// the single mutation point for channel membership: sessions join exactly one
// role channel for their lifetime and leave it on disconnect.
package broadcast

import (
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// AdminChannel receives every presence event for every user, system-wide.
// It doubles as the role channel for admins.
const AdminChannel = "role:admin"

// RoleChannel names the channel all sessions of a role belong to.
func RoleChannel(role string) string {
	return "role:" + role
}

// Event names carried on the wire.
const (
	EventOnline  = "presence-online"
	EventUpdate  = "presence-update"
	EventOffline = "presence-offline"
)

// Event is a presence transition for one user.
type Event struct {
	Name       string `json:"name"`
	UserID     string `json:"userId"`
	LastSeenAt string `json:"lastSeenAt"`
}

func (e Event) Type() string { return e.Name }

// Subscriber is one connected recipient. Send must not block: implementations
// buffer internally and return an error if the connection is gone or the
// buffer is full, in which case the event is dropped (at-most-once delivery,
// no replay).
type Subscriber interface {
	Send(ev Event) error
}

// Channels is what sessions and the HTTP layer program against.
type Channels interface {
	Join(channel string, s Subscriber)
	Leave(channel string, s Subscriber)
	Fanout(channel string, ev Event)
	SendTo(s Subscriber, ev Event)
	Close() error
}

type Broadcaster struct {
	mu       sync.Mutex
	channels map[string]map[Subscriber]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]map[Subscriber]struct{}),
	}
}

func (b *Broadcaster) Join(channel string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.channels[channel]
	if set == nil {
		set = make(map[Subscriber]struct{})
		b.channels[channel] = set
	}
	set[s] = struct{}{}
}

// Leave is a no-op if the subscriber is not a member.
func (b *Broadcaster) Leave(channel string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.channels[channel]
	if set == nil {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.channels, channel)
	}
}

// Fanout delivers ev to every current member of the channel, at most once
// each. Delivery to a recipient whose connection has gone away is dropped
// silently. Events are issued under the membership lock so each recipient
// sees them in the order the broadcaster issued them.
func (b *Broadcaster) Fanout(channel string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.channels[channel] {
		if err := s.Send(ev); err != nil {
			logger.Debug().Str("channel", channel).Str("event", ev.Name).Err(err).Msg("dropped broadcast to gone recipient")
		}
	}
}

// SendTo delivers ev to a single subscriber, e.g a session observing its own
// recorded state. Same drop semantics as Fanout.
func (b *Broadcaster) SendTo(s Subscriber, ev Event) {
	if err := s.Send(ev); err != nil {
		logger.Debug().Str("event", ev.Name).Err(err).Msg("dropped direct send to gone recipient")
	}
}

// Members returns the current size of a channel.
func (b *Broadcaster) Members(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]map[Subscriber]struct{})
	return nil
}

// Wrapper around Channels which adds Prometheus metrics
type PromChannels struct {
	Channels
	evCounter *prometheus.CounterVec
}

func (p *PromChannels) Fanout(channel string, ev Event) {
	p.evCounter.WithLabelValues(ev.Name).Inc()
	p.Channels.Fanout(channel, ev)
}

func (p *PromChannels) SendTo(s Subscriber, ev Event) {
	p.evCounter.WithLabelValues(ev.Name).Inc()
	p.Channels.SendTo(s, ev)
}

func (p *PromChannels) Close() error {
	prometheus.Unregister(p.evCounter)
	return p.Channels.Close()
}

// Wrap a Channels for prometheus metrics
func NewPromChannels(c Channels, subsystem string) Channels {
	p := &PromChannels{
		Channels: c,
		evCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "presence",
			Subsystem: subsystem,
			Name:      "num_events",
			Help:      "Number of presence events issued",
		}, []string{"event"}),
	}
	prometheus.MustRegister(p.evCounter)
	return p
}
