// Package ws is the transport boundary: it upgrades HTTP requests to
// websockets, binds a verified identity at handshake time, feeds inbound
// activity signals to the session, and surfaces both graceful closes and
// abrupt network loss as one disconnect notification.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/cinelist/presence/auth"
	"github.com/cinelist/presence/broadcast"
	"github.com/cinelist/presence/session"
	"github.com/cinelist/presence/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Inbound message names. Activity is deliberately distinct from heartbeat
// traffic so the throttle only sees real user interaction.
const (
	msgActivity = "activity"
	msgPing     = "ping"
)

// outboxSize bounds how many undelivered events a slow client can pile up
// before we start dropping (at-most-once, no replay).
const outboxSize = 16

type Handler struct {
	Verifier      *auth.Verifier
	Store         store.Store
	Channels      broadcast.Channels
	SessionConfig session.Config
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	token := auth.TokenFromRequest(req)
	ident, err := h.Verifier.Verify(token)
	if err != nil {
		// hard rejection before any presence state is touched
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"authentication failed"}`))
		return
	}

	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	ctx := req.Context()
	conn := newConn(c)
	go conn.writeLoop(ctx)
	defer conn.stop()

	sess := session.New(ident, h.Store, h.Channels, conn, h.SessionConfig)
	sess.Start(ctx)
	// the transport's single disconnect notification: the read loop below
	// exits on graceful close and abrupt loss alike
	defer sess.Close()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			logger.Debug().Str("user", ident.UserID).Err(err).Msg("connection ended")
			return
		}
		switch gjson.GetBytes(data, "type").Str {
		case msgActivity:
			sess.Activity()
		case msgPing:
			conn.sendRaw([]byte(`{"type":"pong"}`))
		default:
			// unknown messages are ignored, not fatal
		}
	}
}

var errConnGone = errors.New("connection gone")

// conn adapts a websocket to broadcast.Subscriber: events are queued to a
// bounded outbox and written by a single goroutine, preserving the order the
// broadcaster issued them.
type conn struct {
	ws      *websocket.Conn
	outbox  chan []byte
	closed  chan struct{}
	stopped sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		outbox: make(chan []byte, outboxSize),
		closed: make(chan struct{}),
	}
}

func (c *conn) Send(ev broadcast.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.sendRaw(b)
}

func (c *conn) sendRaw(b []byte) error {
	select {
	case <-c.closed:
		return errConnGone
	case c.outbox <- b:
		return nil
	default:
		return errConnGone // outbox full: drop rather than block the broadcaster
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case b := <-c.outbox:
			if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
				c.stop()
				return
			}
		}
	}
}

func (c *conn) stop() {
	c.stopped.Do(func() {
		close(c.closed)
	})
}
