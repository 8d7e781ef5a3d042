package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// CaptureException reports err to sentry using the hub attached to ctx, falling
// back to the global hub when the context has none. The HTTP sentry integration
// attaches a hub to request contexts automatically; background jobs (the
// reconciler, session heartbeats) run on plain contexts and would otherwise
// lose their reports.
func CaptureException(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}
