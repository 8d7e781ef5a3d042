// Package reconcile folds ephemeral last-seen state into durable storage so
// it survives restarts of the ephemeral store. The job is idempotent and
// isolates failure per entry: one malformed timestamp or one failed write
// never aborts the rest of the batch, and the job never raises to its
// scheduler.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cinelist/presence/internal"
	"github.com/cinelist/presence/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	runsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Number of reconciliation runs",
	})
	updatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconcile",
		Name:      "updated_total",
		Help:      "Number of users whose durable last-seen was updated",
	})
	erroredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Subsystem: "reconcile",
		Name:      "errored_total",
		Help:      "Number of entries skipped due to malformed timestamps or failed writes",
	})
)

func init() {
	prometheus.MustRegister(runsCounter, updatedCounter, erroredCounter)
}

// LastSeenWriter is the single operation the job needs from durable storage.
type LastSeenWriter interface {
	UpdateLastSeen(userID string, ts time.Time) (bool, error)
}

// Result reports what one run did. Errored counts both malformed entries and
// failed writes.
type Result struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Errored int `json:"errored"`
}

type Reconciler struct {
	store store.Store
	users LastSeenWriter
}

func New(st store.Store, users LastSeenWriter) *Reconciler {
	return &Reconciler{store: st, users: users}
}

// RunOnce drains every ephemeral last-seen entry into durable storage. Never
// returns an error: this is background maintenance, not a request path.
func (r *Reconciler) RunOnce(ctx context.Context) Result {
	ctx, span := internal.Tracer().Start(ctx, "ReconcileLastSeen")
	defer span.End()
	runsCounter.Inc()
	entries := r.store.AllLastSeen(ctx)
	result := Result{Scanned: len(entries)}
	if len(entries) == 0 {
		logger.Info().Msg("reconcile: no last-seen entries in the ephemeral store")
		return result
	}

	for userID, raw := range entries {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			logger.Warn().Str("user", userID).Str("value", raw).Msg("reconcile: skipping unparseable last-seen entry")
			result.Errored++
			erroredCounter.Inc()
			continue
		}
		affected, err := r.users.UpdateLastSeen(userID, ts)
		if err != nil {
			logger.Error().Str("user", userID).Err(err).Msg("reconcile: durable write failed")
			internal.CaptureException(ctx, fmt.Errorf("reconcile: update last-seen for %s: %w", userID, err))
			result.Errored++
			erroredCounter.Inc()
			continue
		}
		if affected {
			result.Updated++
			updatedCounter.Inc()
		}
	}

	logger.Info().
		Int("scanned", result.Scanned).
		Int("updated", result.Updated).
		Int("errored", result.Errored).
		Msg("reconcile: run complete")
	return result
}

// Schedule starts running the job on the given cron schedule ("@daily" in the
// standard deployment). The returned cron can be stopped on shutdown.
func (r *Reconciler) Schedule(schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		r.RunOnce(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
