// Package api serves the operator-facing HTTP surface: the presence listing
// for admins and moderators, and the manual reconciliation trigger.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/cinelist/presence/auth"
	"github.com/cinelist/presence/internal"
	"github.com/cinelist/presence/reconcile"
	"github.com/cinelist/presence/state"
	"github.com/cinelist/presence/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// snapshotTTL bounds how stale the presence listing may be. Listing builds hit
// both postgres and the ephemeral store, so repeated dashboard polls are
// served from the cached snapshot instead.
const snapshotTTL = 2 * time.Second

// StatusNever marks a user who has no recorded last-seen anywhere.
const StatusNever = "never"

// StatusOnline marks a user with a live connection.
const StatusOnline = "online"

// UserLister is what the listing needs from durable storage.
type UserLister interface {
	SelectAllUsers() ([]state.UserRow, error)
}

// ReconcileRunner is what the manual trigger needs from the reconciliation job.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) reconcile.Result
}

// UserPresence is one row of the listing. Status is "online", an RFC3339
// last-seen timestamp, or "never".
type UserPresence struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
	Status    string `json:"status"`
}

type API struct {
	verifier   *auth.Verifier
	users      UserLister
	store      store.Store
	reconciler ReconcileRunner
	snapshot   *ttlcache.Cache[string, []UserPresence]
}

func New(verifier *auth.Verifier, users UserLister, st store.Store, rec ReconcileRunner) *API {
	cache := ttlcache.New[string, []UserPresence](
		ttlcache.WithTTL[string, []UserPresence](snapshotTTL),
		ttlcache.WithDisableTouchOnHit[string, []UserPresence](),
	)
	go cache.Start()
	return &API{
		verifier:   verifier,
		users:      users,
		store:      st,
		reconciler: rec,
		snapshot:   cache,
	}
}

// Attach registers the API routes on the router.
func (a *API) Attach(r *mux.Router) {
	r.Handle("/presence/users", a.requireRoles(a.serve(a.listUsers), auth.RoleAdmin, auth.RoleModerator)).Methods("GET")
	r.Handle("/presence/jobs/reconcile", a.requireRoles(a.serve(a.triggerReconcile), auth.RoleAdmin)).Methods("POST")
}

type handlerFunc func(w http.ResponseWriter, req *http.Request) *internal.HandlerError

func (a *API) serve(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if herr := fn(w, req); herr != nil {
			logger.Err(herr.Err).Int("status", herr.StatusCode).Str("path", req.URL.Path).Msg("request failed")
			w.WriteHeader(herr.StatusCode)
			w.Write(herr.JSON())
		}
	})
}

// requireRoles verifies the bearer token and rejects identities whose role is
// not in the allow list. Runs before the handler so unauthorised callers never
// touch storage.
func (a *API) requireRoles(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ident, err := a.verifier.Verify(auth.TokenFromRequest(req))
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write(internal.HandlerError{
				StatusCode: http.StatusUnauthorized,
				Err:        fmt.Errorf("authentication failed"),
			}.JSON())
			return
		}
		for _, role := range roles {
			if ident.Role == role {
				next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), ident)))
				return
			}
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write(internal.HandlerError{
			StatusCode: http.StatusForbidden,
			Err:        fmt.Errorf("role %q may not access this resource", ident.Role),
		}.JSON())
	})
}

func (a *API) listUsers(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	if cached := a.snapshot.Get("all"); cached != nil {
		return writeJSON(w, cached.Value())
	}
	listing, err := a.buildListing(req.Context())
	if err != nil {
		return &internal.HandlerError{
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		}
	}
	a.snapshot.Set("all", listing, ttlcache.DefaultTTL)
	return writeJSON(w, listing)
}

// buildListing joins the durable user roster with the ephemeral store using
// one batched read per concern, never a query per user.
func (a *API) buildListing(ctx context.Context) ([]UserPresence, error) {
	rows, err := a.users.SelectAllUsers()
	if err != nil {
		return nil, fmt.Errorf("buildListing: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	online := a.store.BatchIsOnline(ctx, ids)
	lastSeen := a.store.BatchLastSeen(ctx, ids)

	listing := make([]UserPresence, 0, len(rows))
	for _, row := range rows {
		listing = append(listing, UserPresence{
			ID:        row.ID,
			Email:     row.Email,
			Role:      row.Role,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
			Status:    statusFor(row, online[row.ID], lastSeen[row.ID]),
		})
	}
	return listing, nil
}

// statusFor resolves one user's presence. Live connections win, then the
// ephemeral last-seen, then whatever the last reconciliation persisted.
func statusFor(row state.UserRow, online bool, ephemeralLastSeen string) string {
	if online {
		return StatusOnline
	}
	if ephemeralLastSeen != "" {
		return ephemeralLastSeen
	}
	if row.LastSeen != nil {
		return row.LastSeen.UTC().Format(time.RFC3339)
	}
	return StatusNever
}

func (a *API) triggerReconcile(w http.ResponseWriter, req *http.Request) *internal.HandlerError {
	result := a.reconciler.RunOnce(req.Context())
	return writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v interface{}) *internal.HandlerError {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return &internal.HandlerError{
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		}
	}
	return nil
}

// Close stops the snapshot cache's expiry loop.
func (a *API) Close() {
	a.snapshot.Stop()
}
