// Package store defines the ephemeral presence state store: a fast TTL-capable
// key-value store holding an online marker and a last-seen timestamp per user.
// It is the sole owner of truth for "is this user online right now".
//
// Every operation is best-effort by policy: if the backing store is
// unreachable the operation degrades to a no-op or empty result instead of
// propagating the failure, because presence is layered on top of the primary
// service and must never interrupt a live connection. Failures are still
// counted and logged at a throttled rate so tests and operators can observe
// the degradation.
package store

import (
	"context"
	"time"
)

// Key layout in the ephemeral store. The online marker is existence-only and
// is removed explicitly on disconnect; the last-seen value ages out via TTL.
const (
	onlineKeyPrefix   = "presence:online:"
	lastSeenKeyPrefix = "presence:lastSeen:"
)

// LastSeenTTL bounds storage growth for users who never come back.
const LastSeenTTL = 30 * 24 * time.Hour

// Store is the ephemeral state store contract. Timestamps are written as
// RFC3339 strings and read back raw: the reconciler must be able to see (and
// skip) values which no longer parse.
type Store interface {
	// MarkOnline sets the online marker for this user. The marker has no expiry.
	MarkOnline(ctx context.Context, userID string)
	// MarkOffline removes the online marker. No-op if the marker is already absent.
	MarkOffline(ctx context.Context, userID string)
	// TouchLastSeen sets the last-seen value and resets its TTL to LastSeenTTL from now.
	TouchLastSeen(ctx context.Context, userID string, ts time.Time)
	// IsOnline reports whether the online marker exists for this user.
	IsOnline(ctx context.Context, userID string) bool
	// LastSeen returns the raw last-seen value, or ok=false if there is none.
	LastSeen(ctx context.Context, userID string) (value string, ok bool)
	// BatchLastSeen returns the last-seen values for the given users in a single
	// round trip. Users with no value are absent from the result.
	BatchLastSeen(ctx context.Context, userIDs []string) map[string]string
	// BatchIsOnline returns the online state for every given user in a single
	// round trip.
	BatchIsOnline(ctx context.Context, userIDs []string) map[string]bool
	// AllLastSeen returns every last-seen entry in the store, keyed by user ID.
	// This walks the entire keyspace: reconciliation only, never a request path.
	AllLastSeen(ctx context.Context) map[string]string
}

func onlineKey(userID string) string   { return onlineKeyPrefix + userID }
func lastSeenKey(userID string) string { return lastSeenKeyPrefix + userID }

// NopStore is a Store for deployments which run without an ephemeral store at
// all. Connections still work, presence tracking is simply disabled.
type NopStore struct{}

func (NopStore) MarkOnline(ctx context.Context, userID string)                {}
func (NopStore) MarkOffline(ctx context.Context, userID string)               {}
func (NopStore) TouchLastSeen(ctx context.Context, userID string, t time.Time) {}
func (NopStore) IsOnline(ctx context.Context, userID string) bool             { return false }
func (NopStore) LastSeen(ctx context.Context, userID string) (string, bool)   { return "", false }
func (NopStore) BatchLastSeen(ctx context.Context, userIDs []string) map[string]string {
	return map[string]string{}
}
func (NopStore) BatchIsOnline(ctx context.Context, userIDs []string) map[string]bool {
	return map[string]bool{}
}
func (NopStore) AllLastSeen(ctx context.Context) map[string]string { return map[string]string{} }
