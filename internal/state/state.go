// Package state wraps the shared key/value backend that every credrouter
// process talks to: circuit-breaker flags, round-robin counters, short
// leases and the configuration version watermark.
//
// Failure policy. The backend is treated as unreliable and no method
// returns its errors to the caller. Every operation answers in favour of
// availability when the backend cannot be reached:
//
//   - IsFlagged reports false (the credential is treated as available).
//   - FlagTTL reports zero.
//   - NextIndex returns a random index in range.
//   - AcquireLock reports true (the caller proceeds without the lease).
//   - SetFlag, DeleteFlag, ReleaseLock and BumpVersion log and give up.
//   - Version reports ok=false so watchers keep their current view.
//
// Each fallback logs at WARN and increments
// credrouter_state_store_fail_open_total{op}.
package state

import (
	"context"
	"time"
)

// Store is the contract the rest of credrouter uses. Keys passed in are
// logical; implementations add their own namespace prefix.
type Store interface {
	// IsFlagged reports whether a flag currently exists. No side effects.
	IsFlagged(ctx context.Context, key string) bool

	// FlagTTL returns the remaining lifetime of a flag, or 0 when the flag
	// is absent.
	FlagTTL(ctx context.Context, key string) time.Duration

	// SetFlag creates or replaces a flag. Re-flagging resets the lifetime
	// to ttl; it never adds to the previous one.
	SetFlag(ctx context.Context, key string, ttl time.Duration)

	// DeleteFlag removes a flag if present.
	DeleteFlag(ctx context.Context, key string)

	// NextIndex advances the shared counter for scope and returns
	// (counter-1) mod modulus. modulus <= 1 returns 0 without a round trip.
	NextIndex(ctx context.Context, scope string, modulus int) int

	// AcquireLock takes a lease on resource if nobody else holds one. It
	// never blocks.
	AcquireLock(ctx context.Context, resource string, lease time.Duration) bool

	// ReleaseLock drops a lease previously taken by this Store.
	ReleaseLock(ctx context.Context, resource string)

	// Version reads the configuration watermark.
	Version(ctx context.Context) (v int64, ok bool)

	// BumpVersion advances the configuration watermark and returns the new
	// value, or 0 if the backend could not be reached.
	BumpVersion(ctx context.Context) int64

	// Ping checks backend reachability for health reporting only.
	Ping(ctx context.Context) error
}
