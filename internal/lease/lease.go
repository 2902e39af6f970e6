// Package lease serialises rotations of the same secret across concurrent
// invocations.
package lease

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix namespaces lease keys.
const KeyPrefix = "kvrotate:lease:"

var (
	// ErrTimeout is returned when a lease is still held by someone else after
	// the wait timeout.
	ErrTimeout = errors.New("timed out waiting for lease")
	// ErrLost is returned by Release when the lease expired and was taken over
	// before it was released.
	ErrLost = errors.New("lease expired before release")
)

// Locker grants exclusive leases on keys.
type Locker interface {
	// Acquire blocks until the lease on key is held, ctx is done, or the
	// locker's wait timeout passes.
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock. Release must be called exactly once.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Key returns the lease key for a secret. Vault and secret names are case
// insensitive in Key Vault, so the key is lower-cased.
func Key(vault, secret string) string {
	return KeyPrefix + strings.ToLower(vault) + "/" + strings.ToLower(secret)
}
