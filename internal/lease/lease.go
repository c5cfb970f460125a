// Package lease keeps two pipelines from draining the same queue at once.
package lease

import (
	"context"
	"errors"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease is held by another process")

// Lease is an acquired lock.
type Lease interface {
	// Refresh extends the lease; it fails with ErrHeld once ownership is lost.
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out named leases.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lease, error)
}

// Noop grants every lease. It is used when no coordination backend is
// configured and a single process owns the ledger.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Refresh(context.Context) error { return nil }
func (noopLease) Release(context.Context) error { return nil }
