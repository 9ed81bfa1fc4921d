// Package nonce tracks consumed single-use tokens per address to prevent
// replay of otherwise-valid signed requests.
package nonce

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention is how long a consumed (address, nonce) pair stays
// reserved. After the window the same nonce value may legally reappear, so
// the retention length bounds replay-protection strength versus growth.
const DefaultRetention = 10 * time.Minute

// ErrReplay is returned when an (address, nonce) pair has already been
// consumed within the retention window.
var ErrReplay = errors.New("nonce already used")

// Registry records consumed nonces. Implementations must be safe for
// concurrent use: Consume is atomic per (address, nonce) pair, so two
// concurrent requests presenting the same pair cannot both succeed.
//
// The interface is designed to support both in-memory and database backends
// for different deployment scenarios.
type Registry interface {
	// Consume records the pair, or returns ErrReplay if it was already
	// recorded within the retention window. Addresses are compared in
	// lower-cased canonical form.
	Consume(ctx context.Context, address, nonce string) error

	// Purge removes records older than the cutoff. Cleanup is an
	// optimization, not a correctness requirement: Consume checks window
	// membership at read time regardless of purge cadence.
	Purge(ctx context.Context, olderThan time.Time) error
}
