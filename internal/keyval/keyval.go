// Package keyval provides the expiring record store shared by the drop link
// service and the pad room registry. Records carry an absolute expiry fixed
// at write time; reads never observe an expired record.
package keyval

import (
	"context"
	"time"
)

// Store is the contract every keyval driver satisfies. All operations are
// safe for concurrent use; the store offers no cross-key transactions.
type Store interface {
	// Put stores value under key with an absolute expiry of now + ttl,
	// overwriting any existing record (last write wins).
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value when present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Take atomically returns the value and removes the record. Under
	// concurrent callers racing for the same key at most one observes
	// the value; the rest observe absence.
	Take(ctx context.Context, key string) (string, bool, error)
	// Delete removes the record. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether an unexpired record is present.
	Exists(ctx context.Context, key string) (bool, error)
}
