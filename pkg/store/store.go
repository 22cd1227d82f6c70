// Package store implements the durable half of a settlement's lifecycle:
// one record per source transaction hash, mutated only through optimistic
// compare-and-swap so concurrent workers can never silently clobber each
// other's progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// ErrNotFound is returned by Get when no record exists for a hash.
var ErrNotFound = errors.New("store: settlement not found")

// ErrAlreadyExists is returned by PutIfAbsent when a record for the hash
// already exists; callers treat this as "already admitted", not an error
// worth surfacing up the pipeline.
var ErrAlreadyExists = errors.New("store: settlement already exists")

// UpdateResult reports the outcome of a compare-and-swap mutation.
type UpdateResult int

const (
	// Updated means the mutation applied and Version was advanced.
	Updated UpdateResult = iota
	// NotFound means no record exists for the given hash.
	NotFound
	// Conflict means the record exists but its Version no longer matches
	// the caller's pre-image; the caller must re-read and retry.
	Conflict
)

func (r UpdateResult) String() string {
	switch r {
	case Updated:
		return "Updated"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Mutate is applied to a copy of the current state; it must not mutate
// fields the caller didn't intend to change (UpdatedAt/Version are managed
// by the store itself).
type Mutate func(state *types.SettlementState)

// Store is the interface both backends (postgres, sqlite) implement.
type Store interface {
	// PutIfAbsent admits a newly observed request, creating its state row
	// in StatusPending. Returns ErrAlreadyExists if source_tx_hash is
	// already known — admission is idempotent.
	PutIfAbsent(ctx context.Context, req types.SettlementRequest) error

	// Get returns the request+state pair for a hash, or ErrNotFound.
	Get(ctx context.Context, sourceTxHash string) (types.Record, error)

	// UpdateState reads the current version, applies mutate to a copy, and
	// writes it back only if the version hasn't changed since expectedVersion
	// was observed by the caller.
	UpdateState(ctx context.Context, sourceTxHash string, expectedVersion int64, mutate Mutate) (UpdateResult, error)

	// ListByStatus returns up to limit records in the given status (1000
	// when limit <= 0), ordered by CreatedAt ascending, for recovery scans
	// and the expiry sweep.
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]types.Record, error)

	// List returns the most recently created records across every status,
	// newest first, capped at limit, for the monitor's settlements listing
	// API.
	List(ctx context.Context, limit int) ([]types.Record, error)

	// CountByStatus returns the number of records per status, for the
	// monitor's aggregate snapshot.
	CountByStatus(ctx context.Context) (map[types.Status]int64, error)

	// CompactBefore archives terminal records created before horizon into
	// an archive table and removes them from the live table, returning the
	// number archived. The processor calls it only when its
	// CompactionHorizon is non-zero.
	CompactBefore(ctx context.Context, horizon time.Time) (int64, error)

	// PutCheckpoint durably records the source watcher's last fully-drained
	// cursor so a restart resumes without re-scanning from genesis.
	PutCheckpoint(ctx context.Context, name, cursor string) error

	// GetCheckpoint returns the last persisted cursor for name, or "" if
	// none has been recorded yet.
	GetCheckpoint(ctx context.Context, name string) (string, error)

	// Close releases any underlying connection resources.
	Close() error
}
