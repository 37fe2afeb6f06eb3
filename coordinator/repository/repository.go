// Package repository is the sole gatekeeper of the embedded store. Every
// multi-row mutation runs inside one serializable transaction; no lock is
// held across network I/O. HTTP handlers and background monitors never
// touch *sql.DB directly.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/edgemesh/coordinator/apierr"
	"github.com/edgemesh/coordinator/eventbus"
	"github.com/edgemesh/coordinator/store"
)

// Clock is injected so tests can control "now" without sleeping.
type Clock func() time.Time

// Repository implements every operation in SPEC_FULL.md §4.1.
type Repository struct {
	db             *sql.DB
	bus            *eventbus.Bus
	now            Clock
	nodeStaleAfter time.Duration
	taskLease      time.Duration
}

// New wires a Repository to an already-migrated store.DB handle and an
// event bus. staleAfter/leaseDuration come from config.
func New(db *sql.DB, bus *eventbus.Bus, staleAfter, leaseDuration time.Duration) *Repository {
	return &Repository{
		db:             db,
		bus:            bus,
		now:            time.Now,
		nodeStaleAfter: staleAfter,
		taskLease:      leaseDuration,
	}
}

// WithClock overrides the wall clock; used by tests exercising lease and
// staleness expiry deterministically.
func (r *Repository) WithClock(c Clock) { r.now = c }

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, "marshal json", err)
	}
	return string(b), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return apierr.Wrap(apierr.Internal, "unmarshal json", err)
	}
	return nil
}

// txn runs fn inside a transaction, committing on success and rolling
// back on error or panic. The store's *sql.DB is capped at one open
// connection (see store.Open), so BeginTx already serializes against
// every other transaction in the process — the read-then-claim sequence
// in pullTask cannot interleave with another writer.
func (r *Repository) txn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierr.Wrap(apierr.Internal, "commit transaction", err)
	}
	return nil
}

func scanTime(raw sql.NullTime) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := raw.Time
	return &t
}
