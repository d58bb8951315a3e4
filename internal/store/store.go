// Package store owns the gateway's durable state: upstream keys, worker keys,
// model configuration, and settings live in a single sqlite file. The store is
// strictly single-writer; every mutation funnels through Update or Run, which
// serialize on a process-wide lock and fire a mutation signal the remote
// mirror subscribes to. Reads go straight to the pooled connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle together with the write lock and the
// mutation listeners.
type Store struct {
	db   *sql.DB
	path string

	// writeMu serializes all mutating statements. sqlite permits a single
	// writer per file; taking the lock in Go keeps the busy-timeout path cold.
	writeMu sync.Mutex

	listenerMu sync.Mutex
	listeners  []func()
}

// Open opens (or creates) the sqlite file at path, applies the schema, and
// seeds the settings rows the selector depends on.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err = s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the location of the sqlite file, which is what the remote
// mirror uploads.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for read-only queries. Callers must not
// issue writes through it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// OnMutate registers fn to run after every committed write.
func (s *Store) OnMutate(fn func()) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenerMu.Unlock()
}

func (s *Store) notifyMutated() {
	s.listenerMu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// Update runs fn inside a write transaction. The write lock is held for the
// duration, so multi-statement mutations from concurrent requests never
// interleave. The mutation signal fires once, after commit.
func (s *Store) Update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err = fn(tx); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			log.Errorf("store: rollback failed: %v", errRollback)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	s.notifyMutated()
	return nil
}

// Run executes a single mutating statement under the write lock and fires
// the mutation signal on success.
func (s *Store) Run(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx, query, args...)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notifyMutated()
	return res, nil
}

// Checkpoint folds the WAL back into the main database file so an external
// reader (the mirror) sees a complete snapshot.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Close checkpoints and closes the handle.
func (s *Store) Close() error {
	if err := s.Checkpoint(context.Background()); err != nil {
		log.Warnf("store: final checkpoint failed: %v", err)
	}
	return s.db.Close()
}
