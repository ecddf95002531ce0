// Package sqlite persists the sterilization state to a local SQLite file.
// CLI commands and a long-running serve process usually share one file, so
// the store keeps a revision row next to the bucket payloads and reloads
// whenever another process has written since it last looked.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"sterilcore/internal/infra/persistence/memory"
	"sterilcore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "sterilcore.db"

// ErrStaleSnapshot reports that another process wrote the file between this
// store's refresh and its commit. Nothing was written.
var ErrStaleSnapshot = errors.New("sqlite snapshot is stale")

const (
	pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	createState = `CREATE TABLE IF NOT EXISTS sterilcore_state (
	bucket  TEXT PRIMARY KEY,
	payload BLOB NOT NULL
)`
	createRevision = `CREATE TABLE IF NOT EXISTS sterilcore_revision (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	revision INTEGER NOT NULL
)`
	seedRevision = `INSERT OR IGNORE INTO sterilcore_revision (id, revision) VALUES (1, 0)`

	selectRevision = `SELECT revision FROM sterilcore_revision WHERE id = 1`
	selectBuckets  = `SELECT bucket, payload FROM sterilcore_state`
	bumpRevision   = `UPDATE sterilcore_revision SET revision = revision + 1 WHERE id = 1 AND revision = ?`
	upsertBucket   = `INSERT INTO sterilcore_state (bucket, payload) VALUES (?, ?)
ON CONFLICT (bucket) DO UPDATE SET payload = excluded.payload`
)

// Store runs transactions in memory and writes the changed buckets of each
// commit to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string

	mu       sync.Mutex
	revision int64
	written  map[string][]byte
}

// NewStore opens (creating if needed) the database at path and hydrates the
// store from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	ctx := context.Background()
	for _, stmt := range []string{createState, createRevision, seedRevision} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db, path: path}
	if err := s.Reload(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Reload replaces local state with the file's contents.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked(ctx)
}

func (s *Store) reloadLocked(ctx context.Context) error {
	var revision int64
	if err := s.db.QueryRowContext(ctx, selectRevision).Scan(&revision); err != nil {
		return fmt.Errorf("select revision: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, selectBuckets)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	written := make(map[string][]byte)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		target, ok := snapshot.Bucket(bucket)
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		written[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	s.ImportState(snapshot)
	s.revision = revision
	s.written = written
	return nil
}

func (s *Store) refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revision int64
	if err := s.db.QueryRowContext(ctx, selectRevision).Scan(&revision); err != nil {
		return fmt.Errorf("select revision: %w", err)
	}
	if revision == s.revision {
		return nil
	}
	return s.reloadLocked(ctx)
}

// Revision returns the file revision this store last loaded or wrote.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// RunInTransaction refreshes, commits fn in memory and then writes the
// changed buckets.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	if err := s.refresh(ctx); err != nil {
		return domain.Result{}, err
	}
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// View reads the latest state on disk.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	return s.Store.View(ctx, fn)
}

func (s *Store) persist(ctx context.Context) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	changed := make(map[string][]byte)
	for _, bucket := range memory.Buckets() {
		target, _ := snapshot.Bucket(bucket)
		data, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if !bytes.Equal(s.written[bucket], data) {
			changed[bucket] = data
		}
	}
	if len(changed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, bumpRevision, s.revision)
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	} else if n == 0 {
		return fmt.Errorf("write at revision %d: %w", s.revision, ErrStaleSnapshot)
	}
	for _, bucket := range memory.Buckets() {
		data, ok := changed[bucket]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertBucket, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.revision++
	for bucket, data := range changed {
		s.written[bucket] = data
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }
