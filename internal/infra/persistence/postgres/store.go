// Package postgres persists the sterilization state to a Postgres database
// shared by every station of a facility. Each commit writes the changed
// snapshot buckets as JSONB and bumps a revision row. Transactions and reads
// first reload when another station has moved the revision; a commit that
// still races one fails with ErrStaleSnapshot instead of overwriting.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sterilcore/internal/infra/persistence/memory"
	"sterilcore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultDSN is used when no DSN is configured.
const DefaultDSN = "postgres://localhost/sterilcore?sslmode=disable"

// ErrStaleSnapshot reports that another writer committed since this store
// last loaded. The local commit stands but is not persisted until Reload
// and a retry.
var ErrStaleSnapshot = errors.New("postgres snapshot is stale")

const (
	schemaDDL = `
CREATE TABLE IF NOT EXISTS sterilcore_state (
	bucket  TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS sterilcore_revision (
	id       SMALLINT PRIMARY KEY CHECK (id = 1),
	revision BIGINT NOT NULL
);
INSERT INTO sterilcore_revision (id, revision) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`

	selectRevision = `SELECT revision FROM sterilcore_revision WHERE id = 1`
	selectBuckets  = `SELECT bucket, payload FROM sterilcore_state`
	bumpRevision   = `UPDATE sterilcore_revision SET revision = revision + 1 WHERE id = 1 AND revision = $1`
	upsertBucket   = `INSERT INTO sterilcore_state (bucket, payload) VALUES ($1, $2)
ON CONFLICT (bucket) DO UPDATE SET payload = EXCLUDED.payload`
)

// backend is the part of *pgxpool.Pool the store uses.
type backend interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// Store runs transactions on the in-memory store and writes each commit
// through to Postgres.
type Store struct {
	*memory.Store
	db backend

	mu       sync.Mutex
	revision int64
	written  map[string][]byte
}

// NewStore connects with dsn (DefaultDSN when empty), creates the schema if
// needed and hydrates from the stored snapshot.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := newStore(ctx, pool, engine, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newStore(ctx context.Context, db backend, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces local state with the stored snapshot and adopts its
// revision. Uncommitted local changes are discarded.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revision int64
	if err := s.db.QueryRow(ctx, selectRevision).Scan(&revision); err != nil {
		return fmt.Errorf("select revision: %w", err)
	}
	rows, err := s.db.Query(ctx, selectBuckets)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer rows.Close()

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

// refresh reloads when the stored revision moved past ours.
func (s *Store) refresh(ctx context.Context) error {
	var revision int64
	if err := s.db.QueryRow(ctx, selectRevision).Scan(&revision); err != nil {
		return fmt.Errorf("select revision: %w", err)
	}
	if revision == s.Revision() {
		return nil
	}
	return s.Reload(ctx)
}

// Revision returns the database revision this store last loaded or wrote.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// RunInTransaction commits fn in memory, then writes the changed buckets
// and bumps the revision in one Postgres transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	if err := s.refresh(ctx); err != nil {
		return domain.Result{}, err
	}
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	return res, s.persist(ctx)
}

// View reads the latest stored state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	return s.Store.View(ctx, fn)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) persist(ctx context.Context) error {
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
		if prev, ok := s.written[bucket]; ok && jsonEqual(prev, data) {
			continue
		}
		changed[bucket] = data
	}
	if len(changed) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, bumpRevision, s.revision)
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("write at revision %d: %w", s.revision, ErrStaleSnapshot)
	}
	for _, bucket := range memory.Buckets() {
		data, ok := changed[bucket]
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, upsertBucket, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.revision++
	for bucket, data := range changed {
		s.written[bucket] = data
	}
	return nil
}

// jsonEqual compares payloads read back from JSONB, whose key order and
// spacing differ from json.Marshal output.
func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ra, _ := json.Marshal(va)
	rb, _ := json.Marshal(vb)
	return string(ra) == string(rb)
}
