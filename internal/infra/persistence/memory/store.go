// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments and as the transactional layer
// beneath the snapshotting durable stores.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"sterilcore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time

	hooksMu sync.RWMutex
	hooks   []func([]domain.Change)
}

// Option customises a Store.
type Option func(*Store)

// WithNowFunc overrides the time source used to stamp records.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// OnCommit registers fn to receive the change set of each committed transaction.
func (s *Store) OnCommit(fn func([]domain.Change)) {
	if fn == nil {
		return
	}
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Rules are evaluated against the resulting state before anything becomes
// visible; blocking violations discard the copy.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	s.mu.Lock()
	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			s.mu.Unlock()
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			s.mu.Unlock()
			return res, domain.RuleViolationError{Result: res}
		}
	}
	s.state = tx.state
	s.mu.Unlock()

	s.notify(tx.changes)
	return result, nil
}

func (s *Store) notify(changes []domain.Change) {
	if len(changes) == 0 {
		return
	}
	s.hooksMu.RLock()
	hooks := append([]func([]domain.Change){}, s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(append([]domain.Change(nil), changes...))
	}
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// ListTools returns all tools in the committed state.
func (s *Store) ListTools() []domain.Tool {
	var out []domain.Tool
	_ = s.View(context.Background(), func(v domain.TransactionView) error {
		out = v.ListTools()
		return nil
	})
	return out
}

// ListCycles returns all cycles in the committed state.
func (s *Store) ListCycles() []domain.Cycle {
	var out []domain.Cycle
	_ = s.View(context.Background(), func(v domain.TransactionView) error {
		out = v.ListCycles()
		return nil
	})
	return out
}
