// Package memtx provides an in-memory key-value store managed through the
// txn transaction engine. A transaction buffers its writes in a log that is
// applied to the committed state on commit and discarded on rollback;
// savepoints mark log positions so a nested scope can be undone without
// touching the rest of the transaction.
package memtx

import (
	"context"
	"sync"
	"time"

	"github.com/ifabos/go-txn/txn"
)

// Store is an in-memory key-value store. Reads inside a transaction see the
// transaction's own pending writes over the committed state; reads outside
// any transaction see committed state only. Writes outside a transaction are
// applied immediately.
type Store struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

// Get returns the value stored under key and whether it is present. Inside a
// transaction the pending write log takes precedence over committed state.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	tx := currentTransaction(ctx, s)
	if tx != nil {
		if err := tx.expired(); err != nil {
			return "", false, err
		}
		if value, ok, shadowed := tx.lookup(key); shadowed {
			return value, ok, nil
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

// Put stores value under key. Inside a transaction the write lands in the
// transaction log; otherwise it is committed immediately.
func (s *Store) Put(ctx context.Context, key, value string) error {
	tx := currentTransaction(ctx, s)
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.data[key] = value
		return nil
	}
	return tx.write(writeOp{key: key, value: value})
}

// Delete removes the value stored under key. Inside a transaction the
// deletion lands in the transaction log; otherwise it is committed
// immediately.
func (s *Store) Delete(ctx context.Context, key string) error {
	tx := currentTransaction(ctx, s)
	if tx == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.data, key)
		return nil
	}
	return tx.write(writeOp{key: key, delete: true})
}

// Len returns the number of committed keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// apply commits a write log to the store state
func (s *Store) apply(log []writeOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range log {
		if op.delete {
			delete(s.data, op.key)
			continue
		}
		s.data[op.key] = op.value
	}
}

// currentTransaction resolves the live transaction bound for this store on
// the calling context, nil when none is bound
func currentTransaction(ctx context.Context, s *Store) *transaction {
	scope, ok := txn.ScopeFrom(ctx)
	if !ok {
		return nil
	}
	tx, _ := scope.Resource(s).(*transaction)
	if tx == nil || !tx.active {
		return nil
	}
	return tx
}

// writeOp is a single buffered mutation
type writeOp struct {
	key    string
	value  string
	delete bool
}

// transaction is the live per-transaction state: a write log over the store
// plus the transactional attributes the engine negotiated
type transaction struct {
	id           string
	store        *Store
	log          []writeOp
	readOnly     bool
	rollbackOnly bool
	active       bool
	deadline     time.Time
}

// write appends a mutation to the log, enforcing the read-only flag and the
// transaction deadline
func (tx *transaction) write(op writeOp) error {
	if err := tx.expired(); err != nil {
		return err
	}
	if tx.readOnly {
		return txn.NewError(txn.KindIllegalState, "transaction "+tx.id+" is read-only")
	}
	tx.log = append(tx.log, op)
	return nil
}

// lookup consults the write log newest-first. shadowed reports whether the
// log has an opinion about the key at all.
func (tx *transaction) lookup(key string) (value string, ok, shadowed bool) {
	for i := len(tx.log) - 1; i >= 0; i-- {
		op := tx.log[i]
		if op.key != key {
			continue
		}
		if op.delete {
			return "", false, true
		}
		return op.value, true, true
	}
	return "", false, false
}

// expired reports the deadline violation as an error, if one applies
func (tx *transaction) expired() error {
	if !tx.deadline.IsZero() && time.Now().After(tx.deadline) {
		return txn.NewError(txn.KindIllegalState, "transaction "+tx.id+" deadline exceeded")
	}
	return nil
}
