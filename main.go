// Package gotxn is the root package for the Go transaction toolkit.
// It provides resource-agnostic transaction propagation and completion
// management over pluggable resource adapters.
package gotxn

import (
	"context"

	"github.com/ifabos/go-txn/txn"
)

// NewManager creates a transaction manager driving the given resource adapter
func NewManager(adapter txn.Adapter, opts ...txn.Option) *txn.Manager {
	return txn.NewManager(adapter, opts...)
}

// WithScope returns a copy of ctx carrying a fresh transaction scope
func WithScope(ctx context.Context) context.Context {
	return txn.WithScope(ctx)
}

// InTransaction reports whether ctx is executing inside an actual transaction
func InTransaction(ctx context.Context) bool {
	return txn.InTransaction(ctx)
}

// IsUnexpectedRollback reports whether err signals a commit that turned into
// a rollback because a participant had doomed the transaction
func IsUnexpectedRollback(err error) bool {
	return txn.IsUnexpectedRollback(err)
}

// IsAlreadyCompleted reports whether err signals a second completion attempt
// on the same transaction status
func IsAlreadyCompleted(err error) bool {
	return txn.IsAlreadyCompleted(err)
}

// Re-export important types from the txn package
type (
	// Manager is the transaction manager
	Manager = txn.Manager

	// Adapter is the resource adapter a Manager drives
	Adapter = txn.Adapter

	// Option configures a Manager
	Option = txn.Option

	// Definition describes the transactional semantics of a unit of work
	Definition = txn.Definition

	// Status represents the state of one transactional unit of work
	Status = txn.Status

	// Scope holds the ambient transaction state of one logical call flow
	Scope = txn.Scope

	// Synchronization receives callbacks around transaction completion
	Synchronization = txn.Synchronization

	// SynchronizationFuncs adapts plain functions to Synchronization
	SynchronizationFuncs = txn.SynchronizationFuncs

	// Propagation defines how transactions are propagated
	Propagation = txn.Propagation

	// Isolation defines the isolation level for transactions
	Isolation = txn.Isolation

	// CompletionStatus reports how a transaction completed
	CompletionStatus = txn.CompletionStatus

	// SynchronizationPolicy controls when synchronization is activated
	SynchronizationPolicy = txn.SynchronizationPolicy

	// Error is the engine error type
	Error = txn.Error

	// Kind classifies engine errors
	Kind = txn.Kind
)

// Re-export enumerations
const (
	// Propagation behaviors
	PropagationRequired     = txn.PropagationRequired
	PropagationSupports     = txn.PropagationSupports
	PropagationMandatory    = txn.PropagationMandatory
	PropagationRequiresNew  = txn.PropagationRequiresNew
	PropagationNotSupported = txn.PropagationNotSupported
	PropagationNever        = txn.PropagationNever
	PropagationNested       = txn.PropagationNested

	// Isolation levels
	IsolationDefault         = txn.IsolationDefault
	IsolationReadUncommitted = txn.IsolationReadUncommitted
	IsolationReadCommitted   = txn.IsolationReadCommitted
	IsolationRepeatableRead  = txn.IsolationRepeatableRead
	IsolationSerializable    = txn.IsolationSerializable

	// Completion statuses
	StatusCommitted  = txn.StatusCommitted
	StatusRolledBack = txn.StatusRolledBack
	StatusUnknown    = txn.StatusUnknown

	// Synchronization policies
	SynchronizeAlways              = txn.SynchronizeAlways
	SynchronizeOnActualTransaction = txn.SynchronizeOnActualTransaction
	SynchronizeNever               = txn.SynchronizeNever
)

// Re-export sentinel errors
var (
	ErrIllegalState            = txn.ErrIllegalState
	ErrInvalidTimeout          = txn.ErrInvalidTimeout
	ErrNoExistingTransaction   = txn.ErrNoExistingTransaction
	ErrExistingTransaction     = txn.ErrExistingTransaction
	ErrNestedUnsupported       = txn.ErrNestedUnsupported
	ErrSavepointUnsupported    = txn.ErrSavepointUnsupported
	ErrSuspensionUnsupported   = txn.ErrSuspensionUnsupported
	ErrRollbackOnlyUnsupported = txn.ErrRollbackOnlyUnsupported
	ErrUnexpectedRollback      = txn.ErrUnexpectedRollback
	ErrAlreadyCompleted        = txn.ErrAlreadyCompleted
)
