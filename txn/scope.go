// Package txn provides resource-agnostic transaction propagation and
// completion management in Go
package txn

import "context"

// scopeKey is the context key under which the ambient *Scope travels
type scopeKey struct{}

// Scope holds the ambient transaction state of one logical call flow:
// whether synchronization is active, whether an actual transaction is
// active, the characteristics of the current transaction, the ordered
// synchronization callbacks and the resources bound by adapters.
//
// A Scope is carried by pointer inside a context.Context, so every call in
// the same flow observes the same mutable state. A Scope is NOT safe for
// concurrent use: goroutines running work in parallel must each start from
// a context without a scope (or one wrapped with WithScope) and run their
// own transactions.
type Scope struct {
	syncActive   bool
	syncs        []Synchronization
	actualActive bool
	isolation    Isolation
	readOnly     bool
	name         string
	resources    map[any]any
}

// NewScope returns an empty, inactive scope
func NewScope() *Scope {
	return &Scope{}
}

// WithScope returns a copy of ctx carrying a fresh scope. GetTransaction
// attaches a scope automatically when none is present; WithScope is for
// callers that hand work to another goroutine and want an explicit
// boundary.
func WithScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, NewScope())
}

// ScopeFrom returns the scope carried by ctx, if any
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// ensureScope returns the context and its scope, deriving a context with a
// fresh scope when none is attached
func ensureScope(ctx context.Context) (context.Context, *Scope) {
	if s, ok := ScopeFrom(ctx); ok {
		return ctx, s
	}
	s := NewScope()
	return context.WithValue(ctx, scopeKey{}, s), s
}

// InTransaction reports whether ctx is executing inside an actual
// transaction
func InTransaction(ctx context.Context) bool {
	s, ok := ScopeFrom(ctx)
	return ok && s.actualActive
}

// RegisterSynchronization registers a completion callback with the current
// transaction. Callbacks fire in registration order for every phase. It is
// an error to register while synchronization is not active.
func (s *Scope) RegisterSynchronization(sync Synchronization) error {
	if sync == nil {
		return errorf(KindIllegalState, "cannot register a nil synchronization")
	}
	if !s.syncActive {
		return errorf(KindIllegalState, "transaction synchronization is not active")
	}
	s.syncs = append(s.syncs, sync)
	return nil
}

// SynchronizationActive reports whether callbacks can currently be
// registered
func (s *Scope) SynchronizationActive() bool {
	return s.syncActive
}

// ActualTransactionActive reports whether an actual transaction, as opposed
// to an empty synchronization-only span, is active
func (s *Scope) ActualTransactionActive() bool {
	return s.actualActive
}

// TransactionName returns the name of the current transaction, if any
func (s *Scope) TransactionName() string {
	return s.name
}

// TransactionReadOnly reports whether the current transaction is read-only
func (s *Scope) TransactionReadOnly() bool {
	return s.readOnly
}

// TransactionIsolation returns the isolation level of the current
// transaction, IsolationDefault when none was requested
func (s *Scope) TransactionIsolation() Isolation {
	return s.isolation
}

// Synchronizations returns a copy of the registered callbacks in
// registration order
func (s *Scope) Synchronizations() []Synchronization {
	out := make([]Synchronization, len(s.syncs))
	copy(out, s.syncs)
	return out
}

// BindResource binds a resource (such as a live connection holder) to the
// scope under the given key. Binding over an existing value is an error;
// adapters suspend and rebind instead.
func (s *Scope) BindResource(key, value any) error {
	if value == nil {
		return errorf(KindIllegalState, "cannot bind a nil resource for key %v", key)
	}
	if s.resources == nil {
		s.resources = make(map[any]any)
	}
	if _, exists := s.resources[key]; exists {
		return errorf(KindIllegalState, "resource already bound for key %v", key)
	}
	s.resources[key] = value
	return nil
}

// Resource returns the resource bound under key, or nil when none is bound
func (s *Scope) Resource(key any) any {
	return s.resources[key]
}

// UnbindResource removes and returns the resource bound under key
func (s *Scope) UnbindResource(key any) (any, error) {
	value, exists := s.resources[key]
	if !exists {
		return nil, errorf(KindIllegalState, "no resource bound for key %v", key)
	}
	delete(s.resources, key)
	return value, nil
}

// initSynchronization activates synchronization with an empty callback list
func (s *Scope) initSynchronization() {
	s.syncActive = true
	s.syncs = nil
}

// clearSynchronization deactivates synchronization and drops the callbacks
func (s *Scope) clearSynchronization() {
	s.syncActive = false
	s.syncs = nil
}

// clear resets the whole scope except adapter resource bindings, which are
// released by the adapter's own cleanup
func (s *Scope) clear() {
	s.clearSynchronization()
	s.name = ""
	s.readOnly = false
	s.isolation = IsolationDefault
	s.actualActive = false
}

// suspendedResources captures everything detached from a scope while a
// transaction is suspended: the adapter-level suspended resource, the
// detached synchronization callbacks and the scope fields as they were at
// suspension time. A holder is produced by suspend and consumed exactly
// once by resume.
type suspendedResources struct {
	resource  any
	syncs     []Synchronization
	name      string
	readOnly  bool
	isolation Isolation
	wasActive bool
}

// suspend detaches the current transaction state from the scope. When
// transaction is nil only the synchronization state is suspended. On
// failure of the adapter suspend, the already-detached callbacks are
// re-registered before the error propagates, leaving the scope as it was.
func (tm *Manager) suspend(ctx context.Context, scope *Scope, transaction any) (*suspendedResources, error) {
	if scope.SynchronizationActive() {
		suspendedSyncs := tm.doSuspendSynchronization(scope)
		var suspendedResource any
		if transaction != nil {
			var err error
			suspendedResource, err = tm.doSuspend(ctx, transaction)
			if err != nil {
				tm.doResumeSynchronization(scope, suspendedSyncs)
				return nil, err
			}
		}
		holder := &suspendedResources{
			resource:  suspendedResource,
			syncs:     suspendedSyncs,
			name:      scope.name,
			readOnly:  scope.readOnly,
			isolation: scope.isolation,
			wasActive: scope.actualActive,
		}
		scope.name = ""
		scope.readOnly = false
		scope.isolation = IsolationDefault
		scope.actualActive = false
		return holder, nil
	}
	if transaction != nil {
		suspendedResource, err := tm.doSuspend(ctx, transaction)
		if err != nil {
			return nil, err
		}
		return &suspendedResources{resource: suspendedResource}, nil
	}
	// Neither synchronization nor transaction active: nothing to suspend.
	return nil, nil
}

// resume restores a suspended transaction into the scope. A nil holder is a
// no-op.
func (tm *Manager) resume(ctx context.Context, scope *Scope, transaction any, holder *suspendedResources) error {
	if holder == nil {
		return nil
	}
	if holder.resource != nil {
		if err := tm.doResume(ctx, transaction, holder.resource); err != nil {
			return err
		}
	}
	if holder.syncs != nil {
		scope.actualActive = holder.wasActive
		scope.isolation = holder.isolation
		scope.readOnly = holder.readOnly
		scope.name = holder.name
		tm.doResumeSynchronization(scope, holder.syncs)
	}
	return nil
}

// doSuspend hands the live transaction to the adapter for suspension
func (tm *Manager) doSuspend(ctx context.Context, transaction any) (any, error) {
	suspender, ok := tm.adapter.(Suspender)
	if !ok {
		return nil, errorf(KindSuspensionUnsupported, "adapter %T does not support transaction suspension", tm.adapter)
	}
	return suspender.Suspend(ctx, transaction)
}

// doResume hands a suspended resource back to the adapter
func (tm *Manager) doResume(ctx context.Context, transaction, suspended any) error {
	suspender, ok := tm.adapter.(Suspender)
	if !ok {
		return errorf(KindSuspensionUnsupported, "adapter %T does not support transaction suspension", tm.adapter)
	}
	return suspender.Resume(ctx, transaction, suspended)
}

// doSuspendSynchronization detaches every registered callback from the
// scope, firing the suspend hooks in registration order
func (tm *Manager) doSuspendSynchronization(scope *Scope) []Synchronization {
	syncs := scope.Synchronizations()
	for _, s := range syncs {
		tm.guard("suspend", s.Suspend)
	}
	scope.clearSynchronization()
	return syncs
}

// doResumeSynchronization reactivates synchronization and re-registers the
// callbacks in their original order, firing the resume hooks
func (tm *Manager) doResumeSynchronization(scope *Scope, syncs []Synchronization) {
	scope.initSynchronization()
	for _, s := range syncs {
		tm.guard("resume", s.Resume)
		scope.syncs = append(scope.syncs, s)
	}
}
