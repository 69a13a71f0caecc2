package txn_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ifabos/go-txn/txn"
)

// mockResource is the live transaction state of the mock resource manager
type mockResource struct {
	id           int
	active       bool
	readOnly     bool
	rollbackOnly bool
	committed    bool
	rolledBack   bool
	spSeq        int
}

// mockTx is the transaction handle fetched by mockAdapter, with savepoint
// support and a global rollback-only marker
type mockTx struct {
	ad  *mockAdapter
	res *mockResource
}

func (h *mockTx) RollbackOnly() bool {
	return h.res != nil && h.res.rollbackOnly
}

func (h *mockTx) CreateSavepoint(ctx context.Context) (any, error) {
	h.ad.record("createSavepoint")
	if h.ad.savepointErr != nil {
		return nil, h.ad.savepointErr
	}
	h.res.spSeq++
	return h.res.spSeq, nil
}

func (h *mockTx) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	h.ad.record("rollbackToSavepoint %v", savepoint)
	return nil
}

func (h *mockTx) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	h.ad.record("releaseSavepoint %v", savepoint)
	return h.ad.releaseErr
}

// bareTx is a handle without savepoint support
type bareTx struct {
	ad  *mockAdapter
	res *mockResource
}

func (h *bareTx) RollbackOnly() bool {
	return h.res != nil && h.res.rollbackOnly
}

func resourceOf(transaction any) *mockResource {
	switch h := transaction.(type) {
	case *mockTx:
		return h.res
	case *bareTx:
		return h.res
	}
	return nil
}

func setResource(transaction any, res *mockResource) {
	switch h := transaction.(type) {
	case *mockTx:
		h.res = res
	case *bareTx:
		h.res = res
	}
}

// mockAdapter is a scripted in-memory resource manager that records every
// engine-driven operation and implements all optional capabilities except
// after-completion registration
type mockAdapter struct {
	calls []string
	seq   int

	bareHandles bool // fetch handles without savepoint support

	fetchErr     error
	beginErr     error
	commitErr    error
	rollbackErr  error
	suspendErr   error
	resumeErr    error
	prepareErr   error
	markErr      error
	savepointErr error
	releaseErr   error

	useSavepoint               bool
	commitOnGlobalRollbackOnly bool

	lastBeginDef *txn.Definition
	lastResource *mockResource
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{useSavepoint: true}
}

func (a *mockAdapter) record(format string, args ...any) {
	a.calls = append(a.calls, fmt.Sprintf(format, args...))
}

func (a *mockAdapter) FetchTransaction(ctx context.Context) (any, error) {
	a.record("fetch")
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	var res *mockResource
	if scope, ok := txn.ScopeFrom(ctx); ok {
		res, _ = scope.Resource(a).(*mockResource)
	}
	if a.bareHandles {
		return &bareTx{ad: a, res: res}, nil
	}
	return &mockTx{ad: a, res: res}, nil
}

func (a *mockAdapter) IsExisting(transaction any) bool {
	res := resourceOf(transaction)
	return res != nil && res.active
}

func (a *mockAdapter) Begin(ctx context.Context, transaction any, def *txn.Definition) error {
	a.record("begin")
	if a.beginErr != nil {
		return a.beginErr
	}
	a.seq++
	res := &mockResource{id: a.seq, active: true, readOnly: def.ReadOnly}
	setResource(transaction, res)
	a.lastBeginDef = def
	a.lastResource = res
	if scope, ok := txn.ScopeFrom(ctx); ok {
		if scope.Resource(a) != nil {
			_, _ = scope.UnbindResource(a)
		}
		_ = scope.BindResource(a, res)
	}
	return nil
}

func (a *mockAdapter) Commit(ctx context.Context, status *txn.Status) error {
	a.record("commit")
	if a.commitErr != nil {
		return a.commitErr
	}
	if res := resourceOf(status.Transaction()); res != nil {
		res.active = false
		res.committed = true
	}
	return nil
}

func (a *mockAdapter) Rollback(ctx context.Context, status *txn.Status) error {
	a.record("rollback")
	if a.rollbackErr != nil {
		return a.rollbackErr
	}
	if res := resourceOf(status.Transaction()); res != nil {
		res.active = false
		res.rolledBack = true
	}
	return nil
}

func (a *mockAdapter) Suspend(ctx context.Context, transaction any) (any, error) {
	a.record("suspend")
	if a.suspendErr != nil {
		return nil, a.suspendErr
	}
	res := resourceOf(transaction)
	if scope, ok := txn.ScopeFrom(ctx); ok && res != nil && scope.Resource(a) == res {
		_, _ = scope.UnbindResource(a)
	}
	setResource(transaction, nil)
	return res, nil
}

func (a *mockAdapter) Resume(ctx context.Context, transaction, suspended any) error {
	a.record("resume")
	if a.resumeErr != nil {
		return a.resumeErr
	}
	res, _ := suspended.(*mockResource)
	if transaction != nil {
		setResource(transaction, res)
	}
	if scope, ok := txn.ScopeFrom(ctx); ok && res != nil {
		if scope.Resource(a) != nil {
			_, _ = scope.UnbindResource(a)
		}
		_ = scope.BindResource(a, res)
	}
	return nil
}

func (a *mockAdapter) SetRollbackOnly(ctx context.Context, status *txn.Status) error {
	a.record("setRollbackOnly")
	if a.markErr != nil {
		return a.markErr
	}
	if res := resourceOf(status.Transaction()); res != nil {
		res.rollbackOnly = true
	}
	return nil
}

func (a *mockAdapter) PrepareForCommit(ctx context.Context, status *txn.Status) error {
	a.record("prepare")
	return a.prepareErr
}

func (a *mockAdapter) CleanupAfterCompletion(ctx context.Context, transaction any) {
	a.record("cleanup")
	res := resourceOf(transaction)
	if scope, ok := txn.ScopeFrom(ctx); ok && res != nil && scope.Resource(a) == res {
		_, _ = scope.UnbindResource(a)
	}
	if res != nil {
		res.active = false
	}
}

func (a *mockAdapter) UseSavepointForNested() bool {
	return a.useSavepoint
}

func (a *mockAdapter) CommitOnGlobalRollbackOnly() bool {
	return a.commitOnGlobalRollbackOnly
}

// minimalAdapter implements only the required contract plus existing
// transaction detection, so capability-gap defaults can be observed
type minimalAdapter struct {
	calls    []string
	existing bool
}

type minimalTx struct{}

func (a *minimalAdapter) FetchTransaction(ctx context.Context) (any, error) {
	a.calls = append(a.calls, "fetch")
	return &minimalTx{}, nil
}

func (a *minimalAdapter) IsExisting(transaction any) bool {
	return a.existing
}

func (a *minimalAdapter) Begin(ctx context.Context, transaction any, def *txn.Definition) error {
	a.calls = append(a.calls, "begin")
	a.existing = true
	return nil
}

func (a *minimalAdapter) Commit(ctx context.Context, status *txn.Status) error {
	a.calls = append(a.calls, "commit")
	a.existing = false
	return nil
}

func (a *minimalAdapter) Rollback(ctx context.Context, status *txn.Status) error {
	a.calls = append(a.calls, "rollback")
	a.existing = false
	return nil
}

// recordingSync appends every hook invocation to a shared log
type recordingSync struct {
	name            string
	log             *[]string
	beforeCommitErr error
	afterCommitErr  error
}

func (r *recordingSync) append(hook string) {
	*r.log = append(*r.log, r.name+":"+hook)
}

func (r *recordingSync) Suspend() { r.append("suspend") }

func (r *recordingSync) Resume() { r.append("resume") }

func (r *recordingSync) BeforeCommit(readOnly bool) error {
	r.append("beforeCommit")
	return r.beforeCommitErr
}

func (r *recordingSync) BeforeCompletion() { r.append("beforeCompletion") }

func (r *recordingSync) AfterCommit() error {
	r.append("afterCommit")
	return r.afterCommitErr
}

func (r *recordingSync) AfterCompletion(status txn.CompletionStatus) {
	r.append("afterCompletion " + status.String())
}

func assertCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("call sequence mismatch:\n got  %v\n want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (full sequence %v)", i, got[i], want[i], got)
		}
	}
}
