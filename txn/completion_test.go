package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ifabos/go-txn/txn"
)

func registerSync(t *testing.T, st *txn.Status, sync txn.Synchronization) {
	t.Helper()
	scope, ok := txn.ScopeFrom(st.Context())
	if !ok {
		t.Fatalf("status context carries no scope")
	}
	if err := scope.RegisterSynchronization(sync); err != nil {
		t.Fatalf("register synchronization: %v", err)
	}
}

func TestCommitSequence(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})

	if err := tm.Commit(st); err != nil {
		t.Fatalf("commit: %v", err)
	}
	assertCalls(t, ad.calls, []string{"fetch", "begin", "prepare", "commit", "cleanup"})
	assertCalls(t, log, []string{"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion COMMITTED"})
	if !ad.lastResource.committed {
		t.Errorf("resource not committed")
	}
	if !st.IsCompleted() {
		t.Errorf("status not marked completed")
	}
}

func TestRollbackSequence(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})

	if err := tm.Rollback(st); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	assertCalls(t, ad.calls, []string{"fetch", "begin", "rollback", "cleanup"})
	assertCalls(t, log, []string{"a:beforeCompletion", "a:afterCompletion ROLLED_BACK"})
	if !ad.lastResource.rolledBack {
		t.Errorf("resource not rolled back")
	}
}

func TestEmptyTransactionCompletion(t *testing.T) {
	def := &txn.Definition{Propagation: txn.PropagationSupports}

	t.Run("commit", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)
		var log []string

		st, err := tm.GetTransaction(context.Background(), def)
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		registerSync(t, st, &recordingSync{name: "a", log: &log})

		if err := tm.Commit(st); err != nil {
			t.Fatalf("commit: %v", err)
		}
		assertCalls(t, ad.calls, []string{"fetch", "prepare"})
		assertCalls(t, log, []string{"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion COMMITTED"})
	})

	t.Run("rollback", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)
		var log []string

		st, err := tm.GetTransaction(context.Background(), def)
		if err != nil {
			t.Fatalf("GetTransaction: %v", err)
		}
		registerSync(t, st, &recordingSync{name: "a", log: &log})

		if err := tm.Rollback(st); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		assertCalls(t, ad.calls, []string{"fetch"})
		assertCalls(t, log, []string{"a:beforeCompletion", "a:afterCompletion ROLLED_BACK"})
	})
}

func TestCompletionIsFinal(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)

	st := beginOuter(t, tm, nil)
	if err := tm.Commit(st); err != nil {
		t.Fatalf("commit: %v", err)
	}
	settled := len(ad.calls)

	if err := tm.Commit(st); !errors.Is(err, txn.ErrAlreadyCompleted) {
		t.Errorf("second commit error = %v, want %v", err, txn.ErrAlreadyCompleted)
	}
	if err := tm.Rollback(st); !errors.Is(err, txn.ErrAlreadyCompleted) {
		t.Errorf("rollback after commit error = %v, want %v", err, txn.ErrAlreadyCompleted)
	}
	if len(ad.calls) != settled {
		t.Errorf("completed status reached the adapter again: %v", ad.calls[settled:])
	}

	st = beginOuter(t, tm, nil)
	if err := tm.Rollback(st); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tm.Rollback(st); !errors.Is(err, txn.ErrAlreadyCompleted) {
		t.Errorf("second rollback error = %v, want %v", err, txn.ErrAlreadyCompleted)
	}
}

func TestCommitOnLocalRollbackOnly(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})

	st.SetRollbackOnly()
	if !st.IsRollbackOnly() {
		t.Fatalf("IsRollbackOnly = false after SetRollbackOnly")
	}

	// A locally requested rollback is honored silently.
	if err := tm.Commit(st); err != nil {
		t.Fatalf("commit on local rollback-only: %v", err)
	}
	if !ad.lastResource.rolledBack {
		t.Errorf("resource not rolled back")
	}
	if ad.lastResource.committed {
		t.Errorf("resource committed despite rollback-only")
	}
	assertCalls(t, log, []string{"a:beforeCompletion", "a:afterCompletion ROLLED_BACK"})
}

func TestGlobalRollbackOnlyEscalation(t *testing.T) {
	t.Run("detected at outer commit", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)

		outer := beginOuter(t, tm, nil)
		inner, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("inner GetTransaction: %v", err)
		}
		if err := tm.Rollback(inner); err != nil {
			t.Fatalf("inner rollback: %v", err)
		}
		if ad.lastResource.rolledBack {
			t.Fatalf("participant rollback must only mark, not roll back")
		}
		if !ad.lastResource.rollbackOnly {
			t.Fatalf("participant rollback did not mark the transaction rollback-only")
		}

		err = tm.Commit(outer)
		if !errors.Is(err, txn.ErrUnexpectedRollback) {
			t.Fatalf("outer commit error = %v, want %v", err, txn.ErrUnexpectedRollback)
		}
		if !ad.lastResource.rolledBack {
			t.Errorf("resource not rolled back")
		}
		assertCalls(t, ad.calls, []string{"fetch", "begin", "fetch", "setRollbackOnly", "rollback", "cleanup"})
	})

	t.Run("participant commit stays silent without fail early", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)

		outer := beginOuter(t, tm, nil)

		first, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("first participant: %v", err)
		}
		first.SetRollbackOnly()
		if err := tm.Commit(first); err != nil {
			t.Fatalf("first participant commit: %v", err)
		}

		second, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("second participant: %v", err)
		}
		if err := tm.Commit(second); err != nil {
			t.Fatalf("second participant commit: %v", err)
		}

		if err := tm.Commit(outer); !errors.Is(err, txn.ErrUnexpectedRollback) {
			t.Fatalf("outer commit error = %v, want %v", err, txn.ErrUnexpectedRollback)
		}
	})

	t.Run("fail early surfaces at the participant", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad, txn.WithFailEarlyOnGlobalRollbackOnly(true))

		outer := beginOuter(t, tm, nil)

		first, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("first participant: %v", err)
		}
		if err := tm.Rollback(first); err != nil {
			t.Fatalf("first participant rollback: %v", err)
		}

		second, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("second participant: %v", err)
		}
		if err := tm.Commit(second); !errors.Is(err, txn.ErrUnexpectedRollback) {
			t.Fatalf("second participant commit error = %v, want %v", err, txn.ErrUnexpectedRollback)
		}

		if err := tm.Rollback(outer); err != nil {
			t.Fatalf("outer rollback: %v", err)
		}
		if !ad.lastResource.rolledBack {
			t.Errorf("resource not rolled back")
		}
	})

	t.Run("participation failure unmarked when policy disabled", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad, txn.WithGlobalRollbackOnParticipationFailure(false))

		outer := beginOuter(t, tm, nil)
		inner, err := tm.GetTransaction(outer.Context(), nil)
		if err != nil {
			t.Fatalf("inner GetTransaction: %v", err)
		}
		if err := tm.Rollback(inner); err != nil {
			t.Fatalf("inner rollback: %v", err)
		}
		if countCalls(ad.calls, "setRollbackOnly") != 0 {
			t.Fatalf("participant rollback marked the transaction despite the policy")
		}

		if err := tm.Commit(outer); err != nil {
			t.Fatalf("outer commit: %v", err)
		}
		if !ad.lastResource.committed {
			t.Errorf("resource not committed")
		}
	})
}

func TestCommitOnGlobalRollbackOnlyPolicy(t *testing.T) {
	ad := newMockAdapter()
	ad.commitOnGlobalRollbackOnly = true
	tm := txn.NewManager(ad)
	var log []string

	outer := beginOuter(t, tm, nil)
	registerSync(t, outer, &recordingSync{name: "a", log: &log})

	inner, err := tm.GetTransaction(outer.Context(), nil)
	if err != nil {
		t.Fatalf("inner GetTransaction: %v", err)
	}
	if err := tm.Rollback(inner); err != nil {
		t.Fatalf("inner rollback: %v", err)
	}

	// The physical commit is attempted anyway, and the surviving global
	// marker is still reported as an unexpected rollback.
	err = tm.Commit(outer)
	if !errors.Is(err, txn.ErrUnexpectedRollback) {
		t.Fatalf("outer commit error = %v, want %v", err, txn.ErrUnexpectedRollback)
	}
	if countCalls(ad.calls, "commit") != 1 {
		t.Errorf("commit called %d times, want 1 (calls %v)", countCalls(ad.calls, "commit"), ad.calls)
	}
	if got := log[len(log)-1]; got != "a:afterCompletion ROLLED_BACK" {
		t.Errorf("final callback = %q, want afterCompletion ROLLED_BACK", got)
	}
}

func TestCallbackOrderPreserved(t *testing.T) {
	t.Run("commit", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)
		var log []string

		st := beginOuter(t, tm, nil)
		for _, name := range []string{"a", "b", "c"} {
			registerSync(t, st, &recordingSync{name: name, log: &log})
		}
		if err := tm.Commit(st); err != nil {
			t.Fatalf("commit: %v", err)
		}
		assertCalls(t, log, []string{
			"a:beforeCommit", "b:beforeCommit", "c:beforeCommit",
			"a:beforeCompletion", "b:beforeCompletion", "c:beforeCompletion",
			"a:afterCommit", "b:afterCommit", "c:afterCommit",
			"a:afterCompletion COMMITTED", "b:afterCompletion COMMITTED", "c:afterCompletion COMMITTED",
		})
	})

	t.Run("rollback", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)
		var log []string

		st := beginOuter(t, tm, nil)
		for _, name := range []string{"a", "b", "c"} {
			registerSync(t, st, &recordingSync{name: name, log: &log})
		}
		if err := tm.Rollback(st); err != nil {
			t.Fatalf("rollback: %v", err)
		}
		assertCalls(t, log, []string{
			"a:beforeCompletion", "b:beforeCompletion", "c:beforeCompletion",
			"a:afterCompletion ROLLED_BACK", "b:afterCompletion ROLLED_BACK", "c:afterCompletion ROLLED_BACK",
		})
	})
}

func TestBeforeCommitVeto(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string
	veto := errors.New("stale balance snapshot")

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})
	registerSync(t, st, &recordingSync{name: "b", log: &log, beforeCommitErr: veto})
	registerSync(t, st, &recordingSync{name: "c", log: &log})

	err := tm.Commit(st)
	if !errors.Is(err, veto) {
		t.Fatalf("commit error = %v, want the veto unchanged", err)
	}
	if ad.lastResource.committed {
		t.Errorf("resource committed despite veto")
	}
	if !ad.lastResource.rolledBack {
		t.Errorf("resource not rolled back after veto")
	}
	assertCalls(t, log, []string{
		"a:beforeCommit", "b:beforeCommit",
		"a:beforeCompletion", "b:beforeCompletion", "c:beforeCompletion",
		"a:afterCompletion ROLLED_BACK", "b:afterCompletion ROLLED_BACK", "c:afterCompletion ROLLED_BACK",
	})
}

func TestPrepareFailureAbortsCommit(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string
	prepareErr := errors.New("connection lease expired")
	ad.prepareErr = prepareErr

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})

	err := tm.Commit(st)
	if !errors.Is(err, prepareErr) {
		t.Fatalf("commit error = %v, want the prepare failure unchanged", err)
	}
	assertCalls(t, ad.calls, []string{"fetch", "begin", "prepare", "rollback", "cleanup"})
	assertCalls(t, log, []string{"a:beforeCompletion", "a:afterCompletion ROLLED_BACK"})
}

func TestAfterCommitErrorStillCommitted(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string
	hookErr := errors.New("cache invalidation failed")

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log, afterCommitErr: hookErr})

	err := tm.Commit(st)
	if !errors.Is(err, hookErr) {
		t.Fatalf("commit error = %v, want the afterCommit failure", err)
	}
	if !ad.lastResource.committed {
		t.Errorf("resource must stay committed after an afterCommit failure")
	}
	assertCalls(t, log, []string{"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion COMMITTED"})
}

func TestCommitFailurePolicies(t *testing.T) {
	commitErr := errors.New("disk full")

	t.Run("unknown completion by default", func(t *testing.T) {
		ad := newMockAdapter()
		ad.commitErr = commitErr
		tm := txn.NewManager(ad)
		var log []string

		st := beginOuter(t, tm, nil)
		registerSync(t, st, &recordingSync{name: "a", log: &log})

		err := tm.Commit(st)
		if !errors.Is(err, commitErr) {
			t.Fatalf("commit error = %v, want the resource failure unchanged", err)
		}
		if countCalls(ad.calls, "rollback") != 0 {
			t.Errorf("unexpected compensating rollback attempt (calls %v)", ad.calls)
		}
		if got := log[len(log)-1]; got != "a:afterCompletion UNKNOWN" {
			t.Errorf("final callback = %q, want afterCompletion UNKNOWN", got)
		}
	})

	t.Run("compensating rollback when configured", func(t *testing.T) {
		ad := newMockAdapter()
		ad.commitErr = commitErr
		tm := txn.NewManager(ad, txn.WithRollbackOnCommitFailure(true))
		var log []string

		st := beginOuter(t, tm, nil)
		registerSync(t, st, &recordingSync{name: "a", log: &log})

		err := tm.Commit(st)
		if !errors.Is(err, commitErr) {
			t.Fatalf("commit error = %v, want the resource failure unchanged", err)
		}
		if countCalls(ad.calls, "rollback") != 1 {
			t.Errorf("compensating rollback not attempted (calls %v)", ad.calls)
		}
		if got := log[len(log)-1]; got != "a:afterCompletion ROLLED_BACK" {
			t.Errorf("final callback = %q, want afterCompletion ROLLED_BACK", got)
		}
	})

	t.Run("original error wins over rollback failure", func(t *testing.T) {
		ad := newMockAdapter()
		ad.commitErr = commitErr
		ad.rollbackErr = errors.New("connection lost")
		tm := txn.NewManager(ad, txn.WithRollbackOnCommitFailure(true))
		var log []string

		st := beginOuter(t, tm, nil)
		registerSync(t, st, &recordingSync{name: "a", log: &log})

		err := tm.Commit(st)
		if !errors.Is(err, commitErr) {
			t.Fatalf("commit error = %v, want the original commit failure", err)
		}
		if got := log[len(log)-1]; got != "a:afterCompletion UNKNOWN" {
			t.Errorf("final callback = %q, want afterCompletion UNKNOWN", got)
		}
	})
}

func TestRollbackFailureSurfacesUnknown(t *testing.T) {
	ad := newMockAdapter()
	ad.rollbackErr = errors.New("connection lost")
	tm := txn.NewManager(ad)
	var log []string

	st := beginOuter(t, tm, nil)
	registerSync(t, st, &recordingSync{name: "a", log: &log})

	err := tm.Rollback(st)
	if !errors.Is(err, ad.rollbackErr) {
		t.Fatalf("rollback error = %v, want the resource failure unchanged", err)
	}
	assertCalls(t, log, []string{"a:beforeCompletion", "a:afterCompletion UNKNOWN"})
}

func TestNestedSavepointCompletion(t *testing.T) {
	nestedDef := &txn.Definition{Propagation: txn.PropagationNested}

	t.Run("nested commit releases the savepoint", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)

		outer := beginOuter(t, tm, nil)
		nested, err := tm.GetTransaction(outer.Context(), nestedDef)
		if err != nil {
			t.Fatalf("nested GetTransaction: %v", err)
		}
		if err := tm.Commit(nested); err != nil {
			t.Fatalf("nested commit: %v", err)
		}
		if err := tm.Commit(outer); err != nil {
			t.Fatalf("outer commit: %v", err)
		}
		assertCalls(t, ad.calls, []string{
			"fetch", "begin",
			"fetch", "createSavepoint",
			"prepare", "releaseSavepoint 1",
			"prepare", "commit", "cleanup",
		})
		if !ad.lastResource.committed {
			t.Errorf("resource not committed")
		}
	})

	t.Run("nested rollback leaves the outer transaction intact", func(t *testing.T) {
		ad := newMockAdapter()
		tm := txn.NewManager(ad)

		outer := beginOuter(t, tm, nil)
		nested, err := tm.GetTransaction(outer.Context(), nestedDef)
		if err != nil {
			t.Fatalf("nested GetTransaction: %v", err)
		}
		if err := tm.Rollback(nested); err != nil {
			t.Fatalf("nested rollback: %v", err)
		}
		if outer.IsRollbackOnly() {
			t.Fatalf("nested rollback must not doom the outer transaction")
		}
		if err := tm.Commit(outer); err != nil {
			t.Fatalf("outer commit: %v", err)
		}
		assertCalls(t, ad.calls, []string{
			"fetch", "begin",
			"fetch", "createSavepoint",
			"rollbackToSavepoint 1", "releaseSavepoint 1",
			"prepare", "commit", "cleanup",
		})
		if !ad.lastResource.committed {
			t.Errorf("resource not committed")
		}
		if ad.lastResource.rolledBack {
			t.Errorf("outer resource rolled back by nested completion")
		}
	})
}

func TestRequiresNewSuspendResumeSequence(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string

	outer := beginOuter(t, tm, nil)
	registerSync(t, outer, &recordingSync{name: "a", log: &log})

	inner, err := tm.GetTransaction(outer.Context(), &txn.Definition{Propagation: txn.PropagationRequiresNew})
	if err != nil {
		t.Fatalf("inner GetTransaction: %v", err)
	}
	registerSync(t, inner, &recordingSync{name: "b", log: &log})

	if err := tm.Commit(inner); err != nil {
		t.Fatalf("inner commit: %v", err)
	}
	if err := tm.Commit(outer); err != nil {
		t.Fatalf("outer commit: %v", err)
	}

	assertCalls(t, ad.calls, []string{
		"fetch", "begin",
		"fetch", "suspend", "begin",
		"prepare", "commit", "cleanup", "resume",
		"prepare", "commit", "cleanup",
	})
	assertCalls(t, log, []string{
		"a:suspend",
		"b:beforeCommit", "b:beforeCompletion", "b:afterCommit", "b:afterCompletion COMMITTED",
		"a:resume",
		"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion COMMITTED",
	})
}

func TestParticipantCallbacksFireAtOuterCompletion(t *testing.T) {
	ad := newMockAdapter()
	tm := txn.NewManager(ad)
	var log []string

	outer := beginOuter(t, tm, nil)
	inner, err := tm.GetTransaction(outer.Context(), nil)
	if err != nil {
		t.Fatalf("inner GetTransaction: %v", err)
	}
	registerSync(t, inner, &recordingSync{name: "a", log: &log})

	if err := tm.Commit(inner); err != nil {
		t.Fatalf("inner commit: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("participant commit fired callbacks early: %v", log)
	}

	if err := tm.Commit(outer); err != nil {
		t.Fatalf("outer commit: %v", err)
	}
	assertCalls(t, log, []string{"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion COMMITTED"})
}

func TestParticipantOwnedSynchronizationCompletesUnknown(t *testing.T) {
	ad := newMockAdapter()
	owner := txn.NewManager(ad, txn.WithSynchronization(txn.SynchronizeNever))
	joiner := txn.NewManager(ad)
	var log []string

	outer, err := owner.GetTransaction(context.Background(), nil)
	if err != nil {
		t.Fatalf("outer GetTransaction: %v", err)
	}

	inner, err := joiner.GetTransaction(outer.Context(), nil)
	if err != nil {
		t.Fatalf("inner GetTransaction: %v", err)
	}
	if inner.IsNewTransaction() {
		t.Fatalf("expected participation in the externally owned transaction")
	}
	registerSync(t, inner, &recordingSync{name: "a", log: &log})

	// The participant owns the synchronization context but not the
	// transaction, so its callbacks complete without a known outcome.
	if err := joiner.Commit(inner); err != nil {
		t.Fatalf("inner commit: %v", err)
	}
	assertCalls(t, log, []string{"a:beforeCommit", "a:beforeCompletion", "a:afterCommit", "a:afterCompletion UNKNOWN"})

	if err := owner.Commit(outer); err != nil {
		t.Fatalf("outer commit: %v", err)
	}
	if !ad.lastResource.committed {
		t.Errorf("resource not committed")
	}
}
