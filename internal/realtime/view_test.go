package realtime

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"caseflow/internal/store"
	"caseflow/internal/workflow"
)

func request(id string, version int64, stage workflow.Stage) store.Request {
	return store.Request{
		ID:           id,
		Reference:    "WR-" + id,
		Amount:       "100.00",
		Currency:     "EUR",
		Priority:     "medium",
		CurrentStage: stage,
		Status:       "In " + string(stage),
		Version:      version,
	}
}

type fakeLister struct {
	items []store.Request
	err   error
	calls int
}

func (f *fakeLister) ListRequests(context.Context) ([]store.Request, error) {
	f.calls++
	return f.items, f.err
}

func TestInsertPrependsAndMergesByIdentity(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))
	v.ApplyInsert(request("wr_2", 1, workflow.StageInitialReview))

	snap := v.Snapshot()
	if len(snap) != 2 || snap[0].ID != "wr_2" || snap[1].ID != "wr_1" {
		t.Fatalf("snapshot order = %v", snap)
	}

	// A repeated insert for a known identity must not duplicate the row.
	v.ApplyInsert(request("wr_1", 2, workflow.StageTechnicalReview))
	snap = v.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("duplicate row after re-insert: %v", snap)
	}
	got, _ := v.Get("wr_1")
	if got.CurrentStage != workflow.StageTechnicalReview {
		t.Fatalf("re-insert did not merge: %+v", got)
	}
}

func TestUpdateWithoutMatchIsInsert(t *testing.T) {
	v := NewView(nil)
	v.ApplyUpdate(request("wr_9", 3, workflow.StageCoreBanking))
	got, ok := v.Get("wr_9")
	if !ok || got.Version != 3 {
		t.Fatalf("defensive merge failed: %+v ok=%v", got, ok)
	}
}

func TestUpdateReplayIsIdempotent(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))

	update := request("wr_1", 2, workflow.StageTechnicalReview)
	v.ApplyUpdate(update)
	once := v.Snapshot()

	v.ApplyUpdate(update)
	twice := v.Snapshot()

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("replay changed state:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 5, workflow.StageCoreBanking))
	v.ApplyUpdate(request("wr_1", 2, workflow.StageInitialReview))
	got, _ := v.Get("wr_1")
	if got.Version != 5 || got.CurrentStage != workflow.StageCoreBanking {
		t.Fatalf("stale update applied: %+v", got)
	}
}

func TestDeleteThenUpdateIsFreshInsert(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))
	v.ApplyDelete("wr_1")
	if _, ok := v.Get("wr_1"); ok {
		t.Fatal("record survived delete")
	}
	v.ApplyUpdate(request("wr_1", 2, workflow.StageTechnicalReview))
	got, ok := v.Get("wr_1")
	if !ok || got.Version != 2 {
		t.Fatalf("update after delete not treated as insert: %+v ok=%v", got, ok)
	}
}

func TestOptimisticPatchSupersededExactlyOnce(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageTechnicalReview))

	// Speculative patch: the user just hit approve.
	patch := request("wr_1", 1, workflow.StageCoreBanking)
	patch.Status = "Approved - ready for disbursement"
	v.ApplyOptimistic(patch)

	got, _ := v.Get("wr_1")
	if got.CurrentStage != workflow.StageCoreBanking {
		t.Fatalf("optimistic patch not displayed: %+v", got)
	}

	// A replayed stale event must not clear the patch.
	v.ApplyUpdate(request("wr_1", 1, workflow.StageTechnicalReview))
	if got, _ = v.Get("wr_1"); got.CurrentStage != workflow.StageCoreBanking {
		t.Fatalf("stale event cleared optimistic patch: %+v", got)
	}

	// The authoritative event for the write supersedes the patch; the
	// authoritative field values win over whatever the patch guessed.
	auth := request("wr_1", 2, workflow.StageCoreBanking)
	auth.Status = "Approved - ready for disbursement"
	auth.AssignedTo = "usr_core"
	v.ApplyUpdate(auth)

	got, _ = v.Get("wr_1")
	if got.AssignedTo != "usr_core" || got.Version != 2 {
		t.Fatalf("authoritative update did not win: %+v", got)
	}
}

func TestRollbackOptimistic(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageTechnicalReview))
	patch := request("wr_1", 1, workflow.StageCoreBanking)
	v.ApplyOptimistic(patch)
	v.RollbackOptimistic("wr_1")

	got, _ := v.Get("wr_1")
	if got.CurrentStage != workflow.StageTechnicalReview {
		t.Fatalf("rollback did not restore authoritative state: %+v", got)
	}
}

func TestRollbackRemovesSpeculativeInsert(t *testing.T) {
	v := NewView(nil)
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))

	// A create that has not been confirmed yet, then fails.
	v.ApplyOptimistic(request("wr_new", 0, workflow.StageInitialReview))
	if got, ok := v.Get("wr_new"); !ok || got.ID != "wr_new" {
		t.Fatalf("speculative insert not displayed: %+v ok=%v", got, ok)
	}

	v.RollbackOptimistic("wr_new")
	if _, ok := v.Get("wr_new"); ok {
		t.Fatal("rolled-back speculative insert still visible in Get")
	}
	snap := v.Snapshot()
	if len(snap) != 1 || snap[0].ID != "wr_1" {
		t.Fatalf("rolled-back speculative insert still visible: %v", snap)
	}
	if v.Len() != 1 {
		t.Fatalf("order length = %d, want 1", v.Len())
	}
}

func TestSpeculativeInsertConfirmedWithoutDuplicate(t *testing.T) {
	v := NewView(nil)
	v.ApplyOptimistic(request("wr_new", 0, workflow.StageInitialReview))

	// The authoritative insert for the same identity confirms the patch.
	v.ApplyInsert(request("wr_new", 1, workflow.StageInitialReview))

	snap := v.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("duplicate row after confirmation: %v", snap)
	}
	got, _ := v.Get("wr_new")
	if got.Version != 1 {
		t.Fatalf("authoritative insert did not supersede the patch: %+v", got)
	}
}

func TestDeleteRemovesSpeculativeInsert(t *testing.T) {
	v := NewView(nil)
	v.ApplyOptimistic(request("wr_new", 0, workflow.StageInitialReview))
	v.ApplyDelete("wr_new")
	if _, ok := v.Get("wr_new"); ok {
		t.Fatal("speculative insert survived delete")
	}
	if v.Len() != 0 {
		t.Fatalf("order length = %d, want 0", v.Len())
	}
}

func TestReconcileRefetchesFullCollection(t *testing.T) {
	lister := &fakeLister{items: []store.Request{
		request("wr_2", 4, workflow.StageCoreBanking),
		request("wr_3", 1, workflow.StageInitialReview),
	}}
	v := NewView(lister)

	// Local state diverged while disconnected: wr_1 was deleted upstream,
	// wr_2 advanced.
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))
	v.ApplyInsert(request("wr_2", 2, workflow.StageTechnicalReview))

	if err := v.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if lister.calls != 1 {
		t.Fatalf("lister calls = %d, want 1", lister.calls)
	}

	snap := v.Snapshot()
	if len(snap) != 2 || snap[0].ID != "wr_2" || snap[1].ID != "wr_3" {
		t.Fatalf("reconciled snapshot = %v", snap)
	}
	if snap[0].Version != 4 {
		t.Fatalf("wr_2 version = %d, want 4", snap[0].Version)
	}
	if _, ok := v.Get("wr_1"); ok {
		t.Fatal("wr_1 survived reconcile despite upstream delete")
	}
}

func TestReconcileDropsSupersededPatches(t *testing.T) {
	lister := &fakeLister{items: []store.Request{request("wr_1", 3, workflow.StageCoreBanking)}}
	v := NewView(lister)
	v.ApplyInsert(request("wr_1", 1, workflow.StageTechnicalReview))
	v.ApplyOptimistic(request("wr_1", 1, workflow.StageCoreBanking))

	if err := v.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got, _ := v.Get("wr_1")
	if got.Version != 3 {
		t.Fatalf("stale patch still displayed after reconcile: %+v", got)
	}
}

func TestReconcileError(t *testing.T) {
	lister := &fakeLister{err: errors.New("backend down")}
	v := NewView(lister)
	v.ApplyInsert(request("wr_1", 1, workflow.StageInitialReview))

	if err := v.Reconcile(context.Background()); err == nil {
		t.Fatal("expected error from failing lister")
	}
	// Local state stays intact when the re-fetch fails.
	if _, ok := v.Get("wr_1"); !ok {
		t.Fatal("local state lost on failed reconcile")
	}
}
