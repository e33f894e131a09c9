package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"issueforge/internal/db"
	"issueforge/internal/domain"
	"issueforge/internal/engine"
	"issueforge/internal/events"
	"issueforge/internal/migrate"
	"issueforge/internal/repo"
)

type testEnv struct {
	Queue engine.Queue
	Store repo.Store
	Ctx   context.Context
	now   *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "issueforge.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := repo.New(conn).WithClock(clock)
	q := engine.New(store)
	q.Now = clock
	return testEnv{Queue: q, Store: store, Ctx: context.Background(), now: &now}
}

func (e testEnv) record(t *testing.T, ref string) int64 {
	t.Helper()
	id, err := e.Store.RecordRequest(e.Ctx, domain.NewRequest{SourceRef: ref, Title: "Make a calculator", Requester: "octocat"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return id
}

func TestApproveTwiceIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "s1")
	if err := env.Queue.Approve(env.Ctx, id, "alice", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.Queue.Approve(env.Ctx, id, "bob", ""); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	tail, err := env.Store.AuditTail(env.Ctx, repo.AuditFilter{Kind: events.DecisionApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].Message != "reviewer=alice" {
		t.Fatalf("expected only the first approval audited, got %+v", tail)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Queue.Approve(env.Ctx, 42, "alice", ""); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestReviewerRequired(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "s1")
	if err := env.Queue.Reject(env.Ctx, id, "  ", "no"); err == nil {
		t.Fatalf("expected reviewer error")
	}
	d, _ := env.Store.GetDecision(env.Ctx, id)
	if d.State != domain.DecisionPending {
		t.Fatalf("decision changed without reviewer: %s", d.State)
	}
}

func TestRejectRecordsNotes(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "s1")
	if err := env.Queue.Reject(env.Ctx, id, "alice", "out of scope"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	detail, err := env.Queue.Show(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Decision.State != domain.DecisionRejected || detail.Decision.Notes != "out of scope" {
		t.Fatalf("unexpected decision: %+v", detail.Decision)
	}
	if len(detail.Runs) != 0 || len(detail.Artifacts) != 0 {
		t.Fatalf("rejected request has runs: %+v", detail)
	}
	pending, _ := env.Queue.ListPending(env.Ctx)
	if len(pending) != 0 {
		t.Fatalf("rejected request still pending: %+v", pending)
	}
}

func TestExpireStale(t *testing.T) {
	env := newTestEnv(t)
	old := env.record(t, "s1")
	*env.now = env.now.Add(8 * 24 * time.Hour)
	fresh := env.record(t, "s2")

	expired, err := env.Queue.ExpireStale(env.Ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 1 || expired[0] != old {
		t.Fatalf("expected %d expired, got %v", old, expired)
	}
	d, _ := env.Store.GetDecision(env.Ctx, old)
	if d.State != domain.DecisionExpired || d.Reviewer != nil {
		t.Fatalf("unexpected expired decision: %+v", d)
	}
	pending, _ := env.Queue.ListPending(env.Ctx)
	if len(pending) != 1 || pending[0].ID != fresh {
		t.Fatalf("expected fresh request pending, got %+v", pending)
	}
	if err := env.Queue.Approve(env.Ctx, old, "alice", ""); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expired decision must not reopen, got %v", err)
	}
	if _, err := env.Queue.ExpireStale(env.Ctx, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestRequeueAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "s1")
	if err := env.Queue.Approve(env.Ctx, id, "alice", ""); err != nil {
		t.Fatal(err)
	}
	run, err := env.Store.OpenRun(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Queue.Requeue(env.Ctx, id, "alice", ""); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict while run active, got %v", err)
	}
	_, _ = env.Store.UpdateRunState(env.Ctx, run.ID, domain.RunRunning, domain.ExitNone)
	_, _ = env.Store.UpdateRunState(env.Ctx, run.ID, domain.RunFailed, domain.ExitGeneratorError)
	if err := env.Queue.Requeue(env.Ctx, id, "alice", "flaky model"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	runnable, _ := env.Store.RunnableRequests(env.Ctx, 5)
	if len(runnable) != 1 || runnable[0].ID != id {
		t.Fatalf("expected request runnable after requeue, got %+v", runnable)
	}
}
