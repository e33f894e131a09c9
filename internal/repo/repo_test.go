package repo_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"issueforge/internal/db"
	"issueforge/internal/domain"
	"issueforge/internal/events"
	"issueforge/internal/migrate"
	"issueforge/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (repo.Store, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "state", "issueforge.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return repo.New(conn).WithClock(c.Now), c
}

func record(t *testing.T, s repo.Store, ref string, p domain.Priority) int64 {
	t.Helper()
	id, err := s.RecordRequest(context.Background(), domain.NewRequest{
		SourceRef: ref,
		Title:     "Make a calculator",
		Body:      "web calculator in go",
		Requester: "octocat",
		Priority:  p,
		Extracted: domain.Extracted{SystemKind: "web_system", Technologies: []string{"go"}, Effort: "small"},
	})
	if err != nil {
		t.Fatalf("record %s: %v", ref, err)
	}
	return id
}

func approve(t *testing.T, s repo.Store, id int64) {
	t.Helper()
	if err := s.SetDecision(context.Background(), id, domain.DecisionApproved, "alice", ""); err != nil {
		t.Fatalf("approve %d: %v", id, err)
	}
}

func TestRecordRequestIsIdempotentBySourceRef(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#42", domain.PriorityNormal)

	again, err := s.RecordRequest(ctx, domain.NewRequest{SourceRef: "acme/requests#42", Title: "other"})
	if !errors.Is(err, domain.ErrAlreadyKnown) {
		t.Fatalf("expected ErrAlreadyKnown, got %v", err)
	}
	if again != id {
		t.Fatalf("expected existing id %d, got %d", id, again)
	}
	reqs, err := s.ListRequests(ctx, repo.RequestFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Title != "Make a calculator" {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
	if reqs[0].Extracted.SystemKind != "web_system" || len(reqs[0].Extracted.Technologies) != 1 {
		t.Fatalf("extracted not round-tripped: %+v", reqs[0].Extracted)
	}
	d, err := s.GetDecision(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if d.State != domain.DecisionPending || d.Reviewer != nil {
		t.Fatalf("expected pending decision, got %+v", d)
	}
	tail, err := s.AuditTail(ctx, repo.AuditFilter{Kind: events.RequestRecorded})
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].SubjectID != id {
		t.Fatalf("expected one request.recorded entry, got %+v", tail)
	}
}

func TestDecisionChangesOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#1", domain.PriorityNormal)

	if err := s.SetDecision(ctx, id, domain.DecisionRejected, "bob", "out of scope"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	err := s.SetDecision(ctx, id, domain.DecisionApproved, "alice", "")
	var te domain.TransitionError
	if !errors.As(err, &te) || te.From != "rejected" {
		t.Fatalf("expected transition error from rejected, got %v", err)
	}
	d, _ := s.GetDecision(ctx, id)
	if d.State != domain.DecisionRejected || d.Notes != "out of scope" || d.Reviewer == nil || *d.Reviewer != "bob" {
		t.Fatalf("decision changed: %+v", d)
	}
	if err := s.SetDecision(ctx, 999, domain.DecisionApproved, "alice", ""); !errors.Is(err, domain.ErrIllegalTransition) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected illegal transition for unknown request, got %v", err)
	}
	if err := s.SetDecision(ctx, id, domain.DecisionPending, "alice", ""); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected pending target to be refused, got %v", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#7", domain.PriorityNormal)

	if _, err := s.OpenRun(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict before approval, got %v", err)
	}
	approve(t, s, id)
	run, err := s.OpenRun(ctx, id)
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	if run.Attempt != 1 || run.State != domain.RunQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
	if _, err := s.OpenRun(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for second active run, got %v", err)
	}
	if err := s.SetRunWorkdir(ctx, run.ID, "/work/run-1"); err != nil {
		t.Fatalf("set workdir: %v", err)
	}
	if err := s.SetRunWorkdir(ctx, run.ID, "/work/run-1b"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected workdir to be set once, got %v", err)
	}
	if _, err := s.UpdateRunState(ctx, run.ID, domain.RunSucceeded, domain.ExitOK); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected queued -> succeeded to be refused, got %v", err)
	}
	c.Advance(time.Minute)
	started, err := s.UpdateRunState(ctx, run.ID, domain.RunRunning, domain.ExitNone)
	if err != nil || started.StartedAt == nil {
		t.Fatalf("to running: %+v %v", started, err)
	}
	if _, err := s.RecordArtifact(ctx, run.ID, "https://github.com/acme/x", "abc"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected artifact to require succeeded, got %v", err)
	}
	c.Advance(time.Minute)
	art, err := s.CompleteRunWithArtifact(ctx, run.ID, "https://github.com/acme/make-a-calculator-1-abcdef", "deadbeef")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.RunSucceeded || got.ExitReason != domain.ExitOK || got.EndedAt == nil {
		t.Fatalf("unexpected final run: %+v", got)
	}
	if *got.EndedAt < *got.StartedAt {
		t.Fatalf("ended before started: %s < %s", *got.EndedAt, *got.StartedAt)
	}
	stored, err := s.ArtifactForRun(ctx, run.ID)
	if err != nil || stored.ID != art.ID || stored.CommitRef != "deadbeef" {
		t.Fatalf("artifact lookup: %+v %v", stored, err)
	}
	if _, err := s.UpdateRunState(ctx, run.ID, domain.RunFailed, domain.ExitGeneratorError); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected terminal run to stay terminal, got %v", err)
	}
	if _, err := s.OpenRun(ctx, id); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected no attempts left after success, got %v", err)
	}
}

func TestRecordArtifactAfterSucceeded(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#8", domain.PriorityNormal)
	approve(t, s, id)
	run, _ := s.OpenRun(ctx, id)
	_, _ = s.UpdateRunState(ctx, run.ID, domain.RunRunning, domain.ExitNone)
	if _, err := s.UpdateRunState(ctx, run.ID, domain.RunSucceeded, domain.ExitNone); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordArtifact(ctx, run.ID, "https://github.com/acme/y", "c0ffee"); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if _, err := s.RecordArtifact(ctx, run.ID, "https://github.com/acme/z", "c0ffee"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected one artifact per run, got %v", err)
	}
	arts, err := s.ListArtifacts(ctx, id)
	if err != nil || len(arts) != 1 {
		t.Fatalf("list artifacts: %+v %v", arts, err)
	}
}

func TestRequeueAuthorisesAnotherAttempt(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#9", domain.PriorityNormal)
	if err := s.Requeue(ctx, id, "alice", ""); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected requeue of pending request to fail, got %v", err)
	}
	approve(t, s, id)
	if err := s.Requeue(ctx, id, "alice", ""); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected requeue before first run to conflict, got %v", err)
	}
	run, _ := s.OpenRun(ctx, id)
	_, _ = s.UpdateRunState(ctx, run.ID, domain.RunRunning, domain.ExitNone)
	if _, err := s.UpdateRunState(ctx, run.ID, domain.RunFailed, domain.ExitTimeout); err != nil {
		t.Fatal(err)
	}
	runnable, _ := s.RunnableRequests(ctx, 10)
	if len(runnable) != 0 {
		t.Fatalf("failed request must not be retried automatically: %+v", runnable)
	}
	if err := s.Requeue(ctx, id, "alice", "try again"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := s.Requeue(ctx, id, "alice", ""); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected double requeue to conflict, got %v", err)
	}
	second, err := s.OpenRun(ctx, id)
	if err != nil {
		t.Fatalf("open second run: %v", err)
	}
	if second.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Attempt)
	}
}

func TestInterruptedRunsDoNotConsumeAttempts(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	id := record(t, s, "acme/requests#10", domain.PriorityNormal)
	approve(t, s, id)
	run, _ := s.OpenRun(ctx, id)
	_, _ = s.UpdateRunState(ctx, run.ID, domain.RunRunning, domain.ExitNone)
	abandoned, err := s.AbandonedRuns(ctx)
	if err != nil || len(abandoned) != 1 {
		t.Fatalf("abandoned runs: %+v %v", abandoned, err)
	}
	if _, err := s.UpdateRunState(ctx, run.ID, domain.RunCancelled, domain.ExitInterrupted); err != nil {
		t.Fatal(err)
	}
	runnable, err := s.RunnableRequests(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runnable) != 1 || runnable[0].ID != id {
		t.Fatalf("expected interrupted request to be runnable again, got %+v", runnable)
	}
}

func TestRunnableRequestsOrdering(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	low := record(t, s, "acme/requests#1", domain.PriorityLow)
	normal := record(t, s, "acme/requests#2", domain.PriorityNormal)
	high := record(t, s, "acme/requests#3", domain.PriorityHigh)
	pending := record(t, s, "acme/requests#4", domain.PriorityHigh)
	for _, id := range []int64{low, normal, high} {
		c.Advance(time.Second)
		approve(t, s, id)
	}
	got, err := s.RunnableRequests(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != high || got[1].ID != normal || got[2].ID != low {
		t.Fatalf("unexpected order: %+v", got)
	}
	for _, r := range got {
		if r.ID == pending {
			t.Fatalf("pending request must not be runnable")
		}
	}
	limited, _ := s.RunnableRequests(ctx, 1)
	if len(limited) != 1 || limited[0].ID != high {
		t.Fatalf("limit not honoured: %+v", limited)
	}
}

func TestStalePendingAndFilters(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	old := record(t, s, "acme/requests#1", domain.PriorityNormal)
	c.Advance(48 * time.Hour)
	fresh := record(t, s, "acme/requests#2", domain.PriorityNormal)

	ids, err := s.StalePending(ctx, c.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != old {
		t.Fatalf("expected only %d stale, got %v", old, ids)
	}
	approve(t, s, fresh)
	approved, _ := s.ListRequests(ctx, repo.RequestFilter{Decision: domain.DecisionApproved})
	if len(approved) != 1 || approved[0].ID != fresh {
		t.Fatalf("decision filter: %+v", approved)
	}
	recent, _ := s.ListRequests(ctx, repo.RequestFilter{Since: c.Now().Add(-time.Hour)})
	if len(recent) != 1 || recent[0].ID != fresh {
		t.Fatalf("since filter: %+v", recent)
	}
	run, _ := s.OpenRun(ctx, fresh)
	queued, _ := s.ListRequests(ctx, repo.RequestFilter{RunState: domain.RunQueued})
	if len(queued) != 1 || queued[0].ID != fresh {
		t.Fatalf("run state filter: %+v", queued)
	}
	runs, _ := s.ListRuns(ctx, repo.RunFilter{RequestID: fresh})
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("list runs: %+v", runs)
	}
	pending, err := s.Summaries(ctx, domain.DecisionPending, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != old || pending[0].SystemKind != "web_system" || pending[0].Effort != "small" {
		t.Fatalf("summaries: %+v", pending)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	v, err := s.Cursor(ctx, "discovery")
	if err != nil || v != "" {
		t.Fatalf("expected empty cursor, got %q %v", v, err)
	}
	if err := s.SetCursor(ctx, "discovery", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCursor(ctx, "discovery", "2024-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	v, _ = s.Cursor(ctx, "discovery")
	if v != "2024-01-02T00:00:00Z" {
		t.Fatalf("cursor not updated: %q", v)
	}
}

func TestAuditAfterIsOrdered(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.AppendAudit(ctx, events.CommentPosted, int64(i+1), "posted"); err != nil {
			t.Fatal(err)
		}
	}
	all, err := s.AuditAfter(ctx, 0, 10)
	if err != nil || len(all) != 3 {
		t.Fatalf("audit after: %+v %v", all, err)
	}
	rest, _ := s.AuditAfter(ctx, all[0].ID, 10)
	if len(rest) != 2 || rest[0].ID != all[1].ID {
		t.Fatalf("cursor not honoured: %+v", rest)
	}
	latest, _ := s.LatestAuditID(ctx)
	if latest != all[2].ID {
		t.Fatalf("latest id %d, want %d", latest, all[2].ID)
	}
	tail, _ := s.AuditTail(ctx, repo.AuditFilter{Limit: 1})
	if len(tail) != 1 || tail[0].ID != latest {
		t.Fatalf("tail newest first: %+v", tail)
	}
}
