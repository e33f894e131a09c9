package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"issueforge/internal/domain"
	"issueforge/internal/events"
)

// Store is the transactional persistence layer. Every exported method runs
// in exactly one transaction.
type Store struct {
	DB    *sqlx.DB
	Audit events.Writer
	Now   func() time.Time
}

func New(db *sqlx.DB) Store {
	return Store{DB: db, Audit: events.Writer{}, Now: time.Now}
}

// WithClock returns a copy of s whose timestamps come from now.
func (s Store) WithClock(now func() time.Time) Store {
	s.Now = now
	s.Audit.Now = now
	return s
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// storeErr marks err as fatal unless it only reflects a cancelled caller.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return domain.StoreError{Op: op, Err: err}
}

func (s Store) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr(op+": begin", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op+": commit", err)
	}
	return nil
}

type requestRow struct {
	domain.Request
	ExtractedJSON string `db:"extracted_json"`
}

func (r requestRow) decode() (domain.Request, error) {
	req := r.Request
	if r.ExtractedJSON != "" {
		if err := json.Unmarshal([]byte(r.ExtractedJSON), &req.Extracted); err != nil {
			return req, fmt.Errorf("request %d: decode extracted: %w", req.ID, err)
		}
	}
	if req.Extracted.Technologies == nil {
		req.Extracted.Technologies = []string{}
	}
	return req, nil
}

func decodeRequests(rows []requestRow) ([]domain.Request, error) {
	out := make([]domain.Request, 0, len(rows))
	for _, row := range rows {
		req, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// RecordRequest inserts a request and its pending decision. When source_ref
// is already known it returns the existing id together with ErrAlreadyKnown.
func (s Store) RecordRequest(ctx context.Context, nr domain.NewRequest) (int64, error) {
	if strings.TrimSpace(nr.SourceRef) == "" {
		return 0, errors.New("source_ref is required")
	}
	if nr.Priority == "" {
		nr.Priority = domain.PriorityNormal
	}
	if nr.Extracted.Technologies == nil {
		nr.Extracted.Technologies = []string{}
	}
	extracted, err := json.Marshal(nr.Extracted)
	if err != nil {
		return 0, fmt.Errorf("marshal extracted: %w", err)
	}
	var id int64
	err = s.inTx(ctx, "record request", func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, `SELECT id FROM requests WHERE source_ref=?`, nr.SourceRef)
		if err == nil {
			return domain.ErrAlreadyKnown
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return storeErr("lookup request", err)
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO requests(source_ref,title,body,requester,priority,extracted_json,discovered_at) VALUES (?,?,?,?,?,?,?)`,
			nr.SourceRef, nr.Title, nr.Body, nr.Requester, string(nr.Priority), string(extracted), s.stamp())
		if err != nil {
			return storeErr("insert request", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return storeErr("insert request", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO decisions(request_id,state,notes,authorized_attempts) VALUES (?,?,?,0)`,
			id, domain.DecisionPending, ""); err != nil {
			return storeErr("insert decision", err)
		}
		return s.Audit.Append(ctx, tx, events.RequestRecorded, id, fmt.Sprintf("source_ref=%s requester=%s", nr.SourceRef, nr.Requester))
	})
	return id, err
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Decision domain.DecisionState
	RunState domain.RunState
	Since    time.Time
	Until    time.Time
	Limit    int
}

func (s Store) ListRequests(ctx context.Context, f RequestFilter) ([]domain.Request, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Decision != "" {
		clauses = append(clauses, "d.state=?")
		args = append(args, f.Decision)
	}
	if f.RunState != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM runs x WHERE x.request_id=r.id AND x.state=?)")
		args = append(args, f.RunState)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "r.discovered_at>=?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "r.discovered_at<?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}
	query := `SELECT r.* FROM requests r JOIN decisions d ON d.request_id=r.id WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY r.id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	var rows []requestRow
	if err := s.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("list requests", err)
	}
	return decodeRequests(rows)
}

func (s Store) GetRequest(ctx context.Context, id int64) (domain.Request, error) {
	var row requestRow
	err := s.DB.GetContext(ctx, &row, `SELECT * FROM requests WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Request{}, fmt.Errorf("request %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Request{}, storeErr("get request", err)
	}
	return row.decode()
}

func (s Store) GetDecision(ctx context.Context, requestID int64) (domain.Decision, error) {
	var d domain.Decision
	err := s.DB.GetContext(ctx, &d, `SELECT * FROM decisions WHERE request_id=?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("decision for request %d: %w", requestID, domain.ErrNotFound)
	}
	if err != nil {
		return d, storeErr("get decision", err)
	}
	return d, nil
}

// Summaries lists requests joined with their decision, highest priority first.
func (s Store) Summaries(ctx context.Context, state domain.DecisionState, limit int) ([]domain.RequestSummary, error) {
	query := `SELECT r.id, r.source_ref, r.title, r.requester, r.priority,
	COALESCE(json_extract(r.extracted_json,'$.system_kind'),'') AS system_kind,
	COALESCE(json_extract(r.extracted_json,'$.effort'),'') AS effort,
	d.state AS decision, r.discovered_at
FROM requests r JOIN decisions d ON d.request_id=r.id`
	var args []any
	if state != "" {
		query += ` WHERE d.state=?`
		args = append(args, state)
	}
	query += ` ORDER BY CASE r.priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, r.discovered_at, r.id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out := []domain.RequestSummary{}
	if err := s.DB.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, storeErr("list summaries", err)
	}
	return out, nil
}

// SetDecision moves a pending decision to a terminal state.
func (s Store) SetDecision(ctx context.Context, requestID int64, state domain.DecisionState, reviewer, notes string) error {
	if !state.Valid() || !state.Terminal() {
		return domain.TransitionError{Entity: "decision", ID: requestID, To: string(state)}
	}
	return s.inTx(ctx, "set decision", func(tx *sqlx.Tx) error {
		var current domain.DecisionState
		err := tx.GetContext(ctx, &current, `SELECT state FROM decisions WHERE request_id=?`, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransitionError{Entity: "decision", ID: requestID, To: string(state), Missing: true}
		}
		if err != nil {
			return storeErr("read decision", err)
		}
		if current != domain.DecisionPending {
			return domain.TransitionError{Entity: "decision", ID: requestID, From: string(current), To: string(state)}
		}
		attempts := 0
		if state == domain.DecisionApproved {
			attempts = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE decisions SET state=?, reviewer=?, decided_at=?, notes=?, authorized_attempts=? WHERE request_id=? AND state=?`,
			state, nullable(reviewer), s.stamp(), notes, attempts, requestID, domain.DecisionPending); err != nil {
			return storeErr("update decision", err)
		}
		return s.Audit.Append(ctx, tx, decisionKind(state), requestID, decisionMessage(reviewer, notes))
	})
}

func decisionKind(state domain.DecisionState) string {
	switch state {
	case domain.DecisionApproved:
		return events.DecisionApproved
	case domain.DecisionRejected:
		return events.DecisionRejected
	default:
		return events.DecisionExpired
	}
}

func decisionMessage(reviewer, notes string) string {
	if reviewer == "" {
		reviewer = "system"
	}
	if notes == "" {
		return "reviewer=" + reviewer
	}
	return fmt.Sprintf("reviewer=%s notes=%q", reviewer, notes)
}

const countedRuns = `SELECT COUNT(*) FROM runs x WHERE x.request_id=? AND NOT (x.state='cancelled' AND x.exit_reason IN ('shutdown','interrupted'))`

// Requeue authorises one more attempt for an approved request whose latest
// run ended in failure or cancellation.
func (s Store) Requeue(ctx context.Context, requestID int64, reviewer, notes string) error {
	return s.inTx(ctx, "requeue", func(tx *sqlx.Tx) error {
		var d domain.Decision
		err := tx.GetContext(ctx, &d, `SELECT * FROM decisions WHERE request_id=?`, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransitionError{Entity: "decision", ID: requestID, To: "requeued", Missing: true}
		}
		if err != nil {
			return storeErr("read decision", err)
		}
		if d.State != domain.DecisionApproved {
			return domain.TransitionError{Entity: "decision", ID: requestID, From: string(d.State), To: "requeued"}
		}
		var latest domain.Run
		err = tx.GetContext(ctx, &latest, `SELECT * FROM runs WHERE request_id=? ORDER BY attempt DESC LIMIT 1`, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request %d has not run yet: %w", requestID, domain.ErrConflict)
		}
		if err != nil {
			return storeErr("read latest run", err)
		}
		if latest.State != domain.RunFailed && latest.State != domain.RunCancelled {
			return fmt.Errorf("request %d latest run is %s: %w", requestID, latest.State, domain.ErrConflict)
		}
		var used int
		if err := tx.GetContext(ctx, &used, countedRuns, requestID); err != nil {
			return storeErr("count runs", err)
		}
		if used < d.Attempts {
			return fmt.Errorf("request %d already has an attempt pending: %w", requestID, domain.ErrConflict)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE decisions SET authorized_attempts=? WHERE request_id=?`, used+1, requestID); err != nil {
			return storeErr("requeue", err)
		}
		return s.Audit.Append(ctx, tx, events.RunRequeued, requestID, decisionMessage(reviewer, notes))
	})
}

// OpenRun creates a queued run for an approved request.
func (s Store) OpenRun(ctx context.Context, requestID int64) (domain.Run, error) {
	var run domain.Run
	err := s.inTx(ctx, "open run", func(tx *sqlx.Tx) error {
		var d domain.Decision
		err := tx.GetContext(ctx, &d, `SELECT * FROM decisions WHERE request_id=?`, requestID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request %d: %w", requestID, domain.ErrNotFound)
		}
		if err != nil {
			return storeErr("read decision", err)
		}
		if d.State != domain.DecisionApproved {
			return fmt.Errorf("request %d decision is %s: %w", requestID, d.State, domain.ErrConflict)
		}
		var active int
		if err := tx.GetContext(ctx, &active, `SELECT COUNT(*) FROM runs WHERE request_id=? AND state IN ('queued','running')`, requestID); err != nil {
			return storeErr("count active runs", err)
		}
		if active > 0 {
			return fmt.Errorf("request %d already has an active run: %w", requestID, domain.ErrConflict)
		}
		var used int
		if err := tx.GetContext(ctx, &used, countedRuns, requestID); err != nil {
			return storeErr("count runs", err)
		}
		if used >= d.Attempts {
			return fmt.Errorf("request %d has no authorised attempts left: %w", requestID, domain.ErrConflict)
		}
		var last int
		if err := tx.GetContext(ctx, &last, `SELECT COALESCE(MAX(attempt),0) FROM runs WHERE request_id=?`, requestID); err != nil {
			return storeErr("max attempt", err)
		}
		now := s.stamp()
		res, err := tx.ExecContext(ctx, `INSERT INTO runs(request_id,attempt,state,exit_reason,created_at) VALUES (?,?,?,?,?)`,
			requestID, last+1, domain.RunQueued, domain.ExitNone, now)
		if err != nil {
			return storeErr("insert run", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return storeErr("insert run", err)
		}
		run = domain.Run{ID: id, RequestID: requestID, Attempt: last + 1, State: domain.RunQueued, CreatedAt: now}
		return s.Audit.Append(ctx, tx, events.RunOpened, requestID, fmt.Sprintf("run=%d attempt=%d", id, last+1))
	})
	return run, err
}

// SetRunWorkdir binds a workdir to a queued run. It can be set only once.
func (s Store) SetRunWorkdir(ctx context.Context, runID int64, path string) error {
	return s.inTx(ctx, "set workdir", func(tx *sqlx.Tx) error {
		var taken int
		if err := tx.GetContext(ctx, &taken, `SELECT COUNT(*) FROM runs WHERE workdir=?`, path); err != nil {
			return storeErr("check workdir", err)
		}
		if taken > 0 {
			return fmt.Errorf("workdir %s already owned: %w", path, domain.ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `UPDATE runs SET workdir=? WHERE id=? AND state=? AND workdir IS NULL`, path, runID, domain.RunQueued)
		if err != nil {
			return storeErr("set workdir", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %d is not a queued run without workdir: %w", runID, domain.ErrConflict)
		}
		return nil
	})
}

func ensureRunTransition(from, to domain.RunState) bool {
	switch from {
	case domain.RunQueued:
		return to == domain.RunRunning || to == domain.RunCancelled
	case domain.RunRunning:
		return to == domain.RunSucceeded || to == domain.RunFailed || to == domain.RunCancelled
	}
	return false
}

func (s Store) transitionRun(ctx context.Context, tx *sqlx.Tx, runID int64, to domain.RunState, reason domain.ExitReason) (domain.Run, error) {
	var run domain.Run
	err := tx.GetContext(ctx, &run, `SELECT * FROM runs WHERE id=?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return run, domain.TransitionError{Entity: "run", ID: runID, To: string(to), Missing: true}
	}
	if err != nil {
		return run, storeErr("read run", err)
	}
	if !ensureRunTransition(run.State, to) {
		return run, domain.TransitionError{Entity: "run", ID: runID, From: string(run.State), To: string(to)}
	}
	now := s.stamp()
	switch {
	case to == domain.RunRunning:
		_, err = tx.ExecContext(ctx, `UPDATE runs SET state=?, started_at=? WHERE id=?`, to, now, runID)
		run.StartedAt = &now
	case to.Terminal():
		if reason == domain.ExitNone && to == domain.RunSucceeded {
			reason = domain.ExitOK
		}
		_, err = tx.ExecContext(ctx, `UPDATE runs SET state=?, ended_at=?, exit_reason=? WHERE id=?`, to, now, reason, runID)
		run.EndedAt = &now
		run.ExitReason = reason
	}
	if err != nil {
		return run, storeErr("update run", err)
	}
	from := run.State
	run.State = to
	msg := fmt.Sprintf("run=%d %s -> %s", runID, from, to)
	if reason != domain.ExitNone {
		msg += " reason=" + string(reason)
	}
	return run, s.Audit.Append(ctx, tx, events.RunTransition, run.RequestID, msg)
}

// UpdateRunState applies one step of queued -> running -> terminal.
func (s Store) UpdateRunState(ctx context.Context, runID int64, to domain.RunState, reason domain.ExitReason) (domain.Run, error) {
	var run domain.Run
	err := s.inTx(ctx, "update run", func(tx *sqlx.Tx) error {
		var err error
		run, err = s.transitionRun(ctx, tx, runID, to, reason)
		return err
	})
	return run, err
}

func (s Store) insertArtifact(ctx context.Context, tx *sqlx.Tx, run domain.Run, url, commitRef string) (domain.Artifact, error) {
	var existing int
	if err := tx.GetContext(ctx, &existing, `SELECT COUNT(*) FROM artifacts WHERE run_id=?`, run.ID); err != nil {
		return domain.Artifact{}, storeErr("check artifact", err)
	}
	if existing > 0 {
		return domain.Artifact{}, fmt.Errorf("run %d already has an artifact: %w", run.ID, domain.ErrConflict)
	}
	a := domain.Artifact{RunID: run.ID, RemoteRepoURL: url, CommitRef: commitRef, PublishedAt: s.stamp()}
	res, err := tx.ExecContext(ctx, `INSERT INTO artifacts(run_id,remote_repo_url,commit_ref,published_at) VALUES (?,?,?,?)`,
		a.RunID, a.RemoteRepoURL, a.CommitRef, a.PublishedAt)
	if err != nil {
		return a, storeErr("insert artifact", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return a, storeErr("insert artifact", err)
	}
	return a, s.Audit.Append(ctx, tx, events.ArtifactRecorded, run.RequestID, fmt.Sprintf("run=%d url=%s commit=%s", run.ID, url, commitRef))
}

// RecordArtifact stores the publication result of a succeeded run.
func (s Store) RecordArtifact(ctx context.Context, runID int64, url, commitRef string) (domain.Artifact, error) {
	var a domain.Artifact
	err := s.inTx(ctx, "record artifact", func(tx *sqlx.Tx) error {
		var run domain.Run
		err := tx.GetContext(ctx, &run, `SELECT * FROM runs WHERE id=?`, runID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", runID, domain.ErrNotFound)
		}
		if err != nil {
			return storeErr("read run", err)
		}
		if run.State != domain.RunSucceeded {
			return fmt.Errorf("run %d is %s, artifact requires succeeded: %w", runID, run.State, domain.ErrConflict)
		}
		a, err = s.insertArtifact(ctx, tx, run, url, commitRef)
		return err
	})
	return a, err
}

// CompleteRunWithArtifact marks a running run succeeded and records its
// artifact in the same transaction.
func (s Store) CompleteRunWithArtifact(ctx context.Context, runID int64, url, commitRef string) (domain.Artifact, error) {
	var a domain.Artifact
	err := s.inTx(ctx, "complete run", func(tx *sqlx.Tx) error {
		run, err := s.transitionRun(ctx, tx, runID, domain.RunSucceeded, domain.ExitOK)
		if err != nil {
			return err
		}
		a, err = s.insertArtifact(ctx, tx, run, url, commitRef)
		return err
	})
	return a, err
}

func (s Store) GetRun(ctx context.Context, runID int64) (domain.Run, error) {
	var run domain.Run
	err := s.DB.GetContext(ctx, &run, `SELECT * FROM runs WHERE id=?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("run %d: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return run, storeErr("get run", err)
	}
	return run, nil
}

type RunFilter struct {
	RequestID int64
	States    []domain.RunState
	Limit     int
}

func (s Store) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RequestID > 0 {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, st)
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT * FROM runs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	runs := []domain.Run{}
	if err := s.DB.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

// AbandonedRuns returns runs that are still queued or running.
func (s Store) AbandonedRuns(ctx context.Context) ([]domain.Run, error) {
	return s.ListRuns(ctx, RunFilter{States: []domain.RunState{domain.RunQueued, domain.RunRunning}})
}

func (s Store) ArtifactForRun(ctx context.Context, runID int64) (domain.Artifact, error) {
	var a domain.Artifact
	err := s.DB.GetContext(ctx, &a, `SELECT * FROM artifacts WHERE run_id=?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("artifact for run %d: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return a, storeErr("get artifact", err)
	}
	return a, nil
}

func (s Store) ListArtifacts(ctx context.Context, requestID int64) ([]domain.Artifact, error) {
	query := `SELECT a.* FROM artifacts a JOIN runs r ON r.id=a.run_id`
	var args []any
	if requestID > 0 {
		query += ` WHERE r.request_id=?`
		args = append(args, requestID)
	}
	query += ` ORDER BY a.id ASC`
	out := []domain.Artifact{}
	if err := s.DB.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, storeErr("list artifacts", err)
	}
	return out, nil
}

// RunnableRequests returns approved requests without an active run that still
// have an authorised attempt, highest priority first.
func (s Store) RunnableRequests(ctx context.Context, limit int) ([]domain.Request, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []requestRow
	err := s.DB.SelectContext(ctx, &rows, `SELECT r.* FROM requests r JOIN decisions d ON d.request_id=r.id
WHERE d.state='approved'
AND NOT EXISTS (SELECT 1 FROM runs x WHERE x.request_id=r.id AND x.state IN ('queued','running'))
AND (SELECT COUNT(*) FROM runs x WHERE x.request_id=r.id AND NOT (x.state='cancelled' AND x.exit_reason IN ('shutdown','interrupted'))) < d.authorized_attempts
ORDER BY CASE r.priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, d.decided_at, r.id
LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("runnable requests", err)
	}
	return decodeRequests(rows)
}

// StalePending returns ids of pending requests discovered at or before cutoff.
func (s Store) StalePending(ctx context.Context, cutoff time.Time) ([]int64, error) {
	ids := []int64{}
	err := s.DB.SelectContext(ctx, &ids, `SELECT r.id FROM requests r JOIN decisions d ON d.request_id=r.id
WHERE d.state='pending' AND r.discovered_at<=? ORDER BY r.id`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, storeErr("stale pending", err)
	}
	return ids, nil
}

func (s Store) AppendAudit(ctx context.Context, kind string, subjectID int64, message string) error {
	return s.inTx(ctx, "append audit", func(tx *sqlx.Tx) error {
		return s.Audit.Append(ctx, tx, kind, subjectID, message)
	})
}

type AuditFilter struct {
	Kind      string
	SubjectID int64
	// BeforeID pages backwards: only entries with a smaller id are returned.
	BeforeID int64
	Limit    int
}

// AuditTail returns the newest audit entries first.
func (s Store) AuditTail(ctx context.Context, f AuditFilter) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.SubjectID > 0 {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	out := []domain.AuditEntry{}
	err := s.DB.SelectContext(ctx, &out, `SELECT * FROM audit WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, storeErr("audit tail", err)
	}
	return out, nil
}

// AuditAfter returns entries with id greater than cursor, oldest first.
func (s Store) AuditAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []domain.AuditEntry{}
	if err := s.DB.SelectContext(ctx, &out, `SELECT * FROM audit WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit); err != nil {
		return nil, storeErr("audit after", err)
	}
	return out, nil
}

// LatestAuditID returns the most recent audit id, 0 when empty.
func (s Store) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id),0) FROM audit`); err != nil {
		return 0, storeErr("latest audit", err)
	}
	return id, nil
}

// Cursor returns a named cursor value, empty when unset.
func (s Store) Cursor(ctx context.Context, name string) (string, error) {
	var v string
	err := s.DB.GetContext(ctx, &v, `SELECT value FROM cursors WHERE name=?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("read cursor", err)
	}
	return v, nil
}

func (s Store) SetCursor(ctx context.Context, name, value string) error {
	return s.inTx(ctx, "set cursor", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO cursors(name,value,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, name, value, s.stamp())
		if err != nil {
			return storeErr("set cursor", err)
		}
		return nil
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
