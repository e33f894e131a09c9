package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"issueforge/internal/domain"
)

// Audit kinds written by the store and the approval queue.
const (
	RequestRecorded  = "request.recorded"
	DecisionApproved = "decision.approved"
	DecisionRejected = "decision.rejected"
	DecisionExpired  = "decision.expired"
	RunOpened        = "run.opened"
	RunRequeued      = "run.requeued"
	RunTransition    = "run.transition"
	ArtifactRecorded = "artifact.recorded"
	CommentPosted    = "comment.posted"
	CommentFailed    = "comment.failed"
)

// Writer appends to the audit table. The log is write-only for control flow.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, kind string, subjectID int64, message string) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit(ts,kind,subject_id,message) VALUES (?,?,?,?)`,
		ts, kind, subjectID, message); err != nil {
		op := "append audit " + kind
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return domain.StoreError{Op: op, Err: err}
	}
	return nil
}
