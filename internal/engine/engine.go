package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"issueforge/internal/domain"
	"issueforge/internal/repo"
)

// Queue is the human-gated approval state machine. It never alters the
// request itself, only its decision.
type Queue struct {
	Store repo.Store
	Now   func() time.Time
}

func New(store repo.Store) Queue {
	return Queue{Store: store, Now: time.Now}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// ListPending returns pending requests, highest priority first.
func (q Queue) ListPending(ctx context.Context) ([]domain.RequestSummary, error) {
	return q.Store.Summaries(ctx, domain.DecisionPending, 0)
}

// RequestDetail bundles everything a reviewer looks at for one request.
type RequestDetail struct {
	Request   domain.Request    `json:"request"`
	Decision  domain.Decision   `json:"decision"`
	Runs      []domain.Run      `json:"runs"`
	Artifacts []domain.Artifact `json:"artifacts"`
}

func (q Queue) Show(ctx context.Context, requestID int64) (RequestDetail, error) {
	req, err := q.Store.GetRequest(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	d, err := q.Store.GetDecision(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	runs, err := q.Store.ListRuns(ctx, repo.RunFilter{RequestID: requestID})
	if err != nil {
		return RequestDetail{}, err
	}
	arts, err := q.Store.ListArtifacts(ctx, requestID)
	if err != nil {
		return RequestDetail{}, err
	}
	return RequestDetail{Request: req, Decision: d, Runs: runs, Artifacts: arts}, nil
}

func requireReviewer(reviewer string) (string, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return "", errors.New("reviewer is required")
	}
	return reviewer, nil
}

func (q Queue) Approve(ctx context.Context, requestID int64, reviewer, notes string) error {
	reviewer, err := requireReviewer(reviewer)
	if err != nil {
		return err
	}
	return q.Store.SetDecision(ctx, requestID, domain.DecisionApproved, reviewer, strings.TrimSpace(notes))
}

func (q Queue) Reject(ctx context.Context, requestID int64, reviewer, notes string) error {
	reviewer, err := requireReviewer(reviewer)
	if err != nil {
		return err
	}
	return q.Store.SetDecision(ctx, requestID, domain.DecisionRejected, reviewer, strings.TrimSpace(notes))
}

// Expire closes a pending decision without a reviewer.
func (q Queue) Expire(ctx context.Context, requestID int64) error {
	return q.Store.SetDecision(ctx, requestID, domain.DecisionExpired, "", "approval ttl elapsed")
}

// ExpireStale expires every decision still pending ttl after discovery and
// returns the affected request ids. A request decided concurrently is skipped.
func (q Queue) ExpireStale(ctx context.Context, ttl time.Duration) ([]int64, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	ids, err := q.Store.StalePending(ctx, q.now().Add(-ttl))
	if err != nil {
		return nil, err
	}
	expired := make([]int64, 0, len(ids))
	for _, id := range ids {
		if err := q.Expire(ctx, id); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, id)
	}
	return expired, nil
}

// Requeue authorises one more attempt after a failed or cancelled run.
func (q Queue) Requeue(ctx context.Context, requestID int64, reviewer, notes string) error {
	reviewer, err := requireReviewer(reviewer)
	if err != nil {
		return err
	}
	return q.Store.Requeue(ctx, requestID, reviewer, strings.TrimSpace(notes))
}
