package orchestrator

import (
	"context"
	"errors"

	"issueforge/internal/domain"
	"issueforge/internal/extract"
	"issueforge/internal/hosting"
)

// Discover records new labelled issues and acknowledges each one. The cursor
// only moves when every issue was both recorded and acknowledged, so partial
// failures are retried on the next tick.
func (o *Orchestrator) Discover(ctx context.Context) error {
	cursor, err := o.Store.Cursor(ctx, DiscoveryCursor)
	if err != nil {
		return err
	}
	issues, next, err := o.Hosting.Discover(ctx, o.Settings.Labels, cursor)
	if err != nil {
		return err
	}
	complete := true
	for _, is := range issues {
		if err := o.admit(ctx, is); err != nil {
			if Fatal(err) || ctx.Err() != nil {
				return err
			}
			complete = false
		}
	}
	if !complete {
		o.Logger.Warn("discovery incomplete, cursor kept", "cursor", cursor, "issues", len(issues))
		return nil
	}
	if next != "" && next != cursor {
		if err := o.Store.SetCursor(ctx, DiscoveryCursor, next); err != nil {
			return err
		}
	}
	o.Logger.Debug("discovery done", "issues", len(issues), "cursor", next)
	return nil
}

func (o *Orchestrator) admit(ctx context.Context, is hosting.Issue) error {
	req := domain.Request{
		SourceRef: is.SourceRef,
		Title:     is.Title,
		Body:      is.Body,
		Requester: is.Author,
		Priority:  extract.Priority(is.Title, is.Body, is.Labels),
		Extracted: extract.Extract(is.Title, is.Body),
	}
	id, err := o.Store.RecordRequest(ctx, domain.NewRequest{
		SourceRef: req.SourceRef,
		Title:     req.Title,
		Body:      req.Body,
		Requester: req.Requester,
		Priority:  req.Priority,
		Extracted: req.Extracted,
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyKnown):
		o.Logger.Debug("request already known", "request_id", id, "source_ref", is.SourceRef)
	case err != nil:
		return err
	default:
		o.Logger.Info("request recorded", "request_id", id, "source_ref", is.SourceRef,
			"system_kind", req.Extracted.SystemKind, "priority", req.Priority)
	}
	req.ID = id
	return o.comment(ctx, req, KindAcknowledged, AcknowledgedComment(req))
}
