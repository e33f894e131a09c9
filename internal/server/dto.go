package server

import (
	"issueforge/internal/domain"
	"issueforge/internal/engine"
)

// Request payloads

type DecisionRequest struct {
	Notes string `json:"notes,omitempty" maxLength:"2000"`
}

type DevLoginRequest struct {
	Reviewer string   `json:"reviewer"`
	Roles    []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	Reviewer string   `json:"reviewer"`
	Roles    []string `json:"roles"`
}

type requestList struct {
	Items []domain.Request `json:"items"`
}

type summaryList struct {
	Items []domain.RequestSummary `json:"items"`
}

type runList struct {
	Items []domain.Run `json:"items"`
}

type auditPage struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// Conversion helpers

func detailResponse(d engine.RequestDetail) engine.RequestDetail {
	d.Runs = nonNilSlice(d.Runs)
	d.Artifacts = nonNilSlice(d.Artifacts)
	d.Request.Extracted.Technologies = nonNilSlice(d.Request.Extracted.Technologies)
	return d
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
