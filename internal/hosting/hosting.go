// Package hosting talks to the code-hosting service: it lists labelled
// issues, comments on them, creates repositories and pushes trees.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Issue is a labelled item returned by discovery.
type Issue struct {
	SourceRef string
	Number    int
	Title     string
	Body      string
	Author    string
	Labels    []string
	URL       string
	UpdatedAt time.Time
}

// Client is the narrow surface the orchestrator depends on.
type Client interface {
	// Verify checks the credentials once at startup.
	Verify(ctx context.Context) error
	// Discover returns open issues carrying every label that were not
	// reported before since, and the opaque cursor to pass next time.
	Discover(ctx context.Context, labels []string, since string) ([]Issue, string, error)
	PostComment(ctx context.Context, sourceRef, body string) error
	CreateRemoteRepo(ctx context.Context, name, visibility string) (string, error)
	PushTree(ctx context.Context, localPath, remoteURL string) (string, error)
}

// ErrNameTaken is returned by CreateRemoteRepo when the name collides.
var ErrNameTaken = errors.New("repository name already taken")

// CredentialError means the service rejected our credentials.
type CredentialError struct {
	Status  int
	Message string
}

func (e CredentialError) Error() string {
	return fmt.Sprintf("hosting rejected credentials (status %d): %s", e.Status, e.Message)
}

func (e CredentialError) ExitCode() int { return 3 }

// StatusError is a non-retryable response, surfaced verbatim.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// TransientError is returned when retries ran out of budget.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e TransientError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e TransientError) Unwrap() error { return e.Err }

// IssueRef is a parsed source_ref of the form owner/repo#number.
type IssueRef struct {
	Owner  string
	Repo   string
	Number int
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

func ParseIssueRef(ref string) (IssueRef, error) {
	repoPart, num, ok := strings.Cut(ref, "#")
	if !ok {
		return IssueRef{}, fmt.Errorf("invalid source ref %q", ref)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return IssueRef{}, fmt.Errorf("invalid source ref %q", ref)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return IssueRef{}, fmt.Errorf("invalid issue number in %q", ref)
	}
	return IssueRef{Owner: owner, Repo: repo, Number: n}, nil
}

// HasAllLabels reports whether have contains every label in want, ignoring case.
func HasAllLabels(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, l := range have {
		set[strings.ToLower(l)] = true
	}
	for _, l := range want {
		if !set[strings.ToLower(l)] {
			return false
		}
	}
	return true
}
