package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Options configures the GitHub client.
type Options struct {
	Endpoint      string
	Repo          string // owner/name of the watched repository
	Owner         string // owner of created repositories; empty means the authenticated user
	Token         string
	Budget        time.Duration
	RatePerSecond float64
	// HTTPClient is the base transport; the token is layered on top.
	HTTPClient *http.Client
	Backoff    Backoff
	Git        Git
	Logger     *slog.Logger
}

// Backoff is an exponential schedule with jitter.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

var DefaultBackoff = Backoff{Base: 500 * time.Millisecond, Factor: 2, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt (0-based), jittered to
// between half and the full computed value.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// GitHub implements Client against the GitHub REST API.
type GitHub struct {
	endpoint string
	owner    string
	repo     string
	target   string
	budget   time.Duration
	http     *http.Client
	limiter  *rate.Limiter
	backoff  Backoff
	git      Git
	log      *slog.Logger

	mu    sync.Mutex
	login string
	// echoes holds the creation time of our latest comment per issue, so the
	// update it causes is not reported as new activity.
	echoes map[string]time.Time
}

func NewGitHub(opts Options) (*GitHub, error) {
	owner, repo, ok := strings.Cut(opts.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository must be owner/name, got %q", opts.Repo)
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "https://api.github.com"
	}
	if opts.Budget <= 0 {
		opts.Budget = 60 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}))
	git := opts.Git
	git.Token = opts.Token
	return &GitHub{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		owner:    owner,
		repo:     repo,
		target:   opts.Owner,
		budget:   opts.Budget,
		http:     client,
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		backoff:  opts.Backoff,
		git:      git,
		log:      opts.Logger,
		echoes:   map[string]time.Time{},
	}, nil
}

type call struct {
	op     string
	method string
	url    string
	body   any
	out    any
}

// do performs c, retrying transport errors, 5xx and rate limits until the
// context ends. It returns the response headers of the final attempt.
func (g *GitHub) do(ctx context.Context, c call) (http.Header, error) {
	var payload []byte
	if c.body != nil {
		var err error
		if payload, err = json.Marshal(c.body); err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", c.op, err)
		}
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, g.giveUp(c.op, attempt, lastErr, err)
		}
		wait, header, err := g.attempt(ctx, c, payload, attempt)
		if err == nil {
			return header, nil
		}
		var retry retryable
		if !errors.As(err, &retry) {
			return header, err
		}
		lastErr = retry.err
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return nil, TransientError{Op: c.op, Attempts: attempt + 1, Err: lastErr}
		}
		g.log.Debug("hosting retry", "op", c.op, "attempt", attempt+1, "wait", wait, "err", lastErr)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, g.giveUp(c.op, attempt+1, lastErr, ctx.Err())
		case <-t.C:
		}
	}
}

func (g *GitHub) giveUp(op string, attempts int, lastErr, ctxErr error) error {
	if lastErr == nil {
		lastErr = ctxErr
	}
	return TransientError{Op: op, Attempts: attempts, Err: lastErr}
}

type retryable struct {
	err error
}

func (r retryable) Error() string { return r.err.Error() }

func (g *GitHub) attempt(ctx context.Context, c call, payload []byte, attempt int) (time.Duration, http.Header, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: create request: %w", c.op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return g.backoff.Delay(attempt), nil, retryable{err: fmt.Errorf("%s: %w", c.op, err)}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		if c.out != nil {
			if err := json.NewDecoder(resp.Body).Decode(c.out); err != nil {
				return 0, resp.Header, fmt.Errorf("%s: decode response: %w", c.op, err)
			}
		}
		return 0, resp.Header, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, resp.Header, CredentialError{Status: resp.StatusCode, Message: readMessage(resp.Body)}
	case isRateLimited(resp):
		serr := StatusError{Op: c.op, Status: resp.StatusCode, Body: readMessage(resp.Body)}
		wait, ok := rateLimitWait(resp.Header, time.Now())
		if !ok {
			wait = g.backoff.Delay(attempt)
		}
		return wait, resp.Header, retryable{err: serr}
	case resp.StatusCode >= 500:
		serr := StatusError{Op: c.op, Status: resp.StatusCode, Body: readMessage(resp.Body)}
		return g.backoff.Delay(attempt), resp.Header, retryable{err: serr}
	default:
		return 0, resp.Header, StatusError{Op: c.op, Status: resp.StatusCode, Body: readMessage(resp.Body)}
	}
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden &&
		(resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "")
}

// rateLimitWait reads Retry-After (seconds or HTTP date) or X-RateLimit-Reset
// (unix seconds).
func rateLimitWait(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if at, err := http.ParseTime(v); err == nil {
			return max(at.Sub(now), 0), true
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Unix(unix, 0).Sub(now), 0), true
		}
	}
	return 0, false
}

func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var msg struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(b, &msg) == nil && msg.Message != "" {
		parts := []string{msg.Message}
		for _, e := range msg.Errors {
			if e.Message != "" {
				parts = append(parts, e.Message)
			}
		}
		return strings.Join(parts, ": ")
	}
	return strings.TrimSpace(string(b))
}

func (g *GitHub) url(path string, q url.Values) string {
	u := g.endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (g *GitHub) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.budget)
}

func (g *GitHub) Verify(ctx context.Context) error {
	ctx, cancel := g.withBudget(ctx)
	defer cancel()
	var user struct {
		Login string `json:"login"`
	}
	_, err := g.do(ctx, call{op: "verify", method: http.MethodGet, url: g.url("/user", nil), out: &user})
	if err != nil {
		var serr StatusError
		if errors.As(err, &serr) && serr.Status == http.StatusForbidden {
			return CredentialError{Status: serr.Status, Message: serr.Body}
		}
		return err
	}
	g.mu.Lock()
	g.login = user.Login
	g.mu.Unlock()
	return nil
}

type ghIssue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   *string `json:"body"`
	User   struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	HTMLURL     string          `json:"html_url"`
	PullRequest json.RawMessage `json:"pull_request"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Discover lists open issues bearing every label, updated at or after the
// cursor's second. Timestamps only have second precision, so the cursor also
// names the refs already reported in that second; only those are skipped.
// The returned cursor is unchanged when nothing newer was listed.
func (g *GitHub) Discover(ctx context.Context, labels []string, since string) ([]Issue, string, error) {
	ctx, cancel := g.withBudget(ctx)
	defer cancel()
	sinceT, seen, err := parseCursor(since)
	if err != nil {
		return nil, since, err
	}
	q := url.Values{}
	q.Set("state", "open")
	q.Set("labels", strings.Join(labels, ","))
	q.Set("sort", "updated")
	q.Set("direction", "asc")
	q.Set("per_page", "100")
	if !sinceT.IsZero() {
		q.Set("since", sinceT.Format(time.RFC3339))
	}
	next := g.url(fmt.Sprintf("/repos/%s/%s/issues", url.PathEscape(g.owner), url.PathEscape(g.repo)), q)
	latest := sinceT
	boundary := map[string]bool{}
	for ref := range seen {
		boundary[ref] = true
	}
	var out []Issue
	for next != "" {
		var page []ghIssue
		header, err := g.do(ctx, call{op: "discover", method: http.MethodGet, url: next, out: &page})
		if err != nil {
			return nil, since, err
		}
		for _, it := range page {
			at := it.UpdatedAt.UTC().Truncate(time.Second)
			ref := IssueRef{Owner: g.owner, Repo: g.repo, Number: it.Number}.String()
			if at.Before(sinceT) || (at.Equal(sinceT) && seen[ref]) {
				continue
			}
			switch {
			case at.After(latest):
				latest = at
				boundary = map[string]bool{ref: true}
			case at.Equal(latest):
				boundary[ref] = true
			}
			if len(it.PullRequest) > 0 && string(it.PullRequest) != "null" {
				continue
			}
			issue := g.toIssue(it)
			if !HasAllLabels(issue.Labels, labels) {
				continue
			}
			if g.isEcho(issue) {
				continue
			}
			out = append(out, issue)
		}
		next = nextLink(header.Get("Link"))
	}
	if latest.IsZero() {
		return out, since, nil
	}
	return out, formatCursor(latest, boundary), nil
}

// parseCursor splits "<RFC3339> [ref...]" into its second and the refs
// already reported in it.
func parseCursor(cursor string) (time.Time, map[string]bool, error) {
	fields := strings.Fields(cursor)
	if len(fields) == 0 {
		return time.Time{}, nil, nil
	}
	t, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	seen := make(map[string]bool, len(fields)-1)
	for _, ref := range fields[1:] {
		seen[ref] = true
	}
	return t.UTC().Truncate(time.Second), seen, nil
}

func formatCursor(at time.Time, refs map[string]bool) string {
	parts := make([]string, 0, len(refs)+1)
	for ref := range refs {
		parts = append(parts, ref)
	}
	sort.Strings(parts)
	return strings.Join(append([]string{at.UTC().Format(time.RFC3339)}, parts...), " ")
}

func (g *GitHub) toIssue(it ghIssue) Issue {
	issue := Issue{
		SourceRef: IssueRef{Owner: g.owner, Repo: g.repo, Number: it.Number}.String(),
		Number:    it.Number,
		Title:     it.Title,
		Author:    it.User.Login,
		URL:       it.HTMLURL,
		UpdatedAt: it.UpdatedAt,
	}
	if it.Body != nil {
		issue.Body = *it.Body
	}
	for _, l := range it.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue
}

// isEcho reports whether the only activity on issue is a comment we posted.
func (g *GitHub) isEcho(issue Issue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	at, ok := g.echoes[issue.SourceRef]
	return ok && !issue.UpdatedAt.After(at.Add(2*time.Second))
}

// nextLink extracts the rel="next" target from a Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(part, ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		for _, p := range segs[1:] {
			if strings.TrimSpace(p) == `rel="next"` {
				return target[1 : len(target)-1]
			}
		}
	}
	return ""
}

func (g *GitHub) PostComment(ctx context.Context, sourceRef, body string) error {
	ref, err := ParseIssueRef(sourceRef)
	if err != nil {
		return err
	}
	ctx, cancel := g.withBudget(ctx)
	defer cancel()
	var created struct {
		CreatedAt time.Time `json:"created_at"`
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", url.PathEscape(ref.Owner), url.PathEscape(ref.Repo), ref.Number)
	if _, err := g.do(ctx, call{op: "post comment", method: http.MethodPost, url: g.url(path, nil), body: map[string]string{"body": body}, out: &created}); err != nil {
		return err
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	g.mu.Lock()
	g.echoes[sourceRef] = created.CreatedAt
	g.mu.Unlock()
	return nil
}

func (g *GitHub) CreateRemoteRepo(ctx context.Context, name, visibility string) (string, error) {
	ctx, cancel := g.withBudget(ctx)
	defer cancel()
	g.mu.Lock()
	login := g.login
	g.mu.Unlock()
	path := "/user/repos"
	if g.target != "" && !strings.EqualFold(g.target, login) {
		path = fmt.Sprintf("/orgs/%s/repos", url.PathEscape(g.target))
	}
	body := map[string]any{
		"name":        name,
		"private":     visibility == "private",
		"auto_init":   false,
		"description": "Generated by issueforge",
	}
	var created struct {
		HTMLURL string `json:"html_url"`
	}
	_, err := g.do(ctx, call{op: "create repo", method: http.MethodPost, url: g.url(path, nil), body: body, out: &created})
	if err != nil {
		var serr StatusError
		if errors.As(err, &serr) && serr.Status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(serr.Body), "already exists") {
			return "", fmt.Errorf("%s: %w", name, ErrNameTaken)
		}
		return "", err
	}
	if created.HTMLURL == "" {
		return "", fmt.Errorf("create repo %s: response without html_url", name)
	}
	return created.HTMLURL, nil
}

func (g *GitHub) PushTree(ctx context.Context, localPath, remoteURL string) (string, error) {
	ctx, cancel := g.withBudget(ctx)
	defer cancel()
	return g.git.Push(ctx, localPath, remoteURL)
}

var _ Client = (*GitHub)(nil)
