// Package notify forwards audit entries to webhooks. Each hook keeps a
// durable cursor so entries are delivered in order and at least once.
package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"issueforge/internal/domain"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	chatHost        = "chat.googleapis.com"
)

// Source is the slice of the store the notifier reads and checkpoints.
type Source interface {
	AuditAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditEntry, error)
	LatestAuditID(ctx context.Context) (int64, error)
	Cursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, value string) error
}

type Format string

const (
	FormatJSON Format = "json"
	FormatChat Format = "chat"
)

type Hook struct {
	URL    string
	Format Format
	// Kinds limits delivery to these audit kinds. Empty means all.
	Kinds []string
}

// ParseHook picks the payload format from the URL host.
func ParseHook(raw string) (Hook, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Hook{}, fmt.Errorf("invalid webhook url %q", raw)
	}
	h := Hook{URL: u.String(), Format: FormatJSON}
	if strings.EqualFold(u.Hostname(), chatHost) {
		h.Format = FormatChat
	}
	return h, nil
}

// CursorName keys the hook's cursor on a digest of its URL, so tokens carried
// in the query string never reach the database.
func (h Hook) CursorName() string {
	sum := sha256.Sum256([]byte(h.URL))
	return "notify:" + hex.EncodeToString(sum[:12])
}

// Redact drops credentials, query and fragment from a webhook URL.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (h Hook) wants(kind string) bool {
	if len(h.Kinds) == 0 {
		return true
	}
	for _, k := range h.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type Notifier struct {
	Source Source
	Hooks  []Hook
	Client *http.Client
	Logger *slog.Logger
	Batch  int
}

func New(src Source, urls []string, logger *slog.Logger) (*Notifier, error) {
	n := &Notifier{Source: src, Client: &http.Client{Timeout: defaultTimeout}, Logger: logger, Batch: defaultBatch}
	for _, raw := range urls {
		h, err := ParseHook(raw)
		if err != nil {
			return nil, err
		}
		n.Hooks = append(n.Hooks, h)
	}
	return n, nil
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Dispatch delivers pending entries to every hook. A failing hook stops at
// the failed entry and is retried from there on the next call.
func (n *Notifier) Dispatch(ctx context.Context) error {
	var errs []error
	for _, h := range n.Hooks {
		if err := n.dispatchHook(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", Redact(h.URL), err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) cursorFor(ctx context.Context, h Hook) (int64, error) {
	raw, err := n.Source.Cursor(ctx, h.CursorName())
	if err != nil {
		return 0, err
	}
	if raw != "" {
		return strconv.ParseInt(raw, 10, 64)
	}
	// A new hook starts at the end of the log instead of replaying history.
	latest, err := n.Source.LatestAuditID(ctx)
	if err != nil {
		return 0, err
	}
	return latest, n.Source.SetCursor(ctx, h.CursorName(), strconv.FormatInt(latest, 10))
}

func (n *Notifier) dispatchHook(ctx context.Context, h Hook) error {
	cursor, err := n.cursorFor(ctx, h)
	if err != nil {
		return err
	}
	batch := n.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	entries, err := n.Source.AuditAfter(ctx, cursor, batch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	last := cursor
	var deliverErr error
	for _, e := range entries {
		if h.wants(e.Kind) {
			if deliverErr = n.post(ctx, h, e); deliverErr != nil {
				break
			}
		}
		last = e.ID
	}
	if last != cursor {
		if err := n.Source.SetCursor(ctx, h.CursorName(), strconv.FormatInt(last, 10)); err != nil {
			return err
		}
		n.logger().Debug("webhook delivered", "url", Redact(h.URL), "cursor", last)
	}
	return deliverErr
}

type event struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	SubjectID int64  `json:"subject_id"`
	TS        string `json:"ts"`
	Message   string `json:"message"`
}

func payload(h Hook, e domain.AuditEntry) any {
	if h.Format == FormatChat {
		return chatCard(e)
	}
	return event{ID: e.ID, Kind: e.Kind, SubjectID: e.SubjectID, TS: e.TS, Message: e.Message}
}

func (n *Notifier) post(ctx context.Context, h Hook, e domain.AuditEntry) error {
	data, err := json.Marshal(payload(h, e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Issueforge-Event", e.Kind)
	req.Header.Set("X-Issueforge-Delivery", strconv.FormatInt(e.ID, 10))
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = Redact(uerr.URL)
		}
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
