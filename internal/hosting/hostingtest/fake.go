// Package hostingtest provides an in-memory hosting.Client with scripted
// failures.
package hostingtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"issueforge/internal/hosting"
	"issueforge/internal/workspace"
)

type Comment struct {
	SourceRef string
	Body      string
}

type Push struct {
	LocalPath string
	RemoteURL string
	Files     []string
	CommitRef string
}

// Fake is safe for concurrent use. Zero value is ready; BaseURL defaults to
// https://host.test/forge.
type Fake struct {
	BaseURL string

	mu        sync.Mutex
	batches   [][]hosting.Issue
	comments  []Comment
	repos     []string
	pushes    []Push
	taken     map[string]bool
	takenNext int
	discovers int

	// Hooks return an error to fail the call. They run without the lock held.
	VerifyErr   error
	DiscoverErr func(call int) error
	CommentErr  func(sourceRef, body string) error
	CreateErr   func(name string) error
	PushErr     func(remoteURL string) error
	// PushHook runs before a push is recorded, e.g. to block until released.
	PushHook func(ctx context.Context) error
}

// Deliver queues a batch returned by the next Discover call. Later calls
// return the following batches, then nothing.
func (f *Fake) Deliver(issues ...hosting.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, issues)
}

// TakeNames makes the next n CreateRemoteRepo calls collide.
func (f *Fake) TakeNames(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takenNext = n
}

func (f *Fake) Verify(ctx context.Context) error {
	return f.VerifyErr
}

func (f *Fake) Discover(ctx context.Context, labels []string, since string) ([]hosting.Issue, string, error) {
	f.mu.Lock()
	f.discovers++
	call := f.discovers
	hook := f.DiscoverErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(call); err != nil {
			return nil, since, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, since, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	next := since
	var out []hosting.Issue
	for _, is := range batch {
		if !hosting.HasAllLabels(is.Labels, labels) {
			continue
		}
		out = append(out, is)
		if ts := is.UpdatedAt.UTC().Format(time.RFC3339); !is.UpdatedAt.IsZero() && ts > next {
			next = ts
		}
	}
	return out, next, nil
}

func (f *Fake) PostComment(ctx context.Context, sourceRef, body string) error {
	if f.CommentErr != nil {
		if err := f.CommentErr(sourceRef, body); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, Comment{SourceRef: sourceRef, Body: body})
	return nil
}

func (f *Fake) base() string {
	if f.BaseURL != "" {
		return strings.TrimRight(f.BaseURL, "/")
	}
	return "https://host.test/forge"
}

func (f *Fake) CreateRemoteRepo(ctx context.Context, name, visibility string) (string, error) {
	if f.CreateErr != nil {
		if err := f.CreateErr(name); err != nil {
			return "", err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taken == nil {
		f.taken = map[string]bool{}
	}
	if f.takenNext > 0 {
		f.takenNext--
		f.taken[name] = true
		return "", fmt.Errorf("%s: %w", name, hosting.ErrNameTaken)
	}
	if f.taken[name] {
		return "", fmt.Errorf("%s: %w", name, hosting.ErrNameTaken)
	}
	f.taken[name] = true
	f.repos = append(f.repos, name)
	return f.base() + "/" + name, nil
}

func (f *Fake) PushTree(ctx context.Context, localPath, remoteURL string) (string, error) {
	if f.PushHook != nil {
		if err := f.PushHook(ctx); err != nil {
			return "", err
		}
	}
	if f.PushErr != nil {
		if err := f.PushErr(remoteURL); err != nil {
			return "", err
		}
	}
	files, err := workspace.Files(localPath)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(localPath, filepath.FromSlash(name)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%d\x00", name, len(data))
		h.Write(data)
	}
	ref := hex.EncodeToString(h.Sum(nil))[:40]
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, Push{LocalPath: localPath, RemoteURL: remoteURL, Files: files, CommitRef: ref})
	return ref, nil
}

func (f *Fake) Comments() []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Comment(nil), f.comments...)
}

func (f *Fake) Repos() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.repos...)
}

func (f *Fake) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Push(nil), f.pushes...)
}

func (f *Fake) DiscoverCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers
}

var _ hosting.Client = (*Fake)(nil)
