package hosting

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Git publishes a working tree as a single initial commit.
type Git struct {
	Executable  string
	AuthorName  string
	AuthorEmail string
	Token       string
	// Exclude lists patterns kept out of the published tree.
	Exclude []string
	Message string
}

// Push commits everything under dir and pushes it to the main branch of
// remote. The token travels in an http.extraHeader set through the
// environment, never in the URL or argv.
func (g Git) Push(ctx context.Context, dir, remote string) (string, error) {
	if g.Executable == "" {
		g.Executable = "git"
	}
	msg := g.Message
	if msg == "" {
		msg = "Initial commit"
	}
	steps := [][]string{
		{"init", "-q"},
		{"symbolic-ref", "HEAD", "refs/heads/main"},
	}
	for _, args := range steps {
		if _, err := g.run(ctx, dir, false, args...); err != nil {
			return "", err
		}
	}
	if len(g.Exclude) > 0 {
		exclude := filepath.Join(dir, ".git", "info", "exclude")
		if err := os.MkdirAll(filepath.Dir(exclude), 0o755); err != nil {
			return "", fmt.Errorf("git exclude: %w", err)
		}
		if err := os.WriteFile(exclude, []byte(strings.Join(g.Exclude, "\n")+"\n"), 0o644); err != nil {
			return "", fmt.Errorf("git exclude: %w", err)
		}
	}
	if _, err := g.run(ctx, dir, false, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, false, "-c", "commit.gpgsign=false", "commit", "-q", "--no-verify", "-m", msg); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, dir, true, "push", "-q", remote, "HEAD:refs/heads/main"); err != nil {
		return "", err
	}
	out, err := g.run(ctx, dir, false, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g Git) run(ctx context.Context, dir string, auth bool, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Executable, args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_AUTHOR_NAME=" + g.AuthorName,
		"GIT_AUTHOR_EMAIL=" + g.AuthorEmail,
		"GIT_COMMITTER_NAME=" + g.AuthorName,
		"GIT_COMMITTER_EMAIL=" + g.AuthorEmail,
	}
	if auth && g.Token != "" {
		basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.Token))
		cmd.Env = append(cmd.Env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+basic,
		)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		text := strings.TrimSpace(out.String())
		if g.Token != "" {
			text = strings.ReplaceAll(text, g.Token, "***")
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, text)
	}
	return out.String(), nil
}
