// Package generator runs the external code generator for one run inside its
// workdir and checks what it produced.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"issueforge/internal/domain"
	"issueforge/internal/workspace"
)

// Files written into every workdir.
const (
	PromptFile   = "prompt"
	MetadataFile = "metadata.json"
	LogFile      = "generator.log"
	tmpDir       = ".tmp"
)

const stderrTail = 2 << 10

// Reason classifies a failed generation.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonNonZero   Reason = "generator_error"
	ReasonEmpty     Reason = "empty_output"
	ReasonCancelled Reason = "cancelled"
	ReasonSetup     Reason = "setup"
)

// Error is the typed failure of Run.
type Error struct {
	Reason   Reason
	ExitCode int
	// Tail holds the end of the generator log for non-zero exits.
	Tail string
	Err  error
}

func (e Error) Error() string {
	msg := "generator " + string(e.Reason)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e Error) Unwrap() error { return e.Err }

// ExitReason maps the failure onto a run exit reason. Cancellation is
// reported as a shutdown since only the orchestrator cancels runs.
func (e Error) ExitReason() domain.ExitReason {
	switch e.Reason {
	case ReasonTimeout:
		return domain.ExitTimeout
	case ReasonEmpty:
		return domain.ExitEmptyOutput
	case ReasonCancelled:
		return domain.ExitShutdown
	case ReasonSetup:
		return domain.ExitSetupError
	default:
		return domain.ExitGeneratorError
	}
}

// Input is the request material handed to the generator.
type Input struct {
	RequestID int64            `json:"request_id"`
	SourceRef string           `json:"source_ref"`
	Title     string           `json:"title"`
	Body      string           `json:"-"`
	Requester string           `json:"requester"`
	Priority  domain.Priority  `json:"priority"`
	Extracted domain.Extracted `json:"extracted"`
}

func InputFor(r domain.Request) Input {
	return Input{
		RequestID: r.ID,
		SourceRef: r.SourceRef,
		Title:     r.Title,
		Body:      r.Body,
		Requester: r.Requester,
		Priority:  r.Priority,
		Extracted: r.Extracted,
	}
}

type ParseWarning struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

func (w ParseWarning) String() string { return w.File + ": " + w.Message }

type Result struct {
	OutputRoot    string
	FileCount     int
	Files         []string
	ParseWarnings []ParseWarning
	Duration      time.Duration
}

// Driver launches the generator executable.
type Driver struct {
	Executable string
	Model      string
	// Args may reference {model}, {prompt} and {workdir}.
	Args []string
	// PassEnv names environment variables copied to the child.
	PassEnv   []string
	Timeout   time.Duration
	KillGrace time.Duration
	Logger    *slog.Logger
}

const DefaultTimeout = 30 * time.Minute

var DefaultArgs = []string{"--model", "{model}", "--prompt-file", "{prompt}"}

func (d Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupErr(err error) error {
	return Error{Reason: ReasonSetup, Err: err}
}

// Run executes the generator in workdir, which must exist and be empty.
func (d Driver) Run(ctx context.Context, in Input, workdir string) (Result, error) {
	if d.Executable == "" {
		return Result{}, setupErr(errors.New("generator executable not configured"))
	}
	if err := workspace.EnsureEmpty(workdir); err != nil {
		return Result{}, setupErr(err)
	}
	promptPath := filepath.Join(workdir, PromptFile)
	if err := os.WriteFile(promptPath, []byte(in.Body), 0o644); err != nil {
		return Result{}, setupErr(fmt.Errorf("write prompt: %w", err))
	}
	meta, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return Result{}, setupErr(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, MetadataFile), meta, 0o644); err != nil {
		return Result{}, setupErr(fmt.Errorf("write metadata: %w", err))
	}
	if err := os.Mkdir(filepath.Join(workdir, tmpDir), 0o700); err != nil {
		return Result{}, setupErr(err)
	}
	logPath := filepath.Join(workdir, LogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, setupErr(fmt.Errorf("open log: %w", err))
	}
	defer logFile.Close()

	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	cmd := exec.Command(d.Executable, d.args(promptPath, workdir)...)
	cmd.Dir = workdir
	cmd.Env = d.env(promptPath, workdir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, setupErr(fmt.Errorf("start generator: %w", err))
	}
	log := d.logger().With("request_id", in.RequestID, "pid", cmd.Process.Pid)
	log.Debug("generator started", "workdir", workdir)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(d.Timeout)
	defer timer.Stop()
	var waitErr error
	select {
	case waitErr = <-done:
		if elapsed := time.Since(start); elapsed >= d.Timeout {
			return Result{}, Error{Reason: ReasonTimeout, Err: fmt.Errorf("finished after %s, limit %s", elapsed.Round(time.Millisecond), d.Timeout)}
		}
	case <-timer.C:
		log.Warn("generator timed out, terminating", "limit", d.Timeout)
		d.terminate(cmd.Process.Pid, done, log)
		return Result{}, Error{Reason: ReasonTimeout, Err: fmt.Errorf("exceeded %s", d.Timeout)}
	case <-ctx.Done():
		log.Info("generator cancelled, terminating")
		d.terminate(cmd.Process.Pid, done, log)
		return Result{}, Error{Reason: ReasonCancelled, Err: ctx.Err()}
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		_ = logFile.Sync()
		return Result{}, Error{Reason: ReasonNonZero, ExitCode: code, Tail: tail(logPath, stderrTail), Err: waitErr}
	}

	files, err := workspace.Files(workdir, PromptFile, MetadataFile, LogFile)
	if err != nil {
		return Result{}, setupErr(fmt.Errorf("scan output: %w", err))
	}
	if len(files) == 0 {
		return Result{}, Error{Reason: ReasonEmpty, Err: errors.New("no files produced")}
	}
	res := Result{
		OutputRoot:    workdir,
		FileCount:     len(files),
		Files:         files,
		ParseWarnings: Check(workdir, files),
		Duration:      time.Since(start),
	}
	log.Info("generator finished", "files", res.FileCount, "warnings", len(res.ParseWarnings), "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

// terminate sends SIGTERM to the process group and SIGKILL once the grace
// period has passed. It returns after the child has been reaped.
func (d Driver) terminate(pid int, done <-chan error, log *slog.Logger) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	grace := time.NewTimer(d.KillGrace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}
	log.Warn("generator ignored SIGTERM, killing", "grace", d.KillGrace)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-done
}

func (d Driver) args(promptPath, workdir string) []string {
	src := d.Args
	if len(src) == 0 {
		src = DefaultArgs
	}
	r := strings.NewReplacer("{model}", d.Model, "{prompt}", promptPath, "{workdir}", workdir)
	out := make([]string, len(src))
	for i, a := range src {
		out[i] = r.Replace(a)
	}
	return out
}

func (d Driver) env(promptPath, workdir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workdir,
		"TMPDIR=" + filepath.Join(workdir, tmpDir),
		"ISSUEFORGE_MODEL=" + d.Model,
		"ISSUEFORGE_PROMPT_FILE=" + promptPath,
		"ISSUEFORGE_WORKDIR=" + workdir,
	}
	for _, name := range d.PassEnv {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func tail(path string, n int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if off := info.Size() - n; off > 0 {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return ""
		}
	}
	b, _ := io.ReadAll(f)
	return strings.TrimSpace(string(b))
}
