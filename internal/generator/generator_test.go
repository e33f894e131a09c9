package generator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"issueforge/internal/domain"
	"issueforge/internal/generator"
)

func stub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "generator.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func workdir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run-1")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return dir
}

func input() generator.Input {
	return generator.Input{
		RequestID: 1,
		SourceRef: "acme/requests#1",
		Title:     "Make a calculator",
		Body:      "please produce a simple calculator",
		Requester: "octocat",
		Priority:  domain.PriorityNormal,
		Extracted: domain.Extracted{SystemKind: "web_system", Technologies: []string{}, Effort: "small"},
	}
}

func driver(exe string) generator.Driver {
	return generator.Driver{
		Executable: exe,
		Model:      "test-model",
		Timeout:    5 * time.Second,
		KillGrace:  200 * time.Millisecond,
	}
}

func genErr(t *testing.T, err error) generator.Error {
	t.Helper()
	var gerr generator.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected generator.Error, got %v", err)
	}
	return gerr
}

func TestRunSuccess(t *testing.T) {
	t.Setenv("ISSUEFORGE_TEST_SECRET", "s3cret")
	t.Setenv("ISSUEFORGE_TEST_HIDDEN", "nope")
	exe := stub(t, `set -e
test "$(cat "$4")" = "please produce a simple calculator"
test "$2" = "test-model"
test "$HOME" = "$PWD"
test "$ISSUEFORGE_TEST_SECRET" = "s3cret"
test -z "$ISSUEFORGE_TEST_HIDDEN"
echo 'print("ok")' > main.py
echo '{"broken":' > config.json
mkdir -p pkg .cache
printf 'package pkg\n\nfunc A() {}\n' > pkg/a.go
touch .cache/ignored
echo generated`)
	d := driver(exe)
	d.PassEnv = []string{"ISSUEFORGE_TEST_SECRET"}
	dir := workdir(t)

	res, err := d.Run(context.Background(), input(), dir)
	if err != nil {
		tailText := ""
		var gerr generator.Error
		if errors.As(err, &gerr) {
			tailText = gerr.Tail
		}
		t.Fatalf("run: %v\n%s", err, tailText)
	}
	if res.FileCount != 3 || res.OutputRoot != dir {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.ParseWarnings) != 1 || res.ParseWarnings[0].File != "config.json" {
		t.Fatalf("expected one warning for config.json, got %+v", res.ParseWarnings)
	}
	meta, err := os.ReadFile(filepath.Join(dir, generator.MetadataFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(meta), `"source_ref": "acme/requests#1"`) || strings.Contains(string(meta), "please produce") {
		t.Fatalf("unexpected metadata: %s", meta)
	}
	logData, _ := os.ReadFile(filepath.Join(dir, generator.LogFile))
	if !strings.Contains(string(logData), "generated") {
		t.Fatalf("stdout not captured: %q", logData)
	}
}

func TestRunEmptyOutput(t *testing.T) {
	exe := stub(t, "exit 0")
	_, err := driver(exe).Run(context.Background(), input(), workdir(t))
	gerr := genErr(t, err)
	if gerr.Reason != generator.ReasonEmpty || gerr.ExitReason() != domain.ExitEmptyOutput {
		t.Fatalf("expected empty output, got %+v", gerr)
	}
}

func TestRunNonZeroKeepsTail(t *testing.T) {
	exe := stub(t, "echo 'model quota exceeded' >&2\nexit 3")
	_, err := driver(exe).Run(context.Background(), input(), workdir(t))
	gerr := genErr(t, err)
	if gerr.Reason != generator.ReasonNonZero || gerr.ExitCode != 3 {
		t.Fatalf("unexpected error: %+v", gerr)
	}
	if !strings.Contains(gerr.Tail, "model quota exceeded") {
		t.Fatalf("tail missing stderr: %q", gerr.Tail)
	}
	if gerr.ExitReason() != domain.ExitGeneratorError {
		t.Fatalf("exit reason %s", gerr.ExitReason())
	}
}

func TestRunTimeout(t *testing.T) {
	exe := stub(t, "echo 'x' > partial.txt\nsleep 10")
	d := driver(exe)
	d.Timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := d.Run(context.Background(), input(), workdir(t))
	gerr := genErr(t, err)
	if gerr.Reason != generator.ReasonTimeout || gerr.ExitReason() != domain.ExitTimeout {
		t.Fatalf("expected timeout, got %+v", gerr)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("child not terminated promptly: %s", time.Since(start))
	}
}

func TestRunKillsAfterGrace(t *testing.T) {
	exe := stub(t, "trap '' TERM\nsleep 10")
	d := driver(exe)
	d.Timeout = 100 * time.Millisecond
	d.KillGrace = 100 * time.Millisecond
	start := time.Now()
	_, err := d.Run(context.Background(), input(), workdir(t))
	if gerr := genErr(t, err); gerr.Reason != generator.ReasonTimeout {
		t.Fatalf("expected timeout, got %+v", gerr)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("SIGKILL not sent: %s", time.Since(start))
	}
}

func TestRunCancelled(t *testing.T) {
	exe := stub(t, "sleep 10")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := driver(exe).Run(ctx, input(), workdir(t))
	gerr := genErr(t, err)
	if gerr.Reason != generator.ReasonCancelled || gerr.ExitReason() != domain.ExitShutdown {
		t.Fatalf("expected cancellation, got %+v", gerr)
	}
}

func TestRunRequiresEmptyWorkdir(t *testing.T) {
	exe := stub(t, "touch out.txt")
	dir := workdir(t)
	if err := os.WriteFile(filepath.Join(dir, "leftover"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := driver(exe).Run(context.Background(), input(), dir)
	if gerr := genErr(t, err); gerr.Reason != generator.ReasonSetup {
		t.Fatalf("expected setup error, got %+v", gerr)
	}
}

func TestCheckSyntaxes(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"good.go":   "package main\n\nfunc main() {}\n",
		"bad.go":    "package main\n\nfunc main( {\n",
		"good.yaml": "a: 1\n---\nb: [1, 2]\n",
		"bad.yml":   "a: [1, 2\n",
		"good.toml": "title = \"x\"\n[owner]\nname = \"y\"\n",
		"bad.toml":  "title = \n",
		"good.lua":  "local x = 1\nreturn x\n",
		"bad.lua":   "local = = 1\n",
		"good.json": "{\"a\": 1}",
		"notes.md":  "# anything { goes",
		"main.py":   "def add(a, b):\n    return a + b\n\nprint(add(1, 2))\n",
		"broken.py": "def broken(:\n    pass\n",
		"app.js":    "const add = (a, b) => a + b;\nconsole.log(add(1, 2));\n",
		"bad.js":    "function (\n",
		"types.ts":  "let x: number = 1;\n",
	}
	var names []string
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
	warnings := generator.Check(dir, names)
	bad := map[string]bool{}
	for _, w := range warnings {
		bad[w.File] = true
		if strings.Contains(w.Message, "\n") {
			t.Errorf("multi-line warning for %s", w.File)
		}
	}
	for _, want := range []string{"bad.go", "bad.yml", "bad.toml", "bad.lua", "broken.py", "bad.js"} {
		if !bad[want] {
			t.Errorf("expected warning for %s", want)
		}
	}
	if len(warnings) != 6 {
		t.Fatalf("expected 6 warnings, got %+v", warnings)
	}
}
