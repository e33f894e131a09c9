package orchestrator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"issueforge/internal/domain"
	"issueforge/internal/generator"
)

// MarkerLine opens every comment the orchestrator posts.
const MarkerLine = "<!-- issueforge:automated -->"

type CommentKind string

const (
	KindAcknowledged CommentKind = "acknowledged"
	KindSucceeded    CommentKind = "succeeded"
	KindFailed       CommentKind = "failed"
)

// Marker identifies an automated comment.
type Marker struct {
	Kind      CommentKind
	RequestID int64
}

var kindLine = regexp.MustCompile(`^<!-- issueforge:kind=([a-z]+) request=(\d+) -->$`)

// ParseMarker reports whether body was posted by the orchestrator. The kind
// line is optional so that older comments are still recognised.
func ParseMarker(body string) (Marker, bool) {
	lines := strings.SplitN(strings.ReplaceAll(body, "\r\n", "\n"), "\n", 3)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != MarkerLine {
		return Marker{}, false
	}
	var m Marker
	if len(lines) > 1 {
		if sub := kindLine.FindStringSubmatch(strings.TrimSpace(lines[1])); sub != nil {
			m.Kind = CommentKind(sub[1])
			m.RequestID, _ = strconv.ParseInt(sub[2], 10, 64)
		}
	}
	return m, true
}

func header(kind CommentKind, requestID int64) string {
	return fmt.Sprintf("%s\n<!-- issueforge:kind=%s request=%d -->\n", MarkerLine, kind, requestID)
}

func AcknowledgedComment(req domain.Request) string {
	var b strings.Builder
	b.WriteString(header(KindAcknowledged, req.ID))
	fmt.Fprintf(&b, "Request #%d received and queued for review.\n\n", req.ID)
	fmt.Fprintf(&b, "- system kind: %s\n", req.Extracted.SystemKind)
	if len(req.Extracted.Technologies) > 0 {
		fmt.Fprintf(&b, "- technologies: %s\n", strings.Join(req.Extracted.Technologies, ", "))
	}
	fmt.Fprintf(&b, "- estimated effort: %s\n", req.Extracted.Effort)
	fmt.Fprintf(&b, "- priority: %s\n", req.Priority)
	b.WriteString("\nGeneration starts once a reviewer approves it.\n")
	return b.String()
}

func SucceededComment(req domain.Request, art domain.Artifact, warnings []generator.ParseWarning) string {
	var b strings.Builder
	b.WriteString(header(KindSucceeded, req.ID))
	fmt.Fprintf(&b, "Request #%d was generated and published: %s\n\n", req.ID, art.RemoteRepoURL)
	fmt.Fprintf(&b, "Commit: `%s`\n", art.CommitRef)
	if len(warnings) > 0 {
		b.WriteString("\nStatic check warnings:\n")
		for _, w := range warnings {
			fmt.Fprintf(&b, "- `%s`: %s\n", w.File, w.Message)
		}
	}
	return b.String()
}

var reasonText = map[domain.ExitReason]string{
	domain.ExitTimeout:        "the generator hit its timeout",
	domain.ExitGeneratorError: "the generator exited with an error",
	domain.ExitEmptyOutput:    "the generator produced no files",
	domain.ExitPublishError:   "publishing the repository failed",
	domain.ExitSetupError:     "the run could not be prepared",
}

func FailedComment(req domain.Request, run domain.Run, reason domain.ExitReason, detail string) string {
	var b strings.Builder
	b.WriteString(header(KindFailed, req.ID))
	text, ok := reasonText[reason]
	if !ok {
		text = "the run failed"
	}
	fmt.Fprintf(&b, "Request #%d attempt %d failed (%s): %s.\n", req.ID, run.Attempt, reason, text)
	if detail = strings.TrimSpace(detail); detail != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", detail)
	}
	b.WriteString("\nA reviewer can re-queue the request to try again.\n")
	return b.String()
}
